package forge

import (
	"encoding/json"
	"fmt"
	"strings"

	"sigs.k8s.io/kustomize/kyaml/yaml"
)

////////////////////////////////////////////////////////////////////////////////
// Recipe YAML codec
////////////////////////////////////////////////////////////////////////////////

// decodeRecipeSpec accepts a recipe document as YAML or JSON. YAML goes
// through a JSON round trip so both forms share the same field names.
func decodeRecipeSpec(body []byte) (RecipeSpec, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return RecipeSpec{}, fmt.Errorf("empty recipe document")
	}

	var spec RecipeSpec
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &spec); err != nil {
			return RecipeSpec{}, fmt.Errorf("decode recipe json: %w", err)
		}
		return normalizeRecipeSpec(spec), nil
	}

	node, err := yaml.Parse(trimmed)
	if err != nil {
		return RecipeSpec{}, fmt.Errorf("parse recipe yaml: %w", err)
	}
	jsonBody, err := node.MarshalJSON()
	if err != nil {
		return RecipeSpec{}, fmt.Errorf("convert recipe yaml: %w", err)
	}
	if err := json.Unmarshal(jsonBody, &spec); err != nil {
		return RecipeSpec{}, fmt.Errorf("decode recipe yaml: %w", err)
	}
	return normalizeRecipeSpec(spec), nil
}

// encodeRecipeSpecYAML renders the normalized spec as a YAML document for
// the registration artifact.
func encodeRecipeSpecYAML(spec RecipeSpec) ([]byte, error) {
	jsonBody, err := json.Marshal(normalizeRecipeSpec(spec))
	if err != nil {
		return nil, err
	}
	node, err := yaml.ConvertJSONToYamlNode(string(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("encode recipe yaml: %w", err)
	}
	out, err := node.String()
	if err != nil {
		return nil, fmt.Errorf("serialize recipe yaml: %w", err)
	}
	return []byte(out), nil
}
