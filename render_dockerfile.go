package forge

import (
	"fmt"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

////////////////////////////////////////////////////////////////////////////////
// Dockerfile rendering
////////////////////////////////////////////////////////////////////////////////

// renderDockerfile flattens the two-stage plan into Dockerfile text. Output
// is a pure function of the plans: same normalized recipe, same bytes.
func renderDockerfile(spec RecipeSpec, variant string, base, stage StagePlan) []byte {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")

	writeStage(&b, base, "")
	writeStage(&b, stage, stageLabels(spec, variant))

	return []byte(b.String())
}

func writeStage(b *strings.Builder, plan StagePlan, trailer string) {
	fmt.Fprintf(b, "\nFROM %s AS %s\n", plan.BaseImage, plan.Name)
	for _, step := range plan.Steps {
		if len(step.Lines) == 0 {
			continue
		}
		fmt.Fprintf(b, "\n# %s\n", step.Name)
		for _, line := range step.Lines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	if trailer != "" {
		b.WriteString("\n")
		b.WriteString(trailer)
		b.WriteString("\n")
	}
}

func stageLabels(spec RecipeSpec, variant string) string {
	return fmt.Sprintf(
		"LABEL forge.recipe=%q forge.variant=%q forge.framework=%q",
		spec.Name,
		variant,
		spec.Pins.Framework,
	)
}

// validateDockerfile runs the rendered text through the BuildKit frontend
// parser so malformed output fails the build before anything is committed.
func validateDockerfile(body []byte) error {
	result, err := parser.Parse(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("parse rendered dockerfile: %w", err)
	}
	fromCount := 0
	for _, node := range result.AST.Children {
		if strings.EqualFold(node.Value, "FROM") {
			fromCount++
		}
	}
	if fromCount != 2 {
		return fmt.Errorf("rendered dockerfile must have 2 stages, found %d", fromCount)
	}
	return nil
}
