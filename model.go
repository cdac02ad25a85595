package forge

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Domain model: Recipes + Builds
////////////////////////////////////////////////////////////////////////////////

// PinSet carries every load-bearing version pin of a recipe. The pins are
// the contract: a build must reproduce exactly these versions, and two
// builds of the same normalized pin set render byte-identical plans.
type PinSet struct {
	Python       string `json:"python"`
	Conda        string `json:"conda"`
	CUDA         string `json:"cuda"`
	CUDNN        string `json:"cudnn"`
	NCCL         string `json:"nccl"`
	EFAInstaller string `json:"efa_installer"`
	OpenMPI      string `json:"open_mpi"`

	Framework         string `json:"framework"`
	FrameworkWheelURL string `json:"framework_wheel_url,omitempty"`
	VisionWheelURL    string `json:"vision_wheel_url,omitempty"`

	ApexRef    string `json:"apex_ref"`
	Horovod    string `json:"horovod"`
	OFIPlugin  string `json:"ofi_plugin"`
	Profiler   string `json:"profiler"`
	SystemsLib string `json:"systems_lib"`

	StorageWheelURL  string `json:"storage_wheel_url,omitempty"`
	DataParallelURL  string `json:"data_parallel_url,omitempty"`
	ModelParallelURL string `json:"model_parallel_url,omitempty"`

	LicenseURL string `json:"license_url"`
}

type RecipeSpec struct {
	APIVersion string            `json:"apiVersion"`
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Pins       PinSet            `json:"pins"`
	BuildArgs  map[string]string `json:"buildArgs,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

type RecipeStatus struct {
	Phase         string    `json:"phase"` // Ready | Provisioning | Deleting | Error
	UpdatedAt     time.Time `json:"updated_at"`
	LastBuildID   string    `json:"last_build_id"`
	LastBuildKind string    `json:"last_build_kind"` // build|render|purge
	Message       string    `json:"message,omitempty"`
}

type Recipe struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Spec      RecipeSpec   `json:"spec"`
	Status    RecipeStatus `json:"status"`
}

type BuildKind string

const (
	BuildRun    BuildKind = "build"  // full chain, image solve included
	BuildRender BuildKind = "render" // full chain, assembler skips the solve
	BuildPurge  BuildKind = "purge"  // recipe teardown, artifacts removed
)

type BuildStep struct {
	Worker    string    `json:"worker"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"` // relative paths
}

type Build struct {
	ID        string      `json:"id"`
	Kind      BuildKind   `json:"kind"`
	RecipeID  string      `json:"recipe_id"`
	Variant   string      `json:"variant"`
	Requested time.Time   `json:"requested"`
	Finished  time.Time   `json:"finished"`
	Status    string      `json:"status"` // queued|running|done|error
	Error     string      `json:"error,omitempty"`
	ImageTag  string      `json:"image_tag,omitempty"`
	Steps     []BuildStep `json:"steps"`
}

var (
	recipeNameRe = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	pinValueRe   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)
	buildArgRe   = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
	envVarNameRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
)

func normalizeRecipeSpec(in RecipeSpec) RecipeSpec {
	spec := in
	spec.APIVersion = strings.TrimSpace(spec.APIVersion)
	if spec.APIVersion == "" {
		spec.APIVersion = recipeAPIVersion
	}
	spec.Kind = strings.TrimSpace(spec.Kind)
	if spec.Kind == "" {
		spec.Kind = recipeKind
	}
	spec.Name = strings.TrimSpace(spec.Name)
	spec.Pins = normalizePinSet(spec.Pins)

	if spec.BuildArgs == nil {
		spec.BuildArgs = map[string]string{}
	}
	if spec.Env == nil {
		spec.Env = map[string]string{}
	}
	return spec
}

func normalizePinSet(in PinSet) PinSet {
	pins := in
	pins.Python = pinOrDefault(pins.Python, defaultPinPython)
	pins.Conda = pinOrDefault(pins.Conda, defaultPinConda)
	pins.CUDA = pinOrDefault(pins.CUDA, defaultPinCUDA)
	pins.CUDNN = pinOrDefault(pins.CUDNN, defaultPinCUDNN)
	pins.NCCL = pinOrDefault(pins.NCCL, defaultPinNCCL)
	pins.EFAInstaller = pinOrDefault(pins.EFAInstaller, defaultPinEFAInstaller)
	pins.OpenMPI = pinOrDefault(pins.OpenMPI, defaultPinOpenMPI)
	pins.Framework = pinOrDefault(pins.Framework, defaultPinFramework)
	pins.ApexRef = pinOrDefault(pins.ApexRef, defaultPinApexRef)
	pins.Horovod = pinOrDefault(pins.Horovod, defaultPinHorovod)
	pins.OFIPlugin = pinOrDefault(pins.OFIPlugin, defaultPinOFIPlugin)
	pins.Profiler = pinOrDefault(pins.Profiler, defaultPinProfiler)
	pins.SystemsLib = pinOrDefault(pins.SystemsLib, defaultPinSystemsLib)

	pins.FrameworkWheelURL = strings.TrimSpace(pins.FrameworkWheelURL)
	pins.VisionWheelURL = strings.TrimSpace(pins.VisionWheelURL)
	pins.StorageWheelURL = strings.TrimSpace(pins.StorageWheelURL)
	pins.DataParallelURL = strings.TrimSpace(pins.DataParallelURL)
	pins.ModelParallelURL = strings.TrimSpace(pins.ModelParallelURL)

	pins.LicenseURL = strings.TrimSpace(pins.LicenseURL)
	if pins.LicenseURL == "" {
		pins.LicenseURL = defaultLicenseURL
	}
	return pins
}

func pinOrDefault(raw, fallback string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func validateRecipeSpec(spec RecipeSpec) error {
	if err := validateRecipeCore(spec); err != nil {
		return err
	}
	if err := validatePinSet(spec.Pins); err != nil {
		return err
	}
	if err := validateBuildArgs(spec.BuildArgs); err != nil {
		return err
	}
	return validateEnvVars(spec.Env)
}

func validateRecipeCore(spec RecipeSpec) error {
	if spec.APIVersion != recipeAPIVersion {
		return fmt.Errorf("apiVersion must be %q", recipeAPIVersion)
	}
	if spec.Kind != recipeKind {
		return fmt.Errorf("kind must be %q", recipeKind)
	}
	if len(spec.Name) < 1 || len(spec.Name) > 63 || !recipeNameRe.MatchString(spec.Name) {
		return fmt.Errorf("name must match %s", recipeNameRe.String())
	}
	return nil
}

func validatePinSet(pins PinSet) error {
	versionPins := map[string]string{
		"python":        pins.Python,
		"conda":         pins.Conda,
		"cuda":          pins.CUDA,
		"cudnn":         pins.CUDNN,
		"nccl":          pins.NCCL,
		"efa_installer": pins.EFAInstaller,
		"open_mpi":      pins.OpenMPI,
		"framework":     pins.Framework,
		"apex_ref":      pins.ApexRef,
		"horovod":       pins.Horovod,
		"ofi_plugin":    pins.OFIPlugin,
		"profiler":      pins.Profiler,
		"systems_lib":   pins.SystemsLib,
	}
	for _, field := range sortedKeys(versionPins) {
		value := versionPins[field]
		if len(value) > maxPinValueLength || !pinValueRe.MatchString(value) {
			return fmt.Errorf("invalid pin %s=%q", field, value)
		}
	}

	urlPins := map[string]string{
		"framework_wheel_url": pins.FrameworkWheelURL,
		"vision_wheel_url":    pins.VisionWheelURL,
		"storage_wheel_url":   pins.StorageWheelURL,
		"data_parallel_url":   pins.DataParallelURL,
		"model_parallel_url":  pins.ModelParallelURL,
		"license_url":         pins.LicenseURL,
	}
	for _, field := range sortedKeys(urlPins) {
		value := urlPins[field]
		if value == "" {
			continue
		}
		if err := validatePinURL(field, value); err != nil {
			return err
		}
	}
	return nil
}

func validatePinURL(field, raw string) error {
	if len(raw) > maxURLLength {
		return fmt.Errorf("pin %s exceeds max length", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid pin %s: %w", field, err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("pin %s must be an http(s) URL", field)
	}
	if parsed.Host == "" {
		return fmt.Errorf("pin %s must name a host", field)
	}
	return nil
}

func validateBuildArgs(args map[string]string) error {
	for key, value := range args {
		if len(key) > 128 || !buildArgRe.MatchString(key) {
			return fmt.Errorf("invalid build arg name %q", key)
		}
		if len(value) > maxEnvVarValueLength {
			return fmt.Errorf("build arg %q exceeds max length", key)
		}
	}
	return nil
}

func validateEnvVars(vars map[string]string) error {
	for key, value := range vars {
		if len(key) > 128 || !envVarNameRe.MatchString(key) {
			return fmt.Errorf("invalid environment variable name %q", key)
		}
		if len(value) > maxEnvVarValueLength {
			return fmt.Errorf("env var %q exceeds max length", key)
		}
	}
	return nil
}

func validateVariant(variant string) error {
	switch variant {
	case VariantTraining, VariantHosted:
		return nil
	default:
		return fmt.Errorf(
			"variant must be %q or %q, got %q",
			VariantTraining,
			VariantHosted,
			variant,
		)
	}
}

func validateBuildKind(kind BuildKind) error {
	switch kind {
	case BuildRun, BuildRender, BuildPurge:
		return nil
	default:
		return errors.New("unknown build kind: " + string(kind))
	}
}
