//nolint:testpackage // Resolution helpers are unexported on purpose.
package forge

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveNATSStoreDirRaw(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name            string
		raw             string
		exists          bool
		wantDir         string
		wantIsEphemeral bool
	}{
		{name: "unset", raw: "", exists: false, wantDir: defaultNATSStoreDir, wantIsEphemeral: false},
		{name: "empty", raw: "   ", exists: true, wantDir: defaultNATSStoreDir, wantIsEphemeral: false},
		{name: "temp", raw: "temp", exists: true, wantDir: "", wantIsEphemeral: true},
		{name: "ephemeral upper", raw: "EPHEMERAL", exists: true, wantDir: "", wantIsEphemeral: true},
		{name: "explicit path", raw: " /var/lib/forge/nats ", exists: true, wantDir: "/var/lib/forge/nats", wantIsEphemeral: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := resolveNATSStoreDirRaw(tc.raw, tc.exists)
			if got.storeDir != tc.wantDir {
				t.Fatalf("storeDir = %q, want %q", got.storeDir, tc.wantDir)
			}
			if got.isEphemeral != tc.wantIsEphemeral {
				t.Fatalf("isEphemeral = %v, want %v", got.isEphemeral, tc.wantIsEphemeral)
			}
		})
	}
}

func TestResolveArtifactsRootRaw(t *testing.T) {
	t.Parallel()

	home := filepath.Join("/home", "builder")

	cases := []struct {
		name     string
		goos     string
		raw      string
		exists   bool
		homeDir  string
		xdgState string
		wantRoot string
		wantEnv  bool
	}{
		{
			name:     "env wins",
			goos:     "linux",
			raw:      " /srv/forge ",
			exists:   true,
			homeDir:  home,
			wantRoot: "/srv/forge",
			wantEnv:  true,
		},
		{
			name:     "env empty falls through",
			goos:     "linux",
			raw:      "  ",
			exists:   true,
			homeDir:  home,
			wantRoot: filepath.Join(home, ".local", "state", artifactsAppFolderName, "artifacts"),
		},
		{
			name:     "linux xdg state",
			goos:     "linux",
			homeDir:  home,
			xdgState: "/var/state",
			wantRoot: filepath.Join("/var/state", artifactsAppFolderName, "artifacts"),
		},
		{
			name:     "darwin application support",
			goos:     "darwin",
			homeDir:  home,
			wantRoot: filepath.Join(home, "Library", "Application Support", artifactsAppFolderName, "artifacts"),
		},
		{
			name:     "no home falls back to legacy",
			goos:     "linux",
			wantRoot: legacyArtifactsRoot,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := resolveArtifactsRootRaw(tc.goos, tc.raw, tc.exists, tc.homeDir, tc.xdgState)
			if got.root != tc.wantRoot {
				t.Fatalf("root = %q, want %q", got.root, tc.wantRoot)
			}
			if got.fromEnv != tc.wantEnv {
				t.Fatalf("fromEnv = %v, want %v", got.fromEnv, tc.wantEnv)
			}
			if got.legacyRoot != legacyArtifactsRoot {
				t.Fatalf("legacyRoot = %q", got.legacyRoot)
			}
		})
	}
}

func TestParseAssemblerMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    assemblerMode
		wantErr bool
	}{
		{raw: "", want: assemblerModeBuildKit},
		{raw: "artifact", want: assemblerModeArtifact},
		{raw: " BuildKit ", want: assemblerModeBuildKit},
		{raw: "docker", want: assemblerModeBuildKit, wantErr: true},
	}

	for _, tc := range cases {
		got, err := parseAssemblerMode(tc.raw)
		if got != tc.want {
			t.Fatalf("parseAssemblerMode(%q) = %q, want %q", tc.raw, got, tc.want)
		}
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseAssemblerMode(%q) err = %v, wantErr %v", tc.raw, err, tc.wantErr)
		}
	}
}

func TestResolveEffectiveAssemblerModeArtifactPassesThrough(t *testing.T) {
	t.Parallel()

	probeCalled := false
	res := resolveEffectiveAssemblerModeWithProbe(
		context.Background(),
		assemblerModeArtifact,
		true,
		nil,
		true,
		func(context.Context) error {
			probeCalled = true
			return nil
		},
	)

	if res.effectiveMode != assemblerModeArtifact {
		t.Fatalf("effectiveMode = %q", res.effectiveMode)
	}
	if res.policyError != "" || res.fallbackReason != "" {
		t.Fatalf("unexpected diagnostics: %#v", res)
	}
	if probeCalled {
		t.Fatal("artifact mode must not probe the buildkit daemon")
	}
}

func TestResolveEffectiveAssemblerModeWithoutBuildkitSupport(t *testing.T) {
	t.Parallel()

	explicit := resolveEffectiveAssemblerModeWithProbe(
		context.Background(), assemblerModeBuildKit, true, nil, false, nil,
	)
	if explicit.policyError == "" {
		t.Fatal("explicit buildkit request without support must be a policy error")
	}
	if explicit.effectiveMode != assemblerModeBuildKit {
		t.Fatalf("policy error must not silently change the mode: %q", explicit.effectiveMode)
	}

	implicit := resolveEffectiveAssemblerModeWithProbe(
		context.Background(), assemblerModeBuildKit, false, nil, false, nil,
	)
	if implicit.effectiveMode != assemblerModeArtifact {
		t.Fatalf("implicit request must fall back, got %q", implicit.effectiveMode)
	}
	if implicit.fallbackReason == "" {
		t.Fatal("fallback must carry a reason")
	}
	if implicit.policyError != "" {
		t.Fatalf("implicit fallback is not a policy error: %q", implicit.policyError)
	}
}

func TestResolveEffectiveAssemblerModeProbeFailure(t *testing.T) {
	t.Parallel()

	probeErr := errors.New("connection refused")
	failingProbe := func(context.Context) error { return probeErr }

	explicit := resolveEffectiveAssemblerModeWithProbe(
		context.Background(), assemblerModeBuildKit, true, nil, true, failingProbe,
	)
	if explicit.policyError == "" || !strings.Contains(explicit.policyError, "unreachable") {
		t.Fatalf("expected unreachable policy error, got %#v", explicit)
	}

	implicit := resolveEffectiveAssemblerModeWithProbe(
		context.Background(), assemblerModeBuildKit, false, nil, true, failingProbe,
	)
	if implicit.effectiveMode != assemblerModeArtifact {
		t.Fatalf("implicit probe failure must fall back, got %q", implicit.effectiveMode)
	}
	if !strings.Contains(implicit.fallbackReason, "connection refused") {
		t.Fatalf("fallback reason must carry the probe error: %q", implicit.fallbackReason)
	}
}

func TestResolveEffectiveAssemblerModeSurfacesParseWarning(t *testing.T) {
	t.Parallel()

	parseErr := errors.New("invalid FORGE_ASSEMBLER_MODE")
	res := resolveEffectiveAssemblerModeWithProbe(
		context.Background(), assemblerModeBuildKit, false, parseErr, true,
		func(context.Context) error { return nil },
	)

	if res.requestedWarning != parseErr.Error() {
		t.Fatalf("requestedWarning = %q", res.requestedWarning)
	}
	if res.effectiveMode != assemblerModeBuildKit {
		t.Fatalf("healthy probe must keep buildkit, got %q", res.effectiveMode)
	}
}
