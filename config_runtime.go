package forge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Runtime defaults and tunables
////////////////////////////////////////////////////////////////////////////////

type assemblerMode string

const (
	// HTTP.
	httpAddr = "127.0.0.1:8080"

	// Where workers write artifacts.
	artifactsRootEnv       = "FORGE_ARTIFACTS_ROOT"
	legacyArtifactsRoot    = "./data/artifacts"
	artifactsAppFolderName = "TrainingImageForge"
	assemblerModeEnv       = "FORGE_ASSEMBLER_MODE"
	natsStoreDirEnv        = "FORGE_NATS_STORE_DIR"

	defaultNATSStoreDir       = "./data/nats"
	natsStoreDirModeTemp      = "temp"
	natsStoreDirModeEphemeral = "ephemeral"
	buildKitProbeTimeout      = 500 * time.Millisecond

	assemblerModeArtifact assemblerMode = "artifact"
	assemblerModeBuildKit assemblerMode = "buildkit"

	defaultKVRecipeHistory = 25
	defaultKVBuildHistory  = 50
	defaultStartupWait     = 10 * time.Second
	defaultReadHeaderWait  = 5 * time.Second
	apiWaitTimeout         = 45 * time.Second
	ledgerOpTimeout        = 20 * time.Second
	ledgerReadTimeout      = 5 * time.Second

	shortIDLength          = 12
	httpServerErrThreshold = 500
	httpClientErrThreshold = 400
	recipeRelPathPartsMin  = 2
	maxRecipeBodyBytes     = 1 << 20

	buildEventsHeartbeatInterval = 15 * time.Second

	buildEventsRetention    = 30 * time.Minute
	buildEventsHistoryLimit = 256

	recipeBuildsDefaultLimit = 20
	recipeBuildsMaxLimit     = 100
	recipeBuildsHistoryCap   = 200

	fileModePrivate     os.FileMode = 0o600
	fileModeExecPrivate os.FileMode = 0o700
	dirModePrivateRead  os.FileMode = 0o750
)

type assemblerModeResolution struct {
	requestedMode     assemblerMode
	requestedExplicit bool
	effectiveMode     assemblerMode
	requestedWarning  string
	fallbackReason    string
	policyError       string
}

func parseAssemblerMode(raw string) (assemblerMode, error) {
	mode := strings.TrimSpace(strings.ToLower(raw))
	switch mode {
	case "":
		return assemblerModeBuildKit, nil
	case string(assemblerModeArtifact):
		return assemblerModeArtifact, nil
	case string(assemblerModeBuildKit):
		return assemblerModeBuildKit, nil
	default:
		return assemblerModeBuildKit, fmt.Errorf(
			"invalid %s=%q (expected %s or %s)",
			assemblerModeEnv,
			raw,
			assemblerModeArtifact,
			assemblerModeBuildKit,
		)
	}
}

func assemblerModeFromEnv() (assemblerMode, error) {
	mode, _, err := assemblerModeRequestFromEnv()
	return mode, err
}

func assemblerModeRequestFromEnv() (assemblerMode, bool, error) {
	raw, exists := os.LookupEnv(assemblerModeEnv)
	mode, err := parseAssemblerMode(raw)
	return mode, exists && strings.TrimSpace(raw) != "", err
}

type buildkitProbeFunc func(ctx context.Context) error

type natsStoreDirResolution struct {
	storeDir    string
	isEphemeral bool
}

type artifactsRootResolution struct {
	root       string
	fromEnv    bool
	legacyRoot string
}

func resolveArtifactsRoot() artifactsRootResolution {
	raw, exists := os.LookupEnv(artifactsRootEnv)
	homeDir, _ := os.UserHomeDir()
	return resolveArtifactsRootRaw(runtime.GOOS, raw, exists, homeDir, os.Getenv("XDG_STATE_HOME"))
}

func resolveArtifactsRootRaw(
	goos string,
	raw string,
	exists bool,
	homeDir string,
	xdgStateHome string,
) artifactsRootResolution {
	if exists {
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			return artifactsRootResolution{
				root:       trimmed,
				fromEnv:    true,
				legacyRoot: legacyArtifactsRoot,
			}
		}
	}
	return artifactsRootResolution{
		root:       defaultArtifactsRootForOS(goos, homeDir, xdgStateHome),
		fromEnv:    false,
		legacyRoot: legacyArtifactsRoot,
	}
}

func defaultArtifactsRootForOS(goos string, homeDir string, xdgStateHome string) string {
	switch goos {
	case "darwin":
		if strings.TrimSpace(homeDir) != "" {
			return filepath.Join(
				homeDir,
				"Library",
				"Application Support",
				artifactsAppFolderName,
				"artifacts",
			)
		}
	case "linux":
		stateRoot := strings.TrimSpace(xdgStateHome)
		if stateRoot == "" && strings.TrimSpace(homeDir) != "" {
			stateRoot = filepath.Join(homeDir, ".local", "state")
		}
		if stateRoot != "" {
			return filepath.Join(stateRoot, artifactsAppFolderName, "artifacts")
		}
	}
	if strings.TrimSpace(homeDir) != "" {
		return filepath.Join(homeDir, ".local", "state", artifactsAppFolderName, "artifacts")
	}
	return legacyArtifactsRoot
}

func dirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func resolveNATSStoreDir() natsStoreDirResolution {
	raw, exists := os.LookupEnv(natsStoreDirEnv)
	return resolveNATSStoreDirRaw(raw, exists)
}

func resolveNATSStoreDirRaw(raw string, exists bool) natsStoreDirResolution {
	if !exists {
		return natsStoreDirResolution{
			storeDir:    defaultNATSStoreDir,
			isEphemeral: false,
		}
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return natsStoreDirResolution{
			storeDir:    defaultNATSStoreDir,
			isEphemeral: false,
		}
	}
	switch strings.ToLower(trimmed) {
	case natsStoreDirModeTemp, natsStoreDirModeEphemeral:
		return natsStoreDirResolution{
			storeDir:    "",
			isEphemeral: true,
		}
	default:
		return natsStoreDirResolution{
			storeDir:    trimmed,
			isEphemeral: false,
		}
	}
}

func resolveEffectiveAssemblerMode(ctx context.Context) assemblerModeResolution {
	requestedMode, requestedExplicit, parseErr := assemblerModeRequestFromEnv()
	return resolveEffectiveAssemblerModeWithProbe(
		ctx,
		requestedMode,
		requestedExplicit,
		parseErr,
		buildkitCompiledIn(),
		probeBuildkitDaemonReachability,
	)
}

func resolveEffectiveAssemblerModeWithProbe(
	ctx context.Context,
	requestedMode assemblerMode,
	requestedExplicit bool,
	parseErr error,
	buildkitAvailable bool,
	probe buildkitProbeFunc,
) assemblerModeResolution {
	resolution := assemblerModeResolution{
		requestedMode:     requestedMode,
		requestedExplicit: requestedExplicit,
		effectiveMode:     requestedMode,
		requestedWarning:  "",
		fallbackReason:    "",
		policyError:       "",
	}
	if parseErr != nil {
		resolution.requestedWarning = parseErr.Error()
	}
	if requestedMode != assemblerModeBuildKit {
		return resolution
	}
	if !buildkitAvailable {
		if requestedExplicit {
			resolution.policyError = fmt.Sprintf(
				"explicit %s=buildkit requires a binary built with -tags buildkit",
				assemblerModeEnv,
			)
			return resolution
		}
		resolution.effectiveMode = assemblerModeArtifact
		resolution.fallbackReason = "buildkit support is unavailable in this binary"
		return resolution
	}
	if probe == nil {
		return resolution
	}
	probeCtx, cancel := context.WithTimeout(ctx, buildKitProbeTimeout)
	defer cancel()
	if err := probe(probeCtx); err != nil {
		if requestedExplicit {
			resolution.policyError = fmt.Sprintf(
				"explicit %s=buildkit requested but BuildKit daemon is unreachable: %v",
				assemblerModeEnv,
				err,
			)
			return resolution
		}
		resolution.effectiveMode = assemblerModeArtifact
		resolution.fallbackReason = fmt.Sprintf("buildkit daemon is unreachable: %v", err)
	}
	return resolution
}
