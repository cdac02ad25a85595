//go:build !buildkit

package forge

import (
	"context"
	"fmt"
)

type buildKitAssemblerBackend struct{}

func buildkitCompiledIn() bool {
	return false
}

func probeBuildkitDaemonReachability(ctx context.Context) error {
	if err := ensureContextAlive(ctx); err != nil {
		return err
	}
	return fmt.Errorf(
		"buildkit support not compiled in (set %s=artifact or rebuild with -tags buildkit)",
		assemblerModeEnv,
	)
}

func (buildKitAssemblerBackend) name() string {
	return string(assemblerModeBuildKit)
}

func (buildKitAssemblerBackend) assemble(
	ctx context.Context,
	req imageAssembleRequest,
) (imageAssembleResult, error) {
	if err := ensureContextAlive(ctx); err != nil {
		return imageAssembleResult{}, err
	}
	assembleErr := fmt.Errorf(
		"buildkit mode unavailable: binary was built without BuildKit support (set %s=artifact or rebuild with -tags buildkit)",
		assemblerModeEnv,
	)
	return imageAssembleResult{
		message: "buildkit image assembly unavailable",
		summary: assembleErr.Error(),
		metadata: map[string]any{
			"strategy":       "buildkit",
			"context_dir":    req.ContextDir,
			"dockerfile":     req.DockerfileRelPath,
			"build_executed": false,
		},
		logs: "BuildKit backend is disabled in this binary",
	}, assembleErr
}
