package forge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Compliance auditor: invariant checks + license/notice bundle
////////////////////////////////////////////////////////////////////////////////

func complianceAuditorWorkerAction(
	ctx context.Context,
	store *Store,
	artifacts ArtifactStore,
	msg BuildOpMsg,
) (BuildResultMsg, error) {
	stepStart := time.Now().UTC()
	res := newBuildResultMsg("compliance auditor starting")
	_ = markBuildStepStart(ctx, store, msg.BuildID, workerNameAuditor, stepStart, "audit rendered image plan")

	outcome := newStepOutcome()
	var err error

	switch msg.Kind {
	case BuildRun, BuildRender:
		outcome, err = runComplianceAudit(artifacts, msg)
	case BuildPurge:
		outcome, err = runRecipePurgeFinish(ctx, store, msg)
	default:
		err = fmt.Errorf("unknown build kind: %s", msg.Kind)
	}
	if err != nil {
		_ = markBuildStepEnd(
			ctx,
			store,
			msg.BuildID,
			workerNameAuditor,
			time.Now().UTC(),
			"",
			err.Error(),
			outcome.artifacts,
		)
		return res, err
	}

	res.Message = outcome.message
	res.Artifacts = outcome.artifacts
	_ = markBuildStepEnd(
		ctx,
		store,
		msg.BuildID,
		workerNameAuditor,
		time.Now().UTC(),
		res.Message,
		"",
		res.Artifacts,
	)

	finalizeErr := finalizeBuild(ctx, store, msg.BuildID, msg.RecipeID, msg.Kind, buildStatusDone, "")
	if finalizeErr != nil {
		return res, finalizeErr
	}
	return res, nil
}

func runComplianceAudit(artifacts ArtifactStore, msg BuildOpMsg) (stepOutcome, error) {
	spec := normalizeRecipeSpec(msg.Spec)

	dockerfile, err := artifacts.ReadFile(msg.RecipeID, "render/Dockerfile")
	if err != nil {
		return newStepOutcome(), fmt.Errorf("read rendered dockerfile: %w", err)
	}
	if auditErr := auditRenderedDockerfile(dockerfile, msg.Variant); auditErr != nil {
		return newStepOutcome(), auditErr
	}

	wrapper, err := artifacts.ReadFile(msg.RecipeID, "files/mpirun")
	if err != nil {
		return newStepOutcome(), fmt.Errorf("read mpirun wrapper: %w", err)
	}
	if !strings.Contains(string(wrapper), mpirunSafetyFlag) {
		return newStepOutcome(), fmt.Errorf("mpirun wrapper is missing %s", mpirunSafetyFlag)
	}

	written := []string{}
	reportPath, err := artifacts.WriteFile(
		msg.RecipeID,
		"compliance/report.json",
		mustJSON(map[string]any{
			"build_id":     msg.BuildID,
			"recipe_id":    msg.RecipeID,
			"variant":      msg.Variant,
			"license_path": imageLicensePath,
			"license_url":  spec.Pins.LicenseURL,
			"pins":         spec.Pins,
			"audited_at":   time.Now().UTC().Format(time.RFC3339),
			"checks": []string{
				"dockerfile-two-stage",
				"license-fixed-path",
				"nccl-tuning-append-once",
				"mpirun-root-safety-flag",
				"variant-entrypoint",
			},
		}),
	)
	if err != nil {
		return newStepOutcome(), err
	}
	written = append(written, reportPath)

	noticesPath, err := artifacts.WriteFile(
		msg.RecipeID,
		"compliance/THIRD_PARTY_NOTICES.txt",
		renderThirdPartyNotices(spec.Pins),
	)
	if err != nil {
		return stepOutcome{
			message:   "",
			artifacts: written,
		}, err
	}
	written = append(written, noticesPath)

	return stepOutcome{
		message:   "compliance audit passed",
		artifacts: written,
	}, nil
}

func runRecipePurgeFinish(ctx context.Context, store *Store, msg BuildOpMsg) (stepOutcome, error) {
	if err := store.DeleteRecipe(ctx, msg.RecipeID); err != nil {
		return newStepOutcome(), fmt.Errorf("delete recipe %s: %w", msg.RecipeID, err)
	}
	return stepOutcome{
		message:   "recipe purged",
		artifacts: nil,
	}, nil
}

// auditRenderedDockerfile re-checks the rendered text against the image
// contract: fixed license path, tuning lines appended exactly once with an
// idempotence guard, and the entry point matching the variant.
func auditRenderedDockerfile(body []byte, variant string) error {
	text := string(body)

	if !strings.Contains(text, "-o "+imageLicensePath+" ") {
		return fmt.Errorf("license download to %s is missing", imageLicensePath)
	}

	for _, line := range ncclTuningLines() {
		quoted := shellSingleQuote(line)
		appendCmd := fmt.Sprintf("echo %s >> %s", quoted, imageNCCLConfPath)
		guardCmd := fmt.Sprintf("grep -qxF %s %s", quoted, imageNCCLConfPath)
		if strings.Count(text, appendCmd) != 1 {
			return fmt.Errorf("tuning line %q must be appended exactly once", line)
		}
		if !strings.Contains(text, guardCmd) {
			return fmt.Errorf("tuning line %q is missing its idempotence guard", line)
		}
	}

	hostedEntry := `ENTRYPOINT ["bash", "-m", "` + hostedEntrypoint + `"]`
	switch variant {
	case VariantHosted:
		if !strings.Contains(text, hostedEntry) {
			return fmt.Errorf("hosted variant must enter through %s", hostedEntrypoint)
		}
	default:
		if strings.Contains(text, hostedEntry) {
			return fmt.Errorf("training variant must not carry the %s entry point", hostedEntrypoint)
		}
		if !strings.Contains(text, `CMD ["/bin/bash"]`) {
			return fmt.Errorf("training variant must default to a shell")
		}
	}
	return nil
}

func renderThirdPartyNotices(pins PinSet) []byte {
	var b strings.Builder
	b.WriteString("Third-party components bundled in this image\n")
	b.WriteString("============================================\n\n")
	entries := []struct {
		name    string
		version string
	}{
		{"Python", pins.Python},
		{"Conda", pins.Conda},
		{"CUDA toolkit", pins.CUDA},
		{"cuDNN", pins.CUDNN},
		{"NCCL", pins.NCCL},
		{"EFA installer", pins.EFAInstaller},
		{"Open MPI", pins.OpenMPI},
		{"Framework", pins.Framework},
		{"Apex", pins.ApexRef},
		{"Horovod", pins.Horovod},
		{"OFI NCCL plugin", pins.OFIPlugin},
		{"Profiler", pins.Profiler},
		{"Hosted training toolkit", pins.SystemsLib},
	}
	for _, entry := range entries {
		fmt.Fprintf(&b, "%-24s %s\n", entry.name, entry.version)
	}
	b.WriteString("\nFull license text ships inside the image at " + imageLicensePath + "\n")
	b.WriteString("Source: " + pins.LicenseURL + "\n")
	return []byte(b.String())
}
