package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Image assembly: render -> validate -> ledger commit -> (optional) solve
////////////////////////////////////////////////////////////////////////////////

type imageAssembleRequest struct {
	BuildID           string
	RecipeID          string
	Spec              RecipeSpec
	Variant           string
	ImageTag          string
	ContextDir        string
	DockerfileBody    []byte
	DockerfileRelPath string
}

type imageAssembleResult struct {
	message  string
	summary  string
	metadata map[string]any
	logs     string
}

type imageAssemblerBackend interface {
	name() string
	assemble(ctx context.Context, req imageAssembleRequest) (imageAssembleResult, error)
}

type artifactAssemblerBackend struct{}

func (artifactAssemblerBackend) name() string {
	return string(assemblerModeArtifact)
}

// The artifact backend stands in for a real daemon: it records what would
// have been solved so the rest of the pipeline and its invariants still run.
func (artifactAssemblerBackend) assemble(
	ctx context.Context,
	req imageAssembleRequest,
) (imageAssembleResult, error) {
	if err := ensureContextAlive(ctx); err != nil {
		return imageAssembleResult{}, err
	}
	return imageAssembleResult{
		message: "image assembly recorded as artifacts",
		summary: fmt.Sprintf("artifact-mode assembly for %s", req.ImageTag),
		metadata: map[string]any{
			"strategy":       "artifact",
			"build_executed": false,
			"context_dir":    req.ContextDir,
			"dockerfile":     req.DockerfileRelPath,
		},
		logs: "artifact mode: no daemon solve performed",
	}, nil
}

func assemblerBackendFor(mode assemblerMode) imageAssemblerBackend {
	if mode == assemblerModeBuildKit {
		return buildKitAssemblerBackend{}
	}
	return artifactAssemblerBackend{}
}

func imageAssemblerWorkerActionWithMode(
	ctx context.Context,
	store *Store,
	artifacts ArtifactStore,
	msg BuildOpMsg,
	modeResolution assemblerModeResolution,
) (BuildResultMsg, error) {
	stepStart := time.Now().UTC()
	res := newBuildResultMsg("image assembler starting")
	_ = markBuildStepStart(ctx, store, msg.BuildID, workerNameAssembler, stepStart, "assemble image from staged plans")

	outcome := newStepOutcome()
	var err error

	switch msg.Kind {
	case BuildRun, BuildRender:
		outcome, err = runImageAssembly(ctx, store, artifacts, msg, modeResolution.effectiveMode)
	case BuildPurge:
		outcome, err = runAssemblerPurge(artifacts, msg)
	default:
		err = fmt.Errorf("unknown build kind: %s", msg.Kind)
	}
	if err != nil {
		_ = markBuildStepEnd(
			ctx,
			store,
			msg.BuildID,
			workerNameAssembler,
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
		workerNameAssembler,
		time.Now().UTC(),
		res.Message,
		"",
		res.Artifacts,
	)
	return res, nil
}

func runImageAssembly(
	ctx context.Context,
	store *Store,
	artifacts ArtifactStore,
	msg BuildOpMsg,
	mode assemblerMode,
) (stepOutcome, error) {
	spec := normalizeRecipeSpec(msg.Spec)

	basePlan, err := readStagePlan(artifacts, msg.RecipeID, "stages/base.json")
	if err != nil {
		return newStepOutcome(), err
	}
	variantPlan, err := readStagePlan(artifacts, msg.RecipeID, "stages/variant.json")
	if err != nil {
		return newStepOutcome(), err
	}

	body := renderDockerfile(spec, msg.Variant, basePlan, variantPlan)
	if validateErr := validateDockerfile(body); validateErr != nil {
		return newStepOutcome(), validateErr
	}

	written := []string{}
	dockerfilePath, err := artifacts.WriteFile(msg.RecipeID, "render/Dockerfile", body)
	if err != nil {
		return newStepOutcome(), err
	}
	written = append(written, dockerfilePath)

	ledgerPath, err := commitRenderToLedger(ctx, artifacts, msg)
	if err != nil {
		return stepOutcome{
			message:   "",
			artifacts: written,
		}, err
	}
	written = append(written, ledgerPath)

	if msg.Kind == BuildRender {
		return stepOutcome{
			message:   "dockerfile rendered and committed, solve skipped",
			artifacts: written,
		}, nil
	}

	imageTag := imageTagFor(spec, msg.Variant, msg.BuildID)
	backend := assemblerBackendFor(mode)
	solveRes, err := backend.assemble(ctx, imageAssembleRequest{
		BuildID:           msg.BuildID,
		RecipeID:          msg.RecipeID,
		Spec:              spec,
		Variant:           msg.Variant,
		ImageTag:          imageTag,
		ContextDir:        artifacts.RecipeDir(msg.RecipeID),
		DockerfileBody:    body,
		DockerfileRelPath: dockerfilePath,
	})
	if err != nil {
		// No image marker on failure: a failed assembly must not look built.
		return stepOutcome{
			message:   "",
			artifacts: written,
		}, err
	}

	manifestPath, err := artifacts.WriteFile(
		msg.RecipeID,
		"image/manifest.json",
		mustJSON(map[string]any{
			"build_id":     msg.BuildID,
			"recipe_id":    msg.RecipeID,
			"variant":      msg.Variant,
			"image":        imageTag,
			"backend":      backend.name(),
			"summary":      solveRes.summary,
			"metadata":     solveRes.metadata,
			"assembled_at": time.Now().UTC().Format(time.RFC3339),
		}),
	)
	if err != nil {
		return stepOutcome{
			message:   "",
			artifacts: written,
		}, err
	}
	written = append(written, manifestPath)

	markerPath, err := artifacts.WriteFile(msg.RecipeID, "image/image.txt", []byte(imageTag+"\n"))
	if err != nil {
		return stepOutcome{
			message:   "",
			artifacts: written,
		}, err
	}
	written = append(written, markerPath)

	recordBuildImageTagBestEffort(ctx, store, msg.BuildID, imageTag)

	return stepOutcome{
		message:   solveRes.message,
		artifacts: written,
	}, nil
}

func commitRenderToLedger(
	ctx context.Context,
	artifacts ArtifactStore,
	msg BuildOpMsg,
) (string, error) {
	recipeDir := artifacts.RecipeDir(msg.RecipeID)
	if err := ensureRecipeLedger(ctx, recipeDir); err != nil {
		return "", err
	}
	commitMsg := fmt.Sprintf("render %s variant=%s build=%s", msg.RecipeID, msg.Variant, shortID(msg.BuildID))
	committed, err := ledgerCommitIfChanged(ctx, recipeDir, commitMsg)
	if err != nil {
		return "", err
	}
	head, err := ledgerHeadHash(ctx, recipeDir)
	if err != nil {
		return "", err
	}
	return artifacts.WriteFile(
		msg.RecipeID,
		"render/ledger.json",
		mustJSON(map[string]any{
			"head":      head,
			"committed": committed,
			"build_id":  msg.BuildID,
		}),
	)
}

func runAssemblerPurge(artifacts ArtifactStore, msg BuildOpMsg) (stepOutcome, error) {
	if err := artifacts.RemoveRecipe(msg.RecipeID); err != nil {
		return newStepOutcome(), err
	}
	return stepOutcome{
		message:   "recipe artifacts purged",
		artifacts: nil,
	}, nil
}

func readStagePlan(artifacts ArtifactStore, recipeID, relPath string) (StagePlan, error) {
	body, err := artifacts.ReadFile(recipeID, relPath)
	if err != nil {
		return StagePlan{}, fmt.Errorf("read stage plan %s: %w", relPath, err)
	}
	var plan StagePlan
	if unmarshalErr := json.Unmarshal(body, &plan); unmarshalErr != nil {
		return StagePlan{}, fmt.Errorf("decode stage plan %s: %w", relPath, unmarshalErr)
	}
	return plan, nil
}

func recordBuildImageTagBestEffort(ctx context.Context, store *Store, buildID, imageTag string) {
	build, err := store.GetBuild(ctx, buildID)
	if err != nil {
		return
	}
	build.ImageTag = imageTag
	_ = store.PutBuild(ctx, build)
}
