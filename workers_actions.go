package forge

import (
	"context"
	"fmt"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Worker actions: resolve pins, plan base stage, plan variant stage
////////////////////////////////////////////////////////////////////////////////

type stepOutcome struct {
	message   string
	artifacts []string
}

func newStepOutcome() stepOutcome {
	return stepOutcome{
		message:   "",
		artifacts: nil,
	}
}

func pinResolverWorkerAction(
	ctx context.Context,
	store *Store,
	artifacts ArtifactStore,
	msg BuildOpMsg,
) (BuildResultMsg, error) {
	stepStart := time.Now().UTC()
	res := newBuildResultMsg("pin resolver starting")
	_ = markBuildStepStart(ctx, store, msg.BuildID, workerNameResolver, stepStart, "resolve version pins")

	outcome := newStepOutcome()
	var err error

	switch msg.Kind {
	case BuildRun, BuildRender:
		outcome, err = runPinResolution(ctx, store, artifacts, msg)
	case BuildPurge:
		outcome, err = runPurgeMark(ctx, store, msg)
	default:
		err = fmt.Errorf("unknown build kind: %s", msg.Kind)
	}
	if err != nil {
		_ = markBuildStepEnd(
			ctx,
			store,
			msg.BuildID,
			workerNameResolver,
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
		workerNameResolver,
		time.Now().UTC(),
		res.Message,
		"",
		res.Artifacts,
	)
	return res, nil
}

func runPinResolution(
	ctx context.Context,
	store *Store,
	artifacts ArtifactStore,
	msg BuildOpMsg,
) (stepOutcome, error) {
	recipe, err := store.GetRecipe(ctx, msg.RecipeID)
	if err != nil {
		return newStepOutcome(), fmt.Errorf("recipe %s not found: %w", msg.RecipeID, err)
	}

	spec := normalizeRecipeSpec(msg.Spec)
	if spec.Name == "" {
		spec = normalizeRecipeSpec(recipe.Spec)
	}
	if validateErr := validateRecipeSpec(spec); validateErr != nil {
		return newStepOutcome(), validateErr
	}

	recipe.Spec = spec
	recipe.Status.Phase = recipePhaseProvisioning
	recipe.Status.Message = "build in progress"
	if putErr := store.PutRecipe(ctx, recipe); putErr != nil {
		return newStepOutcome(), putErr
	}

	_, _ = artifacts.EnsureRecipeDir(msg.RecipeID)
	pinsPath, err := artifacts.WriteFile(
		msg.RecipeID,
		"resolved/pins.json",
		mustJSON(spec.Pins),
	)
	if err != nil {
		return newStepOutcome(), err
	}
	specPath, err := artifacts.WriteFile(
		msg.RecipeID,
		"resolved/spec.json",
		mustJSON(spec),
	)
	if err != nil {
		return stepOutcome{
			message:   "",
			artifacts: []string{pinsPath},
		}, err
	}
	specYAML, err := encodeRecipeSpecYAML(spec)
	if err != nil {
		return stepOutcome{
			message:   "",
			artifacts: []string{pinsPath, specPath},
		}, err
	}
	yamlPath, err := artifacts.WriteFile(msg.RecipeID, "resolved/recipe.yaml", specYAML)
	if err != nil {
		return stepOutcome{
			message:   "",
			artifacts: []string{pinsPath, specPath},
		}, err
	}
	return stepOutcome{
		message:   "version pins resolved",
		artifacts: []string{pinsPath, specPath, yamlPath},
	}, nil
}

func runPurgeMark(
	ctx context.Context,
	store *Store,
	msg BuildOpMsg,
) (stepOutcome, error) {
	recipe, err := store.GetRecipe(ctx, msg.RecipeID)
	if err != nil {
		return newStepOutcome(), fmt.Errorf("recipe %s not found: %w", msg.RecipeID, err)
	}
	recipe.Status.Phase = recipePhaseDeleting
	recipe.Status.Message = "purge in progress"
	if putErr := store.PutRecipe(ctx, recipe); putErr != nil {
		return newStepOutcome(), putErr
	}
	return stepOutcome{
		message:   "recipe marked for purge",
		artifacts: nil,
	}, nil
}

func baseProvisionerWorkerAction(
	ctx context.Context,
	store *Store,
	artifacts ArtifactStore,
	msg BuildOpMsg,
) (BuildResultMsg, error) {
	stepStart := time.Now().UTC()
	res := newBuildResultMsg("base provisioner starting")
	_ = markBuildStepStart(ctx, store, msg.BuildID, workerNameBase, stepStart, "plan shared base stage")

	outcome := newStepOutcome()
	var err error

	switch msg.Kind {
	case BuildRun, BuildRender:
		outcome, err = runBaseStagePlan(artifacts, msg)
	case BuildPurge:
		outcome = stepOutcome{
			message:   "base planning skipped for purge",
			artifacts: nil,
		}
	default:
		err = fmt.Errorf("unknown build kind: %s", msg.Kind)
	}
	if err != nil {
		_ = markBuildStepEnd(
			ctx,
			store,
			msg.BuildID,
			workerNameBase,
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
		workerNameBase,
		time.Now().UTC(),
		res.Message,
		"",
		res.Artifacts,
	)
	return res, nil
}

func runBaseStagePlan(artifacts ArtifactStore, msg BuildOpMsg) (stepOutcome, error) {
	spec := normalizeRecipeSpec(msg.Spec)
	plan := buildBaseStage(spec)
	planPath, err := artifacts.WriteFile(
		msg.RecipeID,
		"stages/base.json",
		mustJSON(plan),
	)
	if err != nil {
		return newStepOutcome(), err
	}
	return stepOutcome{
		message: fmt.Sprintf(
			"base stage planned from %s with %d steps",
			plan.BaseImage,
			len(plan.Steps),
		),
		artifacts: []string{planPath},
	}, nil
}

func variantProvisionerWorkerAction(
	ctx context.Context,
	store *Store,
	artifacts ArtifactStore,
	msg BuildOpMsg,
) (BuildResultMsg, error) {
	stepStart := time.Now().UTC()
	res := newBuildResultMsg("variant provisioner starting")
	_ = markBuildStepStart(ctx, store, msg.BuildID, workerNameVariant, stepStart, "plan variant stage")

	outcome := newStepOutcome()
	var err error

	switch msg.Kind {
	case BuildRun, BuildRender:
		outcome, err = runVariantStagePlan(artifacts, msg)
	case BuildPurge:
		outcome = stepOutcome{
			message:   "variant planning skipped for purge",
			artifacts: nil,
		}
	default:
		err = fmt.Errorf("unknown build kind: %s", msg.Kind)
	}
	if err != nil {
		_ = markBuildStepEnd(
			ctx,
			store,
			msg.BuildID,
			workerNameVariant,
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
		workerNameVariant,
		time.Now().UTC(),
		res.Message,
		"",
		res.Artifacts,
	)
	return res, nil
}

func runVariantStagePlan(artifacts ArtifactStore, msg BuildOpMsg) (stepOutcome, error) {
	spec := normalizeRecipeSpec(msg.Spec)
	plan, err := buildVariantStage(spec, msg.Variant)
	if err != nil {
		return newStepOutcome(), err
	}

	written := []string{}
	planPath, err := artifacts.WriteFile(
		msg.RecipeID,
		"stages/variant.json",
		mustJSON(plan),
	)
	if err != nil {
		return newStepOutcome(), err
	}
	written = append(written, planPath)

	contextFiles := map[string]string{
		"files/mpirun":     mpirunWrapperScript(),
		"files/ssh_config": sshTrustAllConfig(),
	}
	if msg.Variant == VariantHosted {
		contextFiles["files/changehostname.c"] = changeHostnameSource()
		contextFiles["files/"+hostedEntrypoint] = hostnameFixScript()
	}
	for _, rel := range sortedKeys(contextFiles) {
		path, writeErr := artifacts.WriteFile(msg.RecipeID, rel, []byte(contextFiles[rel]))
		if writeErr != nil {
			return stepOutcome{
				message:   "",
				artifacts: written,
			}, writeErr
		}
		written = append(written, path)
	}

	keyPaths, err := writeClusterSSHKeyArtifacts(artifacts, msg.RecipeID)
	if err != nil {
		return stepOutcome{
			message:   "",
			artifacts: written,
		}, err
	}
	written = append(written, keyPaths...)

	return stepOutcome{
		message: fmt.Sprintf(
			"variant %s planned with %d steps",
			plan.Name,
			len(plan.Steps),
		),
		artifacts: written,
	}, nil
}
