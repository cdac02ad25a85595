package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// runBuild publishes one operation into the worker chain and waits for the
// auditor's final result. Purge builds are finalized up front with a running
// status so the recipe shows its Deleting phase while the chain drains.
func (a *API) runBuild(
	ctx context.Context,
	kind BuildKind,
	recipeID string,
	variant string,
	spec RecipeSpec,
) (Build, BuildResultMsg, error) {
	apiLog := appLoggerForProcess().Source("api")
	buildID := newID()
	now := time.Now().UTC()

	build := Build{
		ID:        buildID,
		Kind:      kind,
		RecipeID:  recipeID,
		Variant:   variant,
		Requested: now,
		Finished:  time.Time{},
		Status:    buildStatusQueued,
		Error:     "",
		ImageTag:  "",
		Steps:     []BuildStep{},
	}
	if err := a.store.PutBuild(ctx, build); err != nil {
		return Build{}, BuildResultMsg{}, fmt.Errorf("persist build: %w", err)
	}
	emitBuildBootstrap(a.events, build, "build accepted and queued")
	apiLog.Infof("queued build=%s kind=%s recipe=%s variant=%s", buildID, kind, recipeID, variant)

	if kind != BuildPurge {
		a.setQueuedRecipeStatus(ctx, buildID, kind, recipeID, spec, now)
	} else {
		_ = finalizeBuild(ctx, a.store, buildID, recipeID, kind, buildStatusRunning, "")
	}

	ch := a.waiters.register(buildID)
	defer a.waiters.unregister(buildID)

	opMsg := BuildOpMsg{
		BuildID:  buildID,
		Kind:     kind,
		RecipeID: recipeID,
		Variant:  variant,
		Spec:     spec,
		Err:      "",
		At:       now,
	}
	body, _ := json.Marshal(opMsg)

	finalizeCtx := context.WithoutCancel(ctx)
	if err := a.nc.Publish(subjectBuildOpStart, body); err != nil {
		_ = finalizeBuild(finalizeCtx, a.store, buildID, recipeID, kind, buildStatusError, err.Error())
		apiLog.Errorf("publish failed build=%s kind=%s recipe=%s: %v", buildID, kind, recipeID, err)
		return Build{}, BuildResultMsg{}, fmt.Errorf("publish build op: %w", err)
	}
	apiLog.Debugf("published build=%s subject=%s", buildID, subjectBuildOpStart)

	waitCtx, cancel := context.WithTimeout(ctx, apiWaitTimeout)
	defer cancel()

	var final BuildResultMsg
	select {
	case <-waitCtx.Done():
		_ = finalizeBuild(
			finalizeCtx,
			a.store,
			buildID,
			recipeID,
			kind,
			buildStatusError,
			"timeout waiting for workers",
		)
		apiLog.Errorf("timeout build=%s kind=%s recipe=%s", buildID, kind, recipeID)
		return Build{}, BuildResultMsg{}, errors.New("timeout waiting for workers")
	case final = <-ch:
	}

	if final.Err != "" {
		_ = finalizeBuild(finalizeCtx, a.store, buildID, recipeID, kind, buildStatusError, final.Err)
		apiLog.Errorf("build=%s failed in %s: %s", buildID, final.Worker, final.Err)
		return Build{}, final, errors.New(final.Err)
	}

	build, _ = a.store.GetBuild(ctx, buildID)
	apiLog.Infof("completed build=%s kind=%s recipe=%s", buildID, kind, recipeID)
	return build, final, nil
}

func (a *API) setQueuedRecipeStatus(
	ctx context.Context,
	buildID string,
	kind BuildKind,
	recipeID string,
	spec RecipeSpec,
	now time.Time,
) {
	recipe, err := a.store.GetRecipe(ctx, recipeID)
	if err != nil {
		return
	}
	recipe.Spec = spec
	recipe.Status = RecipeStatus{
		Phase:         recipePhaseProvisioning,
		UpdatedAt:     now,
		LastBuildID:   buildID,
		LastBuildKind: string(kind),
		Message:       queuedRecipeMessage(kind),
	}
	_ = a.store.PutRecipe(ctx, recipe)
}

func queuedRecipeMessage(kind BuildKind) string {
	switch kind {
	case BuildRun:
		return "queued image build"
	case BuildRender:
		return "queued dockerfile render"
	case BuildPurge:
		return "queued purge"
	default:
		return "queued"
	}
}
