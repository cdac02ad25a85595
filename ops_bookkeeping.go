package forge

import (
	"context"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Build bookkeeping helpers
////////////////////////////////////////////////////////////////////////////////

func markBuildStepStart(
	ctx context.Context,
	store *Store,
	buildID, worker string,
	startedAt time.Time,
	msg string,
) error {
	build, err := store.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	for i := len(build.Steps) - 1; i >= 0; i-- {
		if build.Steps[i].Worker == worker && build.Steps[i].EndedAt.IsZero() {
			return nil
		}
	}
	prevStatus := build.Status
	build.Status = buildStatusRunning
	build.Steps = append(build.Steps, BuildStep{
		Worker:    worker,
		StartedAt: startedAt,
		EndedAt:   time.Time{},
		Message:   msg,
		Error:     "",
		Artifacts: nil,
	})
	putErr := store.PutBuild(ctx, build)
	if putErr != nil {
		return putErr
	}

	if prevStatus != build.Status {
		emitBuildStatus(store.buildEvents, build, "build started")
	}
	emitBuildStepStarted(store.buildEvents, build, worker, len(build.Steps), msg)
	return nil
}

func markBuildStepEnd(
	ctx context.Context,
	store *Store,
	buildID, worker string,
	endedAt time.Time,
	message, stepErr string,
	artifacts []string,
) error {
	build, err := store.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	prevStatus := build.Status
	prevError := build.Error
	stepIndex := 0
	var stepStartedAt time.Time
	// Find last step for worker that doesn't have EndedAt set.
	for i := len(build.Steps) - 1; i >= 0; i-- {
		if build.Steps[i].Worker == worker && build.Steps[i].EndedAt.IsZero() {
			build.Steps[i].EndedAt = endedAt
			if message != "" {
				build.Steps[i].Message = message
			}
			build.Steps[i].Error = stepErr
			build.Steps[i].Artifacts = artifacts
			stepIndex = i + 1
			stepStartedAt = build.Steps[i].StartedAt
			break
		}
	}
	if stepErr != "" {
		build.Status = buildStatusError
		build.Error = stepErr
		build.Finished = time.Now().UTC()
	}
	putErr := store.PutBuild(ctx, build)
	if putErr != nil {
		return putErr
	}

	stateChanged := prevStatus != build.Status || prevError != build.Error
	if stateChanged {
		emitBuildStatus(store.buildEvents, build, "build status updated")
	}
	if stepIndex > 0 {
		emitBuildStepEnded(
			store.buildEvents,
			build,
			worker,
			stepIndex,
			message,
			stepErr,
			artifacts,
			stepStartedAt,
			endedAt,
		)
	}
	if stepErr != "" && stateChanged {
		emitBuildTerminal(store.buildEvents, build)
	}
	return nil
}

func finalizeBuild(
	ctx context.Context,
	store *Store,
	buildID, recipeID string,
	kind BuildKind,
	status, errMsg string,
) error {
	build, err := store.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	prevStatus := build.Status
	prevError := build.Error
	build.Status = status
	build.Error = errMsg
	build.Finished = time.Now().UTC()
	putErr := store.PutBuild(ctx, build)
	if putErr != nil {
		return putErr
	}

	stateChanged := prevStatus != build.Status || prevError != build.Error
	if stateChanged {
		emitBuildStatus(store.buildEvents, build, "build status updated")
	}
	if stateChanged && (status == buildStatusDone || status == buildStatusError) {
		emitBuildTerminal(store.buildEvents, build)
	}

	finalizeRecipeStatusBestEffort(ctx, store, buildID, recipeID, kind, status, errMsg)
	return nil
}

func finalizeRecipeStatusBestEffort(
	ctx context.Context,
	store *Store,
	buildID string,
	recipeID string,
	kind BuildKind,
	status string,
	errMsg string,
) {
	r, err := store.GetRecipe(ctx, recipeID)
	if err != nil {
		return
	}

	switch {
	case kind == BuildPurge && status == buildStatusRunning:
		r.Status.Phase = recipePhaseDeleting
	case status == buildStatusError:
		r.Status.Phase = recipePhaseError
		r.Status.Message = errMsg
	case status == buildStatusDone:
		if kind != BuildPurge {
			r.Status.Phase = recipePhaseReady
			r.Status.Message = "ready"
		}
	}

	r.Status.UpdatedAt = time.Now().UTC()
	r.Status.LastBuildID = buildID
	r.Status.LastBuildKind = string(kind)
	_ = store.PutRecipe(ctx, r)
}
