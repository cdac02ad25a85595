//nolint:testpackage,exhaustruct // Pipeline tests drive unexported wiring end to end.
package forge

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const pipelineSubscribeWait = 500 * time.Millisecond

type pipelineFixture struct {
	natsURL   string
	nc        *nats.Conn
	store     *Store
	events    *buildEventHub
	artifacts ArtifactStore
	api       *API
}

// startPipelineFixture boots the embedded broker with a throwaway store dir
// and connects a store. Environments without a usable loopback or temp dir
// skip instead of failing.
func startPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	t.Setenv(natsStoreDirEnv, t.TempDir())

	ns, natsURL, jsDir, err := startEmbeddedNATS()
	if err != nil {
		t.Skipf("embedded nats unavailable in this environment: %v", err)
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
		if jsDir != "" {
			_ = os.RemoveAll(jsDir)
		}
	})

	nc, err := nats.Connect(natsURL, nats.Name("test-api"))
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(func() { nc.Close() })

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	store, err := newStore(context.Background(), js)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	events := newBuildEventHub(buildEventsHistoryLimit, buildEventsRetention)
	store.setEvents(events)

	return &pipelineFixture{
		natsURL:   natsURL,
		nc:        nc,
		store:     store,
		events:    events,
		artifacts: NewFSArtifacts(t.TempDir()),
		api:       nil,
	}
}

// startWorkerChain brings up all five workers in artifact mode and wires the
// API waiter hub to the final chain subject.
func (f *pipelineFixture) startWorkerChain(t *testing.T, ctx context.Context) {
	t.Helper()

	mode := assemblerModeResolution{
		requestedMode: assemblerModeArtifact,
		effectiveMode: assemblerModeArtifact,
	}
	workers := []Worker{
		NewPinResolverWorker(f.natsURL, f.artifacts, f.events),
		NewBaseProvisionerWorker(f.natsURL, f.artifacts, f.events),
		NewVariantProvisionerWorker(f.natsURL, f.artifacts, f.events),
		NewImageAssemblerWorker(f.natsURL, f.artifacts, f.events, mode),
		NewComplianceAuditorWorker(f.natsURL, f.artifacts, f.events),
	}
	for _, worker := range workers {
		if err := worker.Start(ctx); err != nil {
			t.Fatalf("start worker: %v", err)
		}
	}

	waiters := newWaiterHub()
	finalSub, err := subscribeFinalResults(f.nc, waiters)
	if err != nil {
		t.Fatalf("subscribe final: %v", err)
	}
	t.Cleanup(func() { _ = finalSub.Unsubscribe() })

	if err := f.nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	// Worker connections come up asynchronously.
	time.Sleep(pipelineSubscribeWait)

	f.api = &API{
		nc:                f.nc,
		store:             f.store,
		artifacts:         f.artifacts,
		waiters:           waiters,
		events:            f.events,
		heartbeatInterval: 0,
	}
}

func (f *pipelineFixture) putReadyRecipe(t *testing.T, name string) Recipe {
	t.Helper()
	now := time.Now().UTC()
	recipe := Recipe{
		ID:        newID(),
		CreatedAt: now,
		UpdatedAt: now,
		Spec:      normalizeRecipeSpec(RecipeSpec{Name: name}),
		Status: RecipeStatus{
			Phase:     recipePhaseReady,
			UpdatedAt: now,
			Message:   "registered",
		},
	}
	if err := f.store.PutRecipe(context.Background(), recipe); err != nil {
		t.Fatalf("put recipe: %v", err)
	}
	return recipe
}

func TestStoreRecipeRoundTrip(t *testing.T) {
	f := startPipelineFixture(t)
	ctx := context.Background()

	recipe := f.putReadyRecipe(t, "round-trip")

	got, err := f.store.GetRecipe(ctx, recipe.ID)
	if err != nil {
		t.Fatalf("get recipe: %v", err)
	}
	if got.Spec.Name != "round-trip" || got.Status.Phase != recipePhaseReady {
		t.Fatalf("unexpected recipe: %#v", got)
	}

	listed, err := f.store.ListRecipes(ctx)
	if err != nil {
		t.Fatalf("list recipes: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != recipe.ID {
		t.Fatalf("unexpected listing: %#v", listed)
	}

	if err := f.store.DeleteRecipe(ctx, recipe.ID); err != nil {
		t.Fatalf("delete recipe: %v", err)
	}
	if _, err := f.store.GetRecipe(ctx, recipe.ID); !errors.Is(err, jetstream.ErrKeyNotFound) {
		t.Fatalf("expected key-not-found after delete, got %v", err)
	}
}

func TestListRecipeBuildsPagination(t *testing.T) {
	f := startPipelineFixture(t)
	ctx := context.Background()
	recipe := f.putReadyRecipe(t, "pagination")

	base := time.Now().UTC().Add(-time.Hour)
	ids := make([]string, 0, 5)
	for i := range 5 {
		build := Build{
			ID:        newID(),
			Kind:      BuildRender,
			RecipeID:  recipe.ID,
			Variant:   VariantTraining,
			Requested: base.Add(time.Duration(i) * time.Minute),
			Status:    buildStatusDone,
			Steps:     []BuildStep{},
		}
		if err := f.store.PutBuild(ctx, build); err != nil {
			t.Fatalf("put build %d: %v", i, err)
		}
		ids = append(ids, build.ID)
	}

	// Index is newest first.
	page, err := f.store.listRecipeBuilds(ctx, recipe.ID, recipeBuildsListQuery{Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page.Builds) != 2 || page.Builds[0].ID != ids[4] || page.Builds[1].ID != ids[3] {
		t.Fatalf("unexpected first page: %#v", page)
	}
	if page.NextCursor != ids[3] {
		t.Fatalf("unexpected cursor: %q", page.NextCursor)
	}

	page, err = f.store.listRecipeBuilds(ctx, recipe.ID, recipeBuildsListQuery{Limit: 2, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page.Builds) != 2 || page.Builds[0].ID != ids[2] || page.Builds[1].ID != ids[1] {
		t.Fatalf("unexpected second page: %#v", page)
	}

	page, err = f.store.listRecipeBuilds(ctx, recipe.ID, recipeBuildsListQuery{Limit: 2, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("last page: %v", err)
	}
	if len(page.Builds) != 1 || page.Builds[0].ID != ids[0] || page.NextCursor != "" {
		t.Fatalf("unexpected last page: %#v", page)
	}

	before := ids[2]
	beforeBuild, err := f.store.GetBuild(ctx, before)
	if err != nil {
		t.Fatalf("get before build: %v", err)
	}
	page, err = f.store.listRecipeBuilds(ctx, recipe.ID, recipeBuildsListQuery{
		Limit:  10,
		Before: beforeBuild.Requested.Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("before page: %v", err)
	}
	if len(page.Builds) != 2 {
		t.Fatalf("expected the two older builds, got %#v", page)
	}
}

func TestPipelineRenderBuildAndPurge(t *testing.T) {
	f := startPipelineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.startWorkerChain(t, ctx)

	recipe := f.putReadyRecipe(t, "pipeline")
	spec := recipe.Spec

	// Render: plan, dockerfile, audit; no image assembly.
	build, final, err := f.api.runBuild(ctx, BuildRender, recipe.ID, VariantTraining, spec)
	if err != nil {
		t.Fatalf("render build: %v (final=%#v)", err, final)
	}
	if build.Status != buildStatusDone {
		t.Fatalf("render build status = %q", build.Status)
	}
	if len(build.Steps) != buildTotalStepsChain {
		t.Fatalf("expected %d chain steps, got %d", buildTotalStepsChain, len(build.Steps))
	}

	refreshed, err := f.store.GetRecipe(ctx, recipe.ID)
	if err != nil {
		t.Fatalf("get recipe after render: %v", err)
	}
	if refreshed.Status.Phase != recipePhaseReady {
		t.Fatalf("recipe phase after render = %q", refreshed.Status.Phase)
	}

	dockerfile, err := f.artifacts.ReadFile(recipe.ID, "render/Dockerfile")
	if err != nil {
		t.Fatalf("read rendered dockerfile: %v", err)
	}
	if auditErr := auditRenderedDockerfile(dockerfile, VariantTraining); auditErr != nil {
		t.Fatalf("rendered dockerfile fails audit: %v", auditErr)
	}
	if _, err := f.artifacts.ReadFile(recipe.ID, "compliance/report.json"); err != nil {
		t.Fatalf("read compliance report: %v", err)
	}
	if _, err := f.artifacts.ReadFile(recipe.ID, "image/image.txt"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("render must not assemble an image, got err=%v", err)
	}

	// Full build: artifact-mode assembly writes the image marker last.
	build, final, err = f.api.runBuild(ctx, BuildRun, recipe.ID, VariantTraining, spec)
	if err != nil {
		t.Fatalf("image build: %v (final=%#v)", err, final)
	}
	if build.ImageTag == "" {
		t.Fatal("image build must record a tag")
	}
	if _, err := f.artifacts.ReadFile(recipe.ID, "image/manifest.json"); err != nil {
		t.Fatalf("read image manifest: %v", err)
	}
	if _, err := f.artifacts.ReadFile(recipe.ID, "image/image.txt"); err != nil {
		t.Fatalf("read image marker: %v", err)
	}

	// Purge: recipe and artifacts are gone when the chain drains.
	_, final, err = f.api.runBuild(ctx, BuildPurge, recipe.ID, VariantTraining, spec)
	if err != nil {
		t.Fatalf("purge build: %v (final=%#v)", err, final)
	}
	if _, err := f.store.GetRecipe(ctx, recipe.ID); !errors.Is(err, jetstream.ErrKeyNotFound) {
		t.Fatalf("expected recipe gone after purge, got %v", err)
	}
	if _, err := f.artifacts.ReadFile(recipe.ID, "render/Dockerfile"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected artifacts gone after purge, got err=%v", err)
	}
}

func TestPipelineRejectsBrokenPinInChain(t *testing.T) {
	f := startPipelineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.startWorkerChain(t, ctx)

	recipe := f.putReadyRecipe(t, "broken-pin")
	spec := recipe.Spec
	spec.Pins.NCCL = "2.8.4; rm -rf /"

	_, final, err := f.api.runBuild(ctx, BuildRender, recipe.ID, VariantTraining, spec)
	if err == nil {
		t.Fatal("expected the resolver to reject the broken pin")
	}
	if final.Err == "" {
		t.Fatalf("expected final error, got %#v", final)
	}

	build, getErr := f.store.GetBuild(ctx, final.BuildID)
	if getErr != nil {
		t.Fatalf("get failed build: %v", getErr)
	}
	if build.Status != buildStatusError {
		t.Fatalf("failed build status = %q", build.Status)
	}

	refreshed, getErr := f.store.GetRecipe(ctx, recipe.ID)
	if getErr != nil {
		t.Fatalf("get recipe after failure: %v", getErr)
	}
	if refreshed.Status.Phase != recipePhaseError {
		t.Fatalf("recipe phase after failure = %q", refreshed.Status.Phase)
	}
}
