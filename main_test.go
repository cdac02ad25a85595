//nolint:exhaustruct,govet // Tests favor compact fixtures and table syntax over exhaustive struct initialization and strict style rules.
package forge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

type memArtifacts struct {
	mu    sync.Mutex
	files map[string]map[string][]byte
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{
		files: map[string]map[string][]byte{},
	}
}

func (m *memArtifacts) RecipeDir(recipeID string) string {
	return filepath.Join("/tmp", "artifacts", recipeID)
}

func (m *memArtifacts) EnsureRecipeDir(recipeID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[recipeID]; !ok {
		m.files[recipeID] = map[string][]byte{}
	}
	return m.RecipeDir(recipeID), nil
}

func (m *memArtifacts) WriteFile(recipeID, relPath string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[recipeID]; !ok {
		m.files[recipeID] = map[string][]byte{}
	}
	m.files[recipeID][relPath] = append([]byte(nil), data...)
	return relPath, nil
}

func (m *memArtifacts) ListFiles(recipeID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recipe, ok := m.files[recipeID]
	if !ok {
		return []string{}, nil
	}
	out := make([]string, 0, len(recipe))
	for k := range recipe {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memArtifacts) ReadFile(recipeID, relPath string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recipe, ok := m.files[recipeID]
	if !ok {
		return nil, os.ErrNotExist
	}
	data, ok := recipe[relPath]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (m *memArtifacts) RemoveRecipe(recipeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, recipeID)
	return nil
}

func testPinnedSpec(name string) RecipeSpec {
	return normalizeRecipeSpec(RecipeSpec{Name: name})
}

func TestWaiterHubRegisterDeliver(t *testing.T) {
	h := newWaiterHub()
	ch := h.register("build-1")

	h.deliver("build-1", BuildResultMsg{BuildID: "build-1", Message: "done"})

	select {
	case got := <-ch:
		if got.BuildID != "build-1" {
			t.Fatalf("unexpected build id: got %q", got.BuildID)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for waiter delivery")
	}
}

func TestWaiterHubUnregisterAndDeliverNoPanic(_ *testing.T) {
	h := newWaiterHub()

	for range 100 {
		buildID := "build-race"
		h.register(buildID)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 200 {
				h.deliver(buildID, BuildResultMsg{BuildID: buildID})
			}
		}()
		go func() {
			defer wg.Done()
			h.unregister(buildID)
		}()
		wg.Wait()
	}
}

func TestHandleRecipeByIDUnknownSubresourceReturnsNotFound(t *testing.T) {
	api := &API{}
	req := httptest.NewRequest(http.MethodGet, "/api/recipes/r1/unknown", nil)
	rec := httptest.NewRecorder()

	api.handleRecipeByID(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleRecipeByIDArtifactsDelegates(t *testing.T) {
	artifacts := newMemArtifacts()
	if _, err := artifacts.WriteFile("r1", "render/Dockerfile", []byte("FROM scratch")); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	api := &API{artifacts: artifacts}

	req := httptest.NewRequest(http.MethodGet, "/api/recipes/r1/artifacts", nil)
	rec := httptest.NewRecorder()
	api.handleRecipeByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rec.Code, rec.Body.String())
	}

	var body struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(body.Files) != 1 || body.Files[0] != "render/Dockerfile" {
		t.Fatalf("unexpected files payload: %#v", body.Files)
	}
}

func TestHandleRecipeArtifactsInvalidRouteReturnsNotFound(t *testing.T) {
	api := &API{artifacts: newMemArtifacts()}
	req := httptest.NewRequest(http.MethodGet, "/api/recipes/r1/not-artifacts", nil)
	rec := httptest.NewRecorder()

	api.handleRecipeArtifacts(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDecodeBuildTriggerRequestDefaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/recipes/r1/builds", strings.NewReader(""))
	kind, variant, err := decodeBuildTriggerRequest(req)
	if err != nil {
		t.Fatalf("decode empty trigger: %v", err)
	}
	if kind != BuildRun {
		t.Fatalf("expected default kind %q, got %q", BuildRun, kind)
	}
	if variant != VariantTraining {
		t.Fatalf("expected default variant %q, got %q", VariantTraining, variant)
	}
}

func TestDecodeBuildTriggerRequestRejectsPurgeAndUnknowns(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "purge kind", body: `{"kind":"purge"}`},
		{name: "unknown kind", body: `{"kind":"bake"}`},
		{name: "unknown variant", body: `{"variant":"edge"}`},
		{name: "broken json", body: `{"kind":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(
				http.MethodPost,
				"/api/recipes/r1/builds",
				strings.NewReader(tc.body),
			)
			if _, _, err := decodeBuildTriggerRequest(req); err == nil {
				t.Fatalf("expected error for body %q", tc.body)
			}
		})
	}
}

func TestBuildResultCarriesKindAndSpecForNextWorker(t *testing.T) {
	in := BuildResultMsg{
		BuildID:  "build-1",
		Kind:     BuildRun,
		RecipeID: "recipe-1",
		Variant:  VariantHosted,
		Spec:     testPinnedSpec("pytorch-gpu"),
	}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal build result: %v", err)
	}

	var opMsg BuildOpMsg
	if err := json.Unmarshal(b, &opMsg); err != nil {
		t.Fatalf("unmarshal as build op: %v", err)
	}

	if opMsg.Kind != BuildRun {
		t.Fatalf("expected kind %q, got %q", BuildRun, opMsg.Kind)
	}
	if opMsg.Variant != VariantHosted {
		t.Fatalf("expected variant %q, got %q", VariantHosted, opMsg.Variant)
	}
	if opMsg.Spec.Name != "pytorch-gpu" || opMsg.Spec.Pins.Framework != defaultPinFramework {
		t.Fatalf("unexpected spec: %#v", opMsg.Spec)
	}
}

func TestSkipBuildResultPreservesUpstreamError(t *testing.T) {
	op := BuildOpMsg{
		BuildID:  "build-9",
		Kind:     BuildRender,
		RecipeID: "recipe-9",
		Variant:  VariantTraining,
		Spec:     testPinnedSpec("skipper"),
		Err:      "invalid pin nccl",
	}

	res := skipBuildResult(op, workerNameVariant)
	if res.Err != "invalid pin nccl" {
		t.Fatalf("expected upstream error to survive, got %q", res.Err)
	}
	if res.Worker != workerNameVariant {
		t.Fatalf("expected worker %q, got %q", workerNameVariant, res.Worker)
	}
	if res.Spec.Name != "skipper" {
		t.Fatalf("expected spec to be forwarded, got %#v", res.Spec)
	}
}

func TestFinalizeBuildResultPrefersWorkerError(t *testing.T) {
	op := BuildOpMsg{
		BuildID:  "build-10",
		Kind:     BuildRun,
		RecipeID: "recipe-10",
		Variant:  VariantTraining,
		Spec:     testPinnedSpec("finalize"),
		Err:      "upstream",
	}

	res := finalizeBuildResult(op, workerNameAuditor, BuildResultMsg{Err: "worker exploded"})
	if res.Err != "worker exploded" {
		t.Fatalf("expected worker error to win, got %q", res.Err)
	}

	clean := finalizeBuildResult(op, workerNameAuditor, BuildResultMsg{Message: "ok"})
	if clean.Err != "upstream" {
		t.Fatalf("expected upstream error to propagate when worker is clean, got %q", clean.Err)
	}
	if clean.BuildID != "build-10" || clean.Kind != BuildRun {
		t.Fatalf("expected op identity copied, got %#v", clean)
	}
}

func TestQueuedRecipeMessagePerKind(t *testing.T) {
	cases := []struct {
		kind BuildKind
		want string
	}{
		{kind: BuildRun, want: "queued image build"},
		{kind: BuildRender, want: "queued dockerfile render"},
		{kind: BuildPurge, want: "queued purge"},
		{kind: BuildKind("other"), want: "queued"},
	}
	for _, tc := range cases {
		if got := queuedRecipeMessage(tc.kind); got != tc.want {
			t.Fatalf("queuedRecipeMessage(%q)=%q want %q", tc.kind, got, tc.want)
		}
	}
}

func TestImageTagForUsesNameVariantAndShortBuildID(t *testing.T) {
	spec := testPinnedSpec("My Fancy Recipe")
	tag := imageTagFor(spec, VariantTraining, "0123456789abcdef0123456789abcdef")

	if !strings.HasPrefix(tag, "forge/my-fancy-recipe-training:") {
		t.Fatalf("unexpected tag prefix: %q", tag)
	}
	if !strings.HasSuffix(tag, "-0123456789ab") {
		t.Fatalf("expected short build id suffix, got %q", tag)
	}
	if !strings.Contains(tag, defaultPinFramework) {
		t.Fatalf("expected framework pin in tag, got %q", tag)
	}
}
