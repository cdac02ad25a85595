package forge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// HTTP API
////////////////////////////////////////////////////////////////////////////////

type API struct {
	nc        *nats.Conn
	store     *Store
	artifacts ArtifactStore
	waiters   *waiterHub
	events    *buildEventHub

	heartbeatInterval time.Duration
}

func (a *API) routes() http.Handler {
	mux := http.NewServeMux()

	// CRUD: recipes
	mux.HandleFunc("/api/recipes", a.handleRecipes)
	mux.HandleFunc("/api/recipes/", a.handleRecipeByID)

	// Builds: read + live events
	mux.HandleFunc("/api/builds/", a.handleBuildByID)

	return a.withRequestLogging(mux)
}

type statusRecorder struct {
	http.ResponseWriter

	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Flush() {
	if flusher, ok := s.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (a *API) withRequestLogging(next http.Handler) http.Handler {
	apiLog := appLoggerForProcess().Source("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{
			ResponseWriter: w,
			status:         0,
		}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		dur := time.Since(started).Round(time.Millisecond)
		msg := fmt.Sprintf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, dur)
		switch {
		case rec.status >= httpServerErrThreshold:
			apiLog.Errorf("%s", msg)
		case rec.status >= httpClientErrThreshold:
			apiLog.Warnf("%s", msg)
		default:
			apiLog.Infof("%s", msg)
		}
	})
}

func (a *API) handleRecipes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		recipes, err := a.store.ListRecipes(r.Context())
		if err != nil {
			http.Error(w, "failed to list recipes", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, recipes)

	case http.MethodPost:
		spec, ok := readRecipeSpecBody(w, r)
		if !ok {
			return
		}

		recipeID := newID()
		now := time.Now().UTC()

		recipe := Recipe{
			ID:        recipeID,
			CreatedAt: now,
			UpdatedAt: now,
			Spec:      spec,
			Status: RecipeStatus{
				Phase:         recipePhaseReady,
				UpdatedAt:     now,
				LastBuildID:   "",
				LastBuildKind: "",
				Message:       "registered",
			},
		}
		putErr := a.store.PutRecipe(r.Context(), recipe)
		if putErr != nil {
			http.Error(w, "failed to persist recipe", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, recipe)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// readRecipeSpecBody accepts either a JSON or a YAML recipe document.
func readRecipeSpecBody(w http.ResponseWriter, r *http.Request) (RecipeSpec, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRecipeBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return RecipeSpec{}, false
	}
	spec, err := decodeRecipeSpec(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return RecipeSpec{}, false
	}
	if err := validateRecipeSpec(spec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return RecipeSpec{}, false
	}
	return spec, true
}

func (a *API) handleRecipeByID(w http.ResponseWriter, r *http.Request) {
	recipeID, ok := a.resolveRecipeIDFromPath(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.handleRecipeGetByID(w, r, recipeID)
	case http.MethodPut:
		a.handleRecipeUpdateByID(w, r, recipeID)
	case http.MethodDelete:
		a.handleRecipePurgeByID(w, r, recipeID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) resolveRecipeIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !strings.HasPrefix(r.URL.Path, "/api/recipes/") {
		http.NotFound(w, r)
		return "", false
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/recipes/"), "/")
	if rest == "" {
		http.NotFound(w, r)
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) > 1 {
		switch parts[1] {
		case "artifacts":
			a.handleRecipeArtifacts(w, r)
			return "", false
		case "builds":
			a.handleRecipeBuilds(w, r, strings.TrimSpace(parts[0]))
			return "", false
		}
		http.NotFound(w, r)
		return "", false
	}
	recipeID := strings.TrimSpace(parts[0])
	if recipeID == "" {
		http.Error(w, "bad recipe id", http.StatusBadRequest)
		return "", false
	}
	return recipeID, true
}

func (a *API) handleRecipeGetByID(w http.ResponseWriter, r *http.Request, recipeID string) {
	recipe, ok := a.getRecipeOrWriteError(w, r, recipeID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, recipe)
}

func (a *API) handleRecipeUpdateByID(w http.ResponseWriter, r *http.Request, recipeID string) {
	spec, ok := readRecipeSpecBody(w, r)
	if !ok {
		return
	}
	recipe, ok := a.getRecipeOrWriteError(w, r, recipeID)
	if !ok {
		return
	}
	recipe.Spec = spec
	recipe.Status.Phase = recipePhaseReady
	recipe.Status.Message = "spec updated"
	recipe.Status.UpdatedAt = time.Now().UTC()
	putErr := a.store.PutRecipe(r.Context(), recipe)
	if putErr != nil {
		http.Error(w, "failed to persist recipe", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recipe)
}

func (a *API) handleRecipePurgeByID(w http.ResponseWriter, r *http.Request, recipeID string) {
	recipe, ok := a.getRecipeOrWriteError(w, r, recipeID)
	if !ok {
		return
	}
	recipe.Status.Phase = recipePhaseDeleting
	recipe.Status.Message = "queued purge"
	recipe.Status.UpdatedAt = time.Now().UTC()
	_ = a.store.PutRecipe(r.Context(), recipe)

	build, final, err := a.runBuild(r.Context(), BuildPurge, recipeID, VariantTraining, recipe.Spec)
	if err != nil {
		writeRecipeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"purged": true,
		"build":  build,
		"final":  final,
	})
}

func (a *API) handleRecipeBuilds(w http.ResponseWriter, r *http.Request, recipeID string) {
	if recipeID == "" {
		http.Error(w, "bad recipe id", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.handleRecipeBuildsList(w, r, recipeID)
	case http.MethodPost:
		a.handleRecipeBuildTrigger(w, r, recipeID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleRecipeBuildsList(w http.ResponseWriter, r *http.Request, recipeID string) {
	if _, ok := a.getRecipeOrWriteError(w, r, recipeID); !ok {
		return
	}

	query := recipeBuildsListQuery{
		Limit:  0,
		Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		Before: strings.TrimSpace(r.URL.Query().Get("before")),
	}
	if rawLimit := strings.TrimSpace(r.URL.Query().Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		query.Limit = limit
	}

	page, err := a.store.listRecipeBuilds(r.Context(), recipeID, query)
	if err != nil {
		http.Error(w, "failed to list builds", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"builds":      page.Builds,
		"next_cursor": page.NextCursor,
	})
}

type BuildTriggerRequest struct {
	Kind    string `json:"kind"`    // build|render, defaults to build
	Variant string `json:"variant"` // training|hosted, defaults to training
}

func decodeBuildTriggerRequest(r *http.Request) (BuildKind, string, error) {
	req := BuildTriggerRequest{
		Kind:    "",
		Variant: "",
	}
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxRecipeBodyBytes))
	if err != nil {
		return "", "", errors.New("failed to read body")
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return "", "", errors.New("invalid json")
		}
	}

	kind := BuildKind(strings.TrimSpace(strings.ToLower(req.Kind)))
	if kind == "" {
		kind = BuildRun
	}
	if kind == BuildPurge {
		return "", "", errors.New("purge must go through recipe deletion")
	}
	if err := validateBuildKind(kind); err != nil {
		return "", "", err
	}

	variant := strings.TrimSpace(strings.ToLower(req.Variant))
	if variant == "" {
		variant = VariantTraining
	}
	if err := validateVariant(variant); err != nil {
		return "", "", err
	}
	return kind, variant, nil
}

func (a *API) handleRecipeBuildTrigger(w http.ResponseWriter, r *http.Request, recipeID string) {
	kind, variant, err := decodeBuildTriggerRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	recipe, ok := a.getRecipeOrWriteError(w, r, recipeID)
	if !ok {
		return
	}

	build, final, err := a.runBuild(r.Context(), kind, recipeID, variant, recipe.Spec)
	if err != nil {
		writeRecipeError(w, err)
		return
	}
	recipe, _ = a.store.GetRecipe(r.Context(), recipeID)
	writeJSON(w, http.StatusOK, map[string]any{
		"recipe": recipe,
		"build":  build,
		"final":  final,
	})
}

func (a *API) getRecipeOrWriteError(
	w http.ResponseWriter,
	r *http.Request,
	recipeID string,
) (Recipe, bool) {
	recipe, err := a.store.GetRecipe(r.Context(), recipeID)
	if err == nil {
		return recipe, true
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return Recipe{}, false
	}
	http.Error(w, "failed to read recipe", http.StatusInternalServerError)
	return Recipe{}, false
}

func writeRecipeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case isValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func isValidationError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "must") || strings.Contains(msg, "invalid")
}

func (a *API) handleRecipeArtifacts(w http.ResponseWriter, r *http.Request) {
	// Routes:
	//  - GET /api/recipes/{id}/artifacts              -> list files
	//  - GET /api/recipes/{id}/artifacts/{path...}    -> download file
	if !strings.HasPrefix(r.URL.Path, "/api/recipes/") {
		http.NotFound(w, r)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/recipes/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) < recipeRelPathPartsMin || parts[1] != "artifacts" {
		http.NotFound(w, r)
		return
	}

	recipeID := strings.TrimSpace(parts[0])
	if recipeID == "" {
		http.Error(w, "bad recipe id", http.StatusBadRequest)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// list
	if len(parts) == recipeRelPathPartsMin {
		files, err := a.artifacts.ListFiles(recipeID)
		if err != nil {
			http.Error(w, "failed to list artifacts", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": files})
		return
	}

	// download
	relPath := strings.Join(parts[2:], "/")
	relPath = strings.TrimPrefix(relPath, "/")
	data, err := a.artifacts.ReadFile(recipeID, relPath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to read artifact", http.StatusInternalServerError)
		return
	}

	// Minimal content type handling
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().
		Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(relPath)))
	http.ServeContent(w, r, filepath.Base(relPath), time.Time{}, bytes.NewReader(data))
}

func (a *API) handleBuildByID(w http.ResponseWriter, r *http.Request) {
	// Routes:
	//  - GET /api/builds/{id}          -> build record
	//  - GET /api/builds/{id}/events   -> live SSE stream
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/builds/"), "/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(rest, "/")
	buildID := strings.TrimSpace(parts[0])
	if buildID == "" {
		http.Error(w, "bad build id", http.StatusBadRequest)
		return
	}
	if len(parts) > 1 {
		if parts[1] == "events" && len(parts) == recipeRelPathPartsMin {
			a.handleBuildEvents(w, r, buildID)
			return
		}
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	build, err := a.store.GetBuild(r.Context(), buildID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to read build", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, build)
}
