package forge

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Persistence: Recipes + Builds in KV (JSON)
////////////////////////////////////////////////////////////////////////////////

type Store struct {
	kvRecipes   jetstream.KeyValue
	kvBuilds    jetstream.KeyValue
	buildEvents *buildEventHub
}

type recipeBuildsIndex struct {
	IDs       []string  `json:"ids"`
	UpdatedAt time.Time `json:"updated_at"`
}

type recipeBuildsListQuery struct {
	Limit  int
	Cursor string
	Before string
}

type recipeBuildsListPage struct {
	Builds     []Build
	NextCursor string
}

func newStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	var recipesKV jetstream.KeyValue
	err := ensureKVBucket(ctx, js, kvBucketRecipes, defaultKVRecipeHistory, &recipesKV)
	if err != nil {
		return nil, err
	}
	var buildsKV jetstream.KeyValue
	err = ensureKVBucket(ctx, js, kvBucketBuilds, defaultKVBuildHistory, &buildsKV)
	if err != nil {
		return nil, err
	}
	return &Store{
		kvRecipes:   recipesKV,
		kvBuilds:    buildsKV,
		buildEvents: nil,
	}, nil
}

func (s *Store) setEvents(hub *buildEventHub) {
	if s == nil {
		return
	}
	s.buildEvents = hub
}

func (s *Store) PutRecipe(ctx context.Context, r Recipe) error {
	r.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.kvRecipes.Put(ctx, kvRecipeKeyPrefix+r.ID, b)
	return err
}

func (s *Store) GetRecipe(ctx context.Context, recipeID string) (Recipe, error) {
	e, err := s.kvRecipes.Get(ctx, kvRecipeKeyPrefix+recipeID)
	if err != nil {
		return Recipe{}, err
	}
	var r Recipe
	unmarshalErr := json.Unmarshal(e.Value(), &r)
	if unmarshalErr != nil {
		return Recipe{}, unmarshalErr
	}
	return r, nil
}

func (s *Store) DeleteRecipe(ctx context.Context, recipeID string) error {
	return s.kvRecipes.Delete(ctx, kvRecipeKeyPrefix+recipeID)
}

func (s *Store) ListRecipes(ctx context.Context) ([]Recipe, error) {
	keys, err := s.kvRecipes.Keys(ctx)
	if err != nil {
		// Some KV backends can return ErrNoKeys if empty; treat as empty.
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Recipe{}, nil
		}
		return nil, err
	}
	var out []Recipe
	for _, k := range keys {
		if !strings.HasPrefix(k, kvRecipeKeyPrefix) {
			continue
		}
		recipeID := strings.TrimPrefix(k, kvRecipeKeyPrefix)
		recipe, getErr := s.GetRecipe(ctx, recipeID)
		if getErr != nil {
			// best-effort listing
			continue
		}
		out = append(out, recipe)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PutBuild(ctx context.Context, build Build) error {
	b, err := json.Marshal(build)
	if err != nil {
		return err
	}
	_, err = s.kvBuilds.Put(ctx, kvBuildKeyPrefix+build.ID, b)
	if err != nil {
		return err
	}
	return s.recordRecipeBuild(ctx, build.RecipeID, build.ID)
}

func (s *Store) GetBuild(ctx context.Context, buildID string) (Build, error) {
	e, err := s.kvBuilds.Get(ctx, kvBuildKeyPrefix+buildID)
	if err != nil {
		return Build{}, err
	}
	var build Build
	unmarshalErr := json.Unmarshal(e.Value(), &build)
	if unmarshalErr != nil {
		return Build{}, unmarshalErr
	}
	return build, nil
}

func (s *Store) listRecipeBuilds(
	ctx context.Context,
	recipeID string,
	query recipeBuildsListQuery,
) (recipeBuildsListPage, error) {
	recipeID = strings.TrimSpace(recipeID)
	if recipeID == "" {
		return recipeBuildsListPage{Builds: []Build{}, NextCursor: ""}, nil
	}

	limit := normalizeRecipeBuildsLimit(query.Limit)
	index, err := s.readRecipeBuildsIndex(ctx, recipeID)
	if err != nil {
		return recipeBuildsListPage{}, err
	}
	if len(index.IDs) == 0 {
		return recipeBuildsListPage{Builds: []Build{}, NextCursor: ""}, nil
	}

	start, beforeAt := resolveRecipeBuildsWindow(index.IDs, query)
	if start >= len(index.IDs) {
		return recipeBuildsListPage{Builds: []Build{}, NextCursor: ""}, nil
	}

	return s.collectRecipeBuildsPage(
		ctx,
		recipeID,
		index.IDs[start:],
		limit,
		beforeAt,
	)
}

func (s *Store) collectRecipeBuildsPage(
	ctx context.Context,
	recipeID string,
	buildIDs []string,
	limit int,
	beforeAt time.Time,
) (recipeBuildsListPage, error) {
	items := make([]Build, 0, limit+1)
	for _, buildID := range buildIDs {
		build, getErr := s.GetBuild(ctx, buildID)
		if getErr != nil {
			if errors.Is(getErr, jetstream.ErrKeyNotFound) {
				continue
			}
			return recipeBuildsListPage{}, getErr
		}
		if strings.TrimSpace(build.RecipeID) != recipeID {
			continue
		}
		if !beforeAt.IsZero() && !build.Requested.Before(beforeAt) {
			continue
		}
		items = append(items, build)
		if len(items) > limit {
			break
		}
	}

	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		nextCursor = strings.TrimSpace(items[len(items)-1].ID)
	}
	return recipeBuildsListPage{
		Builds:     items,
		NextCursor: nextCursor,
	}, nil
}

func resolveRecipeBuildsWindow(ids []string, query recipeBuildsListQuery) (int, time.Time) {
	beforeRaw := strings.TrimSpace(query.Before)
	beforeCursor := ""
	beforeAt := time.Time{}
	if beforeRaw != "" {
		if parsed, ok := parseRecipeBuildsBeforeTime(beforeRaw); ok {
			beforeAt = parsed
		} else {
			beforeCursor = beforeRaw
		}
	}

	cursor := strings.TrimSpace(query.Cursor)
	start := 0
	if cursor != "" {
		start = indexStartFromCursor(ids, cursor)
	} else if beforeCursor != "" {
		start = indexStartFromCursor(ids, beforeCursor)
	}
	return start, beforeAt
}

func normalizeRecipeBuildsLimit(limit int) int {
	switch {
	case limit <= 0:
		return recipeBuildsDefaultLimit
	case limit > recipeBuildsMaxLimit:
		return recipeBuildsMaxLimit
	default:
		return limit
	}
}

func parseRecipeBuildsBeforeTime(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return ts.UTC(), true
	}
	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return ts.UTC(), true
	}
	return time.Time{}, false
}

func indexStartFromCursor(ids []string, cursor string) int {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return 0
	}
	for idx, id := range ids {
		if id == cursor {
			return idx + 1
		}
	}
	return len(ids)
}

func (s *Store) recordRecipeBuild(ctx context.Context, recipeID, buildID string) error {
	recipeID = strings.TrimSpace(recipeID)
	buildID = strings.TrimSpace(buildID)
	if recipeID == "" || buildID == "" {
		return nil
	}

	index, err := s.readRecipeBuildsIndex(ctx, recipeID)
	if err != nil {
		return err
	}

	if slices.Contains(index.IDs, buildID) {
		index.UpdatedAt = time.Now().UTC()
		return s.writeRecipeBuildsIndex(ctx, recipeID, index)
	}

	index.IDs = append([]string{buildID}, index.IDs...)
	if len(index.IDs) > recipeBuildsHistoryCap {
		index.IDs = append([]string(nil), index.IDs[:recipeBuildsHistoryCap]...)
	}
	index.UpdatedAt = time.Now().UTC()
	return s.writeRecipeBuildsIndex(ctx, recipeID, index)
}

func (s *Store) readRecipeBuildsIndex(ctx context.Context, recipeID string) (recipeBuildsIndex, error) {
	entry, err := s.kvBuilds.Get(ctx, recipeBuildsIndexKey(recipeID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return recipeBuildsIndex{
				IDs:       []string{},
				UpdatedAt: time.Time{},
			}, nil
		}
		return recipeBuildsIndex{}, err
	}
	var index recipeBuildsIndex
	if unmarshalErr := json.Unmarshal(entry.Value(), &index); unmarshalErr != nil {
		return recipeBuildsIndex{}, unmarshalErr
	}
	if index.IDs == nil {
		index.IDs = []string{}
	}
	return index, nil
}

func (s *Store) writeRecipeBuildsIndex(ctx context.Context, recipeID string, index recipeBuildsIndex) error {
	body, err := json.Marshal(index)
	if err != nil {
		return err
	}
	_, err = s.kvBuilds.Put(ctx, recipeBuildsIndexKey(recipeID), body)
	return err
}

func recipeBuildsIndexKey(recipeID string) string {
	return kvRecipeBuildIndexKeyPrefix + strings.TrimSpace(recipeID)
}
