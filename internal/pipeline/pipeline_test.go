package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hotosm/tm-mirror/internal/blob"
	"github.com/hotosm/tm-mirror/internal/catalog"
	"github.com/hotosm/tm-mirror/internal/model"
	"github.com/hotosm/tm-mirror/internal/publish"
	"github.com/hotosm/tm-mirror/internal/resilience"
	"github.com/hotosm/tm-mirror/internal/state"
)

func featureCount(t *testing.T, mem *blob.Memory) int {
	t.Helper()
	obj, ok := mem.Object(model.CollectionKey)
	require.True(t, ok)
	var fc struct {
		Features []json.RawMessage `json:"features"`
	}
	require.NoError(t, json.Unmarshal(obj.Data, &fc))
	return len(fc.Features)
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.seed(t, map[model.EntityID]string{"1": day1})

	listing := []model.ListingItem{item("1", day2), item("2", day1)}
	h.catalog.On("ListAllComplete", mock.Anything).Return(listing, true, nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("1")).Return(detail(1, day2), nil).Once()
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("2")).Return(detail(2, day1), nil).Once()

	rep, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, rep.Outcome)
	assert.Equal(t, 1, rep.Added)
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, 2, rep.Fetched)
	assert.True(t, rep.TilesRebuilt)
	assert.Equal(t, 0, rep.ExitCode())

	st := h.state(t)
	assert.Equal(t, map[model.EntityID]string{"1": day2, "2": day1}, st.Watermarks)
	assert.False(t, st.LastRunTimestamp.IsZero())
	assert.Equal(t, st.Artifacts[model.ArtifactCollection], st.Artifacts[model.ArtifactTiles])
	assert.Equal(t, 2, featureCount(t, h.mem))
	assert.Equal(t, 1, h.tiles.Calls())

	puts := h.mem.Puts()
	require.Len(t, puts, 6)
	assert.ElementsMatch(t, []string{"api/v2/projects/1", "api/v2/projects/2"}, puts[:2])
	assert.Equal(t, []string{model.CollectionKey, model.TilesKey, model.SummaryKey, state.DefaultKey}, puts[2:])

	stored, _ := h.mem.Object("api/v2/projects/1")
	assert.JSONEq(t, string(doc(1, day2)), string(stored.Data))
	h.catalog.AssertExpectations(t)

	// A second run over the same listing changes nothing but the run timestamp.
	h.mem.ResetPuts()
	rep, err = h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, rep.Outcome)
	assert.Equal(t, 2, rep.Unchanged)
	assert.Equal(t, []string{state.DefaultKey}, h.mem.Puts())
	assert.Equal(t, 1, h.tiles.Calls())

	after := h.state(t)
	assert.Equal(t, st.Watermarks, after.Watermarks)
	assert.Equal(t, st.Artifacts, after.Artifacts)
	h.catalog.AssertNumberOfCalls(t, "FetchDetail", 2)
}

func TestRunPartialFailureIsolation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, map[model.EntityID]string{"1": day1, "2": day1})
	oldDoc, _ := h.mem.Object("api/v2/projects/1")

	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day2), item("2", day2)}, true, nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("1")).
		Return(catalog.Detail{}, resilience.NewTransientError(errors.New("502 bad gateway"), 502))
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("2")).Return(detail(2, day2), nil)

	rep, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, rep.Outcome)
	assert.Equal(t, []model.EntityID{"1"}, rep.FailedIDs)
	assert.Equal(t, 0, rep.ExitCode())

	st := h.state(t)
	assert.Equal(t, day1, st.Watermarks["1"])
	assert.Equal(t, day2, st.Watermarks["2"])

	stillOld, _ := h.mem.Object("api/v2/projects/1")
	assert.Equal(t, oldDoc.Data, stillOld.Data)
	assert.NotContains(t, h.mem.Puts(), "api/v2/projects/1")
	assert.Equal(t, 2, featureCount(t, h.mem))
}

func TestRunGoneUpstreamIsRemoved(t *testing.T) {
	h := newHarness(t)
	h.seed(t, map[model.EntityID]string{"1": day1, "2": day1})

	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day1), item("2", day2)}, true, nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("2")).
		Return(catalog.Detail{}, &resilience.NotFoundError{Resource: "projects/2"})

	rep, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, rep.Outcome)
	assert.Equal(t, []model.EntityID{"2"}, rep.GoneIDs)

	st := h.state(t)
	assert.Equal(t, map[model.EntityID]string{"1": day1}, st.Watermarks)
	assert.Equal(t, 1, featureCount(t, h.mem))
}

func TestRunRemovesExcludedAndAbsent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, map[model.EntityID]string{"1": day1, "2": day1, "3": day1})

	draft := item("2", day2)
	draft.Status = model.StatusDraft
	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day1), draft}, true, nil)

	rep, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, rep.Outcome)
	assert.Equal(t, 2, rep.Removed)

	st := h.state(t)
	assert.Equal(t, map[model.EntityID]string{"1": day1}, st.Watermarks)
	assert.Equal(t, 1, featureCount(t, h.mem))
	h.catalog.AssertNotCalled(t, "FetchDetail", mock.Anything, mock.Anything)
}

func TestRunIncompleteListingKeepsAbsent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, map[model.EntityID]string{"1": day1, "2": day1})

	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day2)}, false, nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("1")).Return(detail(1, day2), nil)

	rep, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, rep.Outcome)
	assert.Equal(t, 0, rep.Removed)

	st := h.state(t)
	assert.Equal(t, map[model.EntityID]string{"1": day2, "2": day1}, st.Watermarks)
	assert.Equal(t, 2, featureCount(t, h.mem))
}

func TestRunTileFailureIsPartialAndRetried(t *testing.T) {
	h := newHarness(t)
	h.tiles.err = errors.New("tippecanoe: exit status 1")

	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day1)}, true, nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("1")).Return(detail(1, day1), nil).Once()

	rep, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, rep.Outcome)
	assert.NotEmpty(t, rep.TilesError)
	assert.False(t, rep.TilesRebuilt)

	_, ok := h.mem.Object(model.TilesKey)
	assert.False(t, ok)
	_, ok = h.mem.Object(model.SummaryKey)
	assert.True(t, ok)
	st := h.state(t)
	assert.Equal(t, day1, st.Watermarks["1"])
	assert.Empty(t, st.Artifacts[model.ArtifactTiles])

	// Nothing changed upstream. Only the archive is rebuilt and uploaded.
	h.tiles.err = nil
	h.mem.ResetPuts()
	rep, err = h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, rep.Outcome)
	assert.True(t, rep.TilesRebuilt)
	assert.Empty(t, rep.TilesError)
	assert.Equal(t, []string{model.TilesKey, state.DefaultKey}, h.mem.Puts())
	h.catalog.AssertNumberOfCalls(t, "FetchDetail", 1)

	st = h.state(t)
	assert.Equal(t, st.Artifacts[model.ArtifactCollection], st.Artifacts[model.ArtifactTiles])

	// With the archive current the next unchanged run is a plain no-op.
	h.mem.ResetPuts()
	rep, err = h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, rep.Outcome)
	assert.Equal(t, []string{state.DefaultKey}, h.mem.Puts())
	assert.Equal(t, 2, h.tiles.Calls())
}

func TestRunUnchangedAfterTileFailureLeavesCollectionAlone(t *testing.T) {
	h := newHarness(t)
	h.tiles.err = errors.New("tippecanoe: exit status 1")

	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day1)}, true, nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("1")).Return(detail(1, day1), nil).Once()

	_, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	collection, ok := h.mem.Object(model.CollectionKey)
	require.True(t, ok)

	for run := 0; run < 3; run++ {
		h.mem.ResetPuts()
		rep, err := h.pipeline().Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomePartial, rep.Outcome)
		assert.Zero(t, rep.Added+rep.Updated+rep.Removed)
		assert.Zero(t, rep.Fetched)
		assert.NotEmpty(t, rep.TilesError)

		puts := h.mem.Puts()
		assert.Equal(t, []string{state.DefaultKey}, puts)
		assert.NotContains(t, puts, model.CollectionKey)
		assert.NotContains(t, puts, model.SummaryKey)
	}

	// One compile per run, each over the stored collection.
	assert.Equal(t, 4, h.tiles.Calls())
	h.catalog.AssertNumberOfCalls(t, "FetchDetail", 1)
	after, ok := h.mem.Object(model.CollectionKey)
	require.True(t, ok)
	assert.Equal(t, collection.Data, after.Data)
}

func TestRunUnchangedSkipsTileRetryWithoutMatchingCollection(t *testing.T) {
	h := newHarness(t)
	st := model.NewSyncState()
	st.Watermarks["1"] = day1
	st.Artifacts[model.ArtifactCollection] = "stale"
	require.NoError(t, h.mem.Put(context.Background(), model.DocumentKey("1"), doc(1, day1), blob.ContentTypeJSON))
	require.NoError(t, h.mem.Put(context.Background(), model.CollectionKey, []byte(`{"type":"FeatureCollection","features":[]}`), blob.ContentTypeGeoJSON))
	require.NoError(t, h.states.Save(context.Background(), st))
	h.mem.ResetPuts()

	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day1)}, true, nil)

	rep, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, rep.Outcome)
	assert.False(t, rep.TilesRebuilt)
	assert.Equal(t, 0, h.tiles.Calls())
	assert.Equal(t, []string{state.DefaultKey}, h.mem.Puts())
	assert.Empty(t, h.state(t).Artifacts[model.ArtifactTiles])
}

func TestRunUnchangedCollectionSkipsTiles(t *testing.T) {
	h := newHarness(t)
	h.seed(t, map[model.EntityID]string{"1": day1})

	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day1)}, true, nil).Once()
	_, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, h.tiles.Calls())

	// The first real build compiles tiles.
	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day2)}, true, nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("1")).Return(catalog.Detail{Raw: doc(1, day1)}, nil)

	rep, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.TilesRebuilt)
	assert.Equal(t, 1, h.tiles.Calls())

	h.catalog.ExpectedCalls = nil
	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", "2024-01-03T00:00:00Z")}, true, nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("1")).Return(catalog.Detail{Raw: doc(1, day1)}, nil)

	// A refetch with identical content leaves the collection hash alone.
	rep, err = h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, rep.Outcome)
	assert.False(t, rep.TilesRebuilt)
	assert.Equal(t, 1, h.tiles.Calls())
	assert.Equal(t, "2024-01-03T00:00:00Z", h.state(t).Watermarks["1"])
}

func TestRunPublishFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	h.seed(t, map[model.EntityID]string{"1": day1})
	before, _ := h.mem.Object(state.DefaultKey)

	h.mem.FailPut = func(key string) error {
		if key == model.CollectionKey {
			return errors.New("access denied")
		}
		return nil
	}
	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day2)}, true, nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("1")).Return(detail(1, day2), nil)

	rep, err := h.pipeline().Run(context.Background())
	require.Error(t, err)
	assert.True(t, eris.Is(err, publish.ErrPublish))
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Equal(t, 1, rep.ExitCode())
	assert.Contains(t, rep.Error, model.CollectionKey)

	after, _ := h.mem.Object(state.DefaultKey)
	assert.Equal(t, before.Data, after.Data)
	assert.NotContains(t, h.mem.Puts(), state.DefaultKey)
}

func TestRunListingFailure(t *testing.T) {
	h := newHarness(t)
	h.catalog.On("ListAllComplete", mock.Anything).
		Return(nil, false, resilience.NewTransientError(errors.New("503"), 503))

	rep, err := h.pipeline().Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	_, ok := h.mem.Object(state.DefaultKey)
	assert.False(t, ok)
}

func TestRunMassRemovalGuard(t *testing.T) {
	h := newHarness(t)
	marks := make(map[model.EntityID]string)
	for i := 1; i <= 20; i++ {
		marks[model.EntityID(strconv.Itoa(i))] = day1
	}
	h.seed(t, marks)

	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{}, true, nil)

	rep, err := h.pipeline().Run(context.Background())
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrMassRemoval))
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Len(t, h.state(t).Watermarks, 20)
	assert.Empty(t, h.mem.Puts())
}

func TestRunRepairsMissingDocuments(t *testing.T) {
	h := newHarness(t)
	h.seed(t, map[model.EntityID]string{"1": day1})
	require.NoError(t, h.mem.Delete(context.Background(), "api/v2/projects/1"))

	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day1), item("2", day1)}, true, nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("1")).Return(detail(1, day1), nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("2")).Return(detail(2, day1), nil)

	rep, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Repaired)
	assert.Equal(t, 2, featureCount(t, h.mem))
	_, ok := h.mem.Object("api/v2/projects/1")
	assert.True(t, ok)
}

func TestRunFailedRepairForgetsWatermark(t *testing.T) {
	h := newHarness(t)
	h.seed(t, map[model.EntityID]string{"1": day1})
	require.NoError(t, h.mem.Delete(context.Background(), "api/v2/projects/1"))

	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day1), item("2", day1)}, true, nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("1")).
		Return(catalog.Detail{}, resilience.NewTransientError(errors.New("timeout"), 0))
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("2")).Return(detail(2, day1), nil)

	rep, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, rep.Outcome)
	assert.Equal(t, map[model.EntityID]string{"2": day1}, h.state(t).Watermarks)
}

func TestRunTimeoutNeverCommits(t *testing.T) {
	h := newHarness(t)
	h.opts.Timeout = 50 * time.Millisecond

	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{item("1", day1)}, true, nil)
	h.catalog.On("FetchDetail", mock.Anything, model.EntityID("1")).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(catalog.Detail{}, context.DeadlineExceeded)

	rep, err := h.pipeline().Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, rep.Error, "deadline exceeded")
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	_, ok := h.mem.Object(state.DefaultKey)
	assert.False(t, ok)
}

func TestRunSkipsWhenLocked(t *testing.T) {
	h := newHarness(t)
	h.locker = state.NewLocker(h.mem, "", time.Hour)
	lock := []byte(`{"runId":"other","startedAt":"` + time.Now().UTC().Format(time.RFC3339) + `","host":"elsewhere"}`)
	require.NoError(t, h.mem.Put(context.Background(), state.DefaultLockKey, lock, blob.ContentTypeJSON))

	rep, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocked, rep.Outcome)
	assert.Equal(t, 0, rep.ExitCode())

	still, ok := h.mem.Object(state.DefaultLockKey)
	require.True(t, ok)
	assert.Equal(t, lock, still.Data)
	h.catalog.AssertNotCalled(t, "ListAllComplete", mock.Anything)
}

func TestRunReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.locker = state.NewLocker(h.mem, "", time.Hour)
	h.catalog.On("ListAllComplete", mock.Anything).Return([]model.ListingItem{}, true, nil)

	rep, err := h.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, rep.Outcome)
	assert.NotEmpty(t, rep.RunID)

	_, ok := h.mem.Object(state.DefaultLockKey)
	assert.False(t, ok)
}

func TestCheckRemovals(t *testing.T) {
	t.Parallel()

	p := New(Deps{}, Options{MaxRemoveFraction: 0.5, MaxRemoveMinItems: 20})
	tests := []struct {
		name      string
		removals  int
		mirrored  int
		wantError bool
	}{
		{"none", 0, 100, false},
		{"at limit", 50, 100, false},
		{"over limit", 51, 100, true},
		{"small mirror", 10, 10, false},
		{"threshold size", 11, 20, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.checkRemovals(tt.removals, tt.mirrored)
			if tt.wantError {
				assert.True(t, eris.Is(err, ErrMassRemoval))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
