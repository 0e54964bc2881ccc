package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hotosm/tm-mirror/internal/blob"
	"github.com/hotosm/tm-mirror/internal/cache"
	"github.com/hotosm/tm-mirror/internal/catalog"
	"github.com/hotosm/tm-mirror/internal/model"
	"github.com/hotosm/tm-mirror/internal/publish"
	"github.com/hotosm/tm-mirror/internal/state"
)

// --- Catalog Mock ---

type mockCatalog struct {
	mock.Mock
}

func (m *mockCatalog) ListAllComplete(ctx context.Context) ([]model.ListingItem, bool, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).([]model.ListingItem), args.Bool(1), args.Error(2)
}

func (m *mockCatalog) FetchDetail(ctx context.Context, id model.EntityID) (catalog.Detail, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(catalog.Detail), args.Error(1)
}

// --- Tile compiler fake ---

type fakeTiles struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTiles) Compile(_ context.Context, _, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(out, []byte("PMTiles"), 0o644)
}

func (f *fakeTiles) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- Helpers ---

const (
	day1 = "2024-01-01T00:00:00Z"
	day2 = "2024-01-02T00:00:00Z"
)

const square = `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`

func doc(id int, updated string) []byte {
	return []byte(fmt.Sprintf(`{"projectId":%d,"lastUpdated":%q,"status":"PUBLISHED","areaOfInterest":%s,"imagery":"Bing","projectInfo":{"name":"Project %d"}}`,
		id, updated, square, id))
}

func detail(id int, updated string) catalog.Detail {
	return catalog.Detail{Raw: doc(id, updated)}
}

func item(id, updated string) model.ListingItem {
	return model.ListingItem{ID: model.EntityID(id), LastUpdated: updated, Status: model.StatusPublished}
}

type harness struct {
	mem     *blob.Memory
	catalog *mockCatalog
	tiles   *fakeTiles
	states  *state.Store
	locker  *state.Locker
	opts    Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := blob.NewMemory()
	return &harness{
		mem:     mem,
		catalog: &mockCatalog{},
		tiles:   &fakeTiles{},
		states:  state.NewStore(mem, ""),
		opts: Options{
			FetchWorkers:      2,
			MaxRemoveFraction: 0.5,
			MaxRemoveMinItems: 20,
			Timeout:           time.Minute,
			TilesWorkDir:      t.TempDir(),
		},
	}
}

func (h *harness) pipeline() *Pipeline {
	return New(Deps{
		Catalog:   h.catalog,
		State:     h.states,
		Locker:    h.locker,
		Cache:     cache.NewLoader(h.mem, 4),
		Publisher: publish.New(h.mem, 4),
		Tiles:     h.tiles,
	}, h.opts)
}

// seed stores a state with the given watermarks and a cached document for each.
func (h *harness) seed(t *testing.T, marks map[model.EntityID]string) {
	t.Helper()
	st := model.NewSyncState()
	for id, ts := range marks {
		st.Watermarks[id] = ts
		var n int
		_, err := fmt.Sscan(string(id), &n)
		require.NoError(t, err)
		require.NoError(t, h.mem.Put(context.Background(), model.DocumentKey(id), doc(n, ts), blob.ContentTypeJSON))
	}
	require.NoError(t, h.states.Save(context.Background(), st))
	h.mem.ResetPuts()
}

func (h *harness) state(t *testing.T) model.SyncState {
	t.Helper()
	st, err := h.states.Load(context.Background())
	require.NoError(t, err)
	return st
}
