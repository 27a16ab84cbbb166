package replica

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncgate/internal/config"
	"github.com/roach88/syncgate/internal/observer"
	"github.com/roach88/syncgate/internal/store"
	"github.com/roach88/syncgate/internal/transport"
	"github.com/roach88/syncgate/internal/value"
)

const waitFor = 2 * time.Second

func testConfig(t *testing.T, site string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SiteID = site
	cfg.Database = filepath.Join(t.TempDir(), site+".db")
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func open(t *testing.T, cfg config.Config) *Replica {
	t.Helper()
	r, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(context.Background()) })
	return r
}

// serve exposes r's sync endpoint and returns its websocket URL.
func serve(t *testing.T, r *Replica) string {
	t.Helper()
	ts := httptest.NewServer(r.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + transport.SyncPath
}

func put(t *testing.T, r *Replica, coll string, doc map[string]any) {
	t.Helper()
	_, err := r.Upsert(context.Background(), coll, value.MustObject(doc), store.ConflictMerge)
	require.NoError(t, err)
}

func has(r *Replica, coll, id string) bool {
	_, err := r.Get(context.Background(), coll, id)
	return err == nil
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, "a")
	cfg.SiteID = ""
	_, err := Open(context.Background(), cfg)
	assert.ErrorContains(t, err, "SiteID")
}

func TestOpen_RecordsSiteID(t *testing.T) {
	r := open(t, testConfig(t, "site-a"))
	got, ok, err := r.Store().Meta(context.Background(), "site_id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "site-a", got)
	assert.Equal(t, "site-a", r.SiteID())
}

func TestOpen_UnreachablePeerIsNotFatal(t *testing.T) {
	cfg := testConfig(t, "a")
	cfg.Peers = []string{"ws://127.0.0.1:1/sync"}
	r := open(t, cfg)
	assert.Empty(t, r.Replicator().Peers())
}

func TestOpen_ConfiguredSubscriptionsPull(t *testing.T) {
	a := open(t, testConfig(t, "a"))
	put(t, a, "tasks", map[string]any{"_id": "A", "status": "active"})
	put(t, a, "tasks", map[string]any{"_id": "B", "status": "done"})

	cfg := testConfig(t, "b")
	cfg.Peers = []string{serve(t, a)}
	cfg.Subscriptions = []config.Subscription{{
		Query:  "SELECT * FROM tasks WHERE status = :s",
		Params: map[string]any{"s": "active"},
	}}
	b := open(t, cfg)

	assert.Equal(t, []string{"a"}, b.Replicator().Peers())
	assert.True(t, has(b, "tasks", "A"))
	assert.False(t, has(b, "tasks", "B"))
}

func TestOpen_SchemaValidation(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.cue"), []byte(`
collections: tasks: {
	"_id":  string
	status: "active" | "done"
	...
}
`), 0o644))

	cfg := testConfig(t, "a")
	cfg.SchemaDir = dir
	r := open(t, cfg)

	_, err := r.Upsert(context.Background(), "tasks", value.MustObject(map[string]any{"_id": "A", "status": "archived"}), store.ConflictMerge)
	assert.True(t, store.IsValidationError(err), "got %v", err)

	put(t, r, "tasks", map[string]any{"_id": "A", "status": "active"})
	put(t, r, "notes", map[string]any{"_id": "N", "anything": 1})
}

func TestEvict_CoveredDocumentsComeBack(t *testing.T) {
	ctx := context.Background()
	a := open(t, testConfig(t, "a"))
	put(t, a, "tasks", map[string]any{"_id": "A", "status": "active"})

	b := open(t, testConfig(t, "b"))
	require.NoError(t, b.Connect(ctx, serve(t, a)))
	_, err := b.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)
	require.True(t, has(b, "tasks", "A"))

	res, err := b.Evict(ctx, "EVICT FROM tasks WHERE _id = 'A'", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.IDs)
	assert.True(t, has(b, "tasks", "A"), "active subscription pulls evicted documents again")
}

func TestEvict_AfterCancelStaysEvicted(t *testing.T) {
	ctx := context.Background()
	a := open(t, testConfig(t, "a"))
	put(t, a, "tasks", map[string]any{"_id": "A", "status": "active"})

	b := open(t, testConfig(t, "b"))
	require.NoError(t, b.Connect(ctx, serve(t, a)))
	sub, err := b.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)
	require.True(t, has(b, "tasks", "A"))

	require.NoError(t, sub.Cancel(ctx))
	_, err = b.Evict(ctx, "EVICT FROM tasks WHERE _id = 'A'", nil)
	require.NoError(t, err)
	assert.False(t, has(b, "tasks", "A"))

	put(t, a, "tasks", map[string]any{"_id": "A", "status": "done"})
	time.Sleep(50 * time.Millisecond)
	assert.False(t, has(b, "tasks", "A"))
}

func TestEvict_ResubscribeRestoresDocuments(t *testing.T) {
	ctx := context.Background()
	a := open(t, testConfig(t, "a"))
	put(t, a, "tasks", map[string]any{"_id": "A", "status": "active"})

	b := open(t, testConfig(t, "b"))
	require.NoError(t, b.Connect(ctx, serve(t, a)))
	sub, err := b.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)
	require.NoError(t, sub.Cancel(ctx))
	_, err = b.Evict(ctx, "EVICT FROM tasks WHERE _id = 'A'", nil)
	require.NoError(t, err)
	require.False(t, has(b, "tasks", "A"))

	_, err = b.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)
	assert.True(t, has(b, "tasks", "A"))
}

func TestEvict_RejectsSelect(t *testing.T) {
	r := open(t, testConfig(t, "a"))
	_, err := r.Evict(context.Background(), "SELECT * FROM tasks", nil)
	assert.ErrorContains(t, err, "expected EVICT")
}

func TestObserveManual_WaitsForSignal(t *testing.T) {
	ctx := context.Background()
	r := open(t, testConfig(t, "a"))

	updates := make(chan *observer.Update, 8)
	ch, err := r.ObserveManual(ctx, "SELECT * FROM tasks", nil, func(_ context.Context, u *observer.Update) error {
		updates <- u
		return nil
	})
	require.NoError(t, err)
	defer ch.Cancel()

	first := <-updates
	assert.Empty(t, first.Items)

	put(t, r, "tasks", map[string]any{"_id": "A"})
	put(t, r, "tasks", map[string]any{"_id": "B"})
	select {
	case u := <-updates:
		t.Fatalf("delivered before signal: %v", observer.IDs(u.Items))
	case <-time.After(50 * time.Millisecond):
	}

	first.Signal()
	select {
	case u := <-updates:
		assert.Equal(t, []string{"A", "B"}, observer.IDs(u.Items))
	case <-time.After(waitFor):
		t.Fatal("no update after signal")
	}
}

func TestExecute(t *testing.T) {
	r := open(t, testConfig(t, "a"))
	put(t, r, "tasks", map[string]any{"_id": "A", "n": 2})
	put(t, r, "tasks", map[string]any{"_id": "B", "n": 1})

	res, err := r.Execute(context.Background(), "SELECT * FROM tasks ORDER BY n", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, observer.IDs(res.Items))
	assert.Equal(t, r.Store().Version(), res.Version)
}

func TestHandler_Metrics(t *testing.T) {
	r := open(t, testConfig(t, "a"))
	ts := httptest.NewServer(r.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "syncgate_")
}

func TestServe_RequiresAddress(t *testing.T) {
	r := open(t, testConfig(t, "a"))
	assert.Error(t, r.Serve(context.Background()))
}

func TestClose_Idempotent(t *testing.T) {
	r, err := Open(context.Background(), testConfig(t, "a"))
	require.NoError(t, err)
	require.NoError(t, r.Close(context.Background()))
	require.NoError(t, r.Close(context.Background()))
}
