package control

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

	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/umbra/internal/catalog"
	"github.com/ssd-technologies/umbra/internal/registry"
	"github.com/ssd-technologies/umbra/internal/retrieve"
	"github.com/ssd-technologies/umbra/internal/serve"
	"github.com/ssd-technologies/umbra/internal/storage"
	"github.com/ssd-technologies/umbra/internal/transport"
	"github.com/ssd-technologies/umbra/internal/wire"
)

const testAddress = "svc"

type env struct {
	client   *Client
	srv      *httptest.Server
	cat      *catalog.Catalog
	db       *storage.DB
	shareDir string
}

// newEnv runs a serving and a retrieving engine over an in-memory network
// behind one control API, so a node can fetch from itself.
func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	db, err := storage.NewDB(filepath.Join(dir, "umbra.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cat := catalog.New(db, logger)
	require.NoError(t, cat.Load())

	net := transport.NewNetwork(wire.DataOverhead + 128)
	srvEngine, err := serve.New(serve.Config{}, net.Join(testAddress), cat, logger)
	require.NoError(t, err)

	downloads := filepath.Join(dir, "downloads")
	require.NoError(t, os.Mkdir(downloads, 0o755))
	ret := retrieve.New(retrieve.Config{DownloadDir: downloads}, net.Join(""), registry.New(), db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go srvEngine.Run(ctx)
	go ret.Run(ctx)
	t.Cleanup(cancel)

	s := New(Deps{Catalog: cat, Retrieve: ret, History: db, Address: testAddress, Logger: logger})
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	shares := filepath.Join(dir, "shares")
	require.NoError(t, os.Mkdir(shares, 0o755))
	return &env{client: NewClient(ts.URL), srv: ts, cat: cat, db: db, shareDir: shares}
}

func (e *env) writeShare(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(e.shareDir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func requireStatus(t *testing.T, err error, status int) {
	t.Helper()
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, status, apiErr.Status)
}

func TestHealthAndIdentity(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	id, err := e.client.Identity(context.Background())
	require.NoError(t, err)
	require.Equal(t, testAddress, id.Address)
}

func TestShareLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f, err := e.client.AddShare(ctx, e.writeShare(t, "report.pdf", "pdf bytes"))
	require.NoError(t, err)
	require.False(t, f.Active)
	require.True(t, f.Advertise)
	require.EqualValues(t, 9, f.Size)

	f, err = e.client.SetActive(ctx, f.ID, true)
	require.NoError(t, err)
	require.True(t, f.Active)

	l, err := e.client.ShareLink(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, testAddress+"::report.pdf", l)

	f, err = e.client.SetAdvertise(ctx, f.ID, false)
	require.NoError(t, err)
	require.False(t, f.Advertise)

	shares, err := e.client.Shares(ctx)
	require.NoError(t, err)
	require.Len(t, shares, 1)

	// A second active file with the same name conflicts.
	other := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))
	g, err := e.client.AddShare(ctx, other)
	require.NoError(t, err)
	_, err = e.client.SetActive(ctx, g.ID, true)
	requireStatus(t, err, http.StatusConflict)

	require.NoError(t, e.client.RemoveShare(ctx, f.ID))
	requireStatus(t, e.client.RemoveShare(ctx, f.ID), http.StatusNotFound)

	_, err = e.client.AddShare(ctx, e.shareDir)
	requireStatus(t, err, http.StatusBadRequest)
}

func TestAdvertisingSwitch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	on, err := e.client.Advertising(ctx)
	require.NoError(t, err)
	require.True(t, on)

	require.NoError(t, e.client.SetAdvertising(ctx, false))
	on, err = e.client.Advertising(ctx)
	require.NoError(t, err)
	require.False(t, on)

	stored, err := e.db.GetSetting("advertising")
	require.NoError(t, err)
	require.Equal(t, "false", stored)
}

func TestBadRequests(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Post(e.srv.URL+"/api/shares", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(e.srv.URL+"/api/downloads", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = e.client.Submit(context.Background(), "not a link")
	requireStatus(t, err, http.StatusBadRequest)

	_, err = e.client.Downloads(context.Background(), "yesterday")
	requireStatus(t, err, http.StatusBadRequest)

	_, err = e.client.Download(context.Background(), "missing")
	requireStatus(t, err, http.StatusNotFound)
}

func TestDownloadFromSelf(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	content := strings.Repeat("umbra ", 200)

	f, err := e.client.AddShare(ctx, e.writeShare(t, "notes.txt", content))
	require.NoError(t, err)
	_, err = e.client.SetActive(ctx, f.ID, true)
	require.NoError(t, err)
	l, err := e.client.ShareLink(ctx, f.ID)
	require.NoError(t, err)

	d, err := e.client.Submit(ctx, l)
	require.NoError(t, err)
	require.True(t, d.Live)

	require.Eventually(t, func() bool {
		cur, err := e.client.Download(ctx, d.ID)
		return err == nil && cur.State == string(registry.StateCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	cur, err := e.client.Download(ctx, d.ID)
	require.NoError(t, err)
	got, err := os.ReadFile(cur.Path)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
	require.Equal(t, 1.0, cur.Progress)

	list, err := e.client.Downloads(ctx, "session")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, d.ID, list[0].ID)

	requireStatus(t, e.client.Cancel(ctx, d.ID), http.StatusConflict)

	require.Eventually(t, func() bool {
		recs, err := e.db.ListDownloads(0)
		return err == nil && len(recs) == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, e.client.RemoveDownload(ctx, d.ID))
	list, err = e.client.Downloads(ctx, "")
	require.NoError(t, err)
	require.Empty(t, list)

	shared, err := e.cat.Get(f.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, shared.Downloads)
}

func TestHistoryFromEarlierSessions(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.db.RecordDownload(&storage.Download{
		ID: "old", Link: "x::a.txt", State: "completed", Size: 3,
		CreatedAt: time.Now().Add(-48 * time.Hour).Unix(), FinishedAt: time.Now().Add(-47 * time.Hour).Unix(),
	}))

	all, err := e.client.Downloads(context.Background(), "all")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.False(t, all[0].Live)
	require.Equal(t, 1.0, all[0].Progress)

	today, err := e.client.Downloads(context.Background(), "today")
	require.NoError(t, err)
	require.Empty(t, today)
}

func TestExploreAndSearch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, name := range []string{"Notes.txt", "photo.jpg", "notes-old.md"} {
		f, err := e.client.AddShare(ctx, e.writeShare(t, name, name))
		require.NoError(t, err)
		_, err = e.client.SetActive(ctx, f.ID, true)
		require.NoError(t, err)
	}

	x, err := e.client.Explore(ctx, testAddress)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cur, err := e.client.GetExplore(ctx, x.ID)
		return err == nil && cur.State == registry.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cur, err := e.client.GetExplore(ctx, x.ID)
	require.NoError(t, err)
	require.Len(t, cur.Entries, 3)

	hits, err := e.client.Search(ctx, x.ID, "notes")
	require.NoError(t, err)
	require.Len(t, hits, 2)

	all, err := e.client.Explores(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	_, err := e.client.Shares(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "umbra_http_requests_total")
}
