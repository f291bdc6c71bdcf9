package retrieve

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/umbra/internal/registry"
	"github.com/ssd-technologies/umbra/internal/storage"
	"github.com/ssd-technologies/umbra/internal/transport"
	"github.com/ssd-technologies/umbra/internal/wire"
)

const (
	testChunk   = 64
	serviceAddr = "service"
)

type memHistory struct {
	mu      sync.Mutex
	records []storage.Download
}

func (h *memHistory) RecordDownload(d *storage.Download) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, *d)
	return nil
}

func (h *memHistory) all() []storage.Download {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]storage.Download(nil), h.records...)
}

type harness struct {
	net     *transport.Network
	peer    *peer
	engine  *Engine
	reg     *registry.Registry
	history *memHistory
	dir     string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	net := transport.NewNetwork(wire.DataOverhead + testChunk)
	svc := net.Join(serviceAddr)
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = t.TempDir()
	}
	reg := registry.New()
	hist := &memHistory{}
	engine := New(cfg, net.Join(""), reg, hist, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return &harness{
		net:     net,
		peer:    &peer{t: t, ep: svc},
		engine:  engine,
		reg:     reg,
		history: hist,
		dir:     cfg.DownloadDir,
	}
}

// peer plays the serving side by hand.
type peer struct {
	t  *testing.T
	ep *transport.Endpoint
}

func (p *peer) expect() (wire.Command, []transport.ReplyToken) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	in, err := p.ep.Receive(ctx)
	require.NoError(p.t, err)
	cmd, err := wire.Decode(in.Payload)
	require.NoError(p.t, err)
	return cmd, in.ReplyTokens
}

func (p *peer) expectSilence() {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := p.ep.Receive(ctx)
	require.ErrorIs(p.t, err, context.DeadlineExceeded)
}

func (p *peer) reply(tok transport.ReplyToken, cmd wire.Command) {
	p.t.Helper()
	payload, err := wire.Encode(cmd)
	require.NoError(p.t, err)
	require.NoError(p.t, p.ep.Reply(context.Background(), tok, payload))
}

// expectDownload receives a DOWNLOAD and returns it with its tokens.
func (p *peer) expectDownload(name string) (wire.Download, []transport.ReplyToken) {
	p.t.Helper()
	cmd, tokens := p.expect()
	d, ok := cmd.(wire.Download)
	require.True(p.t, ok, "expected DOWNLOAD, got %s", cmd.Kind())
	require.Equal(p.t, name, d.Name)
	return d, tokens
}

func ackFor(id wire.ID, content []byte) wire.Ack {
	sum := sha3.Sum256(content)
	return wire.Ack{
		ID:         id,
		TotalSize:  uint64(len(content)),
		ChunkCount: wire.ChunkCount(uint64(len(content)), testChunk),
		ChunkSize:  testChunk,
		Digest:     sum[:],
	}
}

func chunk(id wire.ID, content []byte, i int) wire.Data {
	end := min((i+1)*testChunk, len(content))
	return wire.Data{ID: id, Index: uint64(i), Payload: content[i*testChunk : end]}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func (h *harness) waitState(t *testing.T, id string, state registry.State) registry.Request {
	t.Helper()
	var req registry.Request
	require.Eventually(t, func() bool {
		var err error
		req, err = h.reg.Download(id)
		return err == nil && req.State == state
	}, 2*time.Second, 5*time.Millisecond, "request %s never reached %s", id, state)
	return req
}

func (h *harness) submit(t *testing.T, raw string) registry.Request {
	t.Helper()
	req, err := h.engine.Submit(context.Background(), raw)
	require.NoError(t, err)
	return req
}

func (h *harness) dirEntries(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestReverseOrderReassembly(t *testing.T) {
	h := newHarness(t, Config{})
	content := randomBytes(t, 10*testChunk-5)

	req := h.submit(t, serviceAddr+"::report.pdf")
	require.Equal(t, registry.StateAwaitingAck, req.State)

	dl, tokens := h.peer.expectDownload("report.pdf")
	require.Len(t, tokens, 17)
	h.peer.reply(tokens[0], ackFor(dl.ID, content))
	for i := 9; i >= 0; i-- {
		h.peer.reply(tokens[10-i], chunk(dl.ID, content, i))
	}

	done := h.waitState(t, req.ID, registry.StateCompleted)
	require.Equal(t, filepath.Join(h.dir, "report.pdf"), done.Path)
	got, err := os.ReadFile(done.Path)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.EqualValues(t, 10, done.Received)
	require.Equal(t, 1.0, done.Progress())
	require.Equal(t, []string{"report.pdf"}, h.dirEntries(t))
	h.peer.expectSilence()

	hist := h.history.all()
	require.Len(t, hist, 1)
	require.Equal(t, string(registry.StateCompleted), hist[0].State)
	require.Equal(t, done.Path, hist[0].Path)
}

func TestShuffledDuplicatedAndEarlyChunks(t *testing.T) {
	h := newHarness(t, Config{Prefetch: 32})
	content := randomBytes(t, 12*testChunk+1)
	n := 13

	req := h.submit(t, serviceAddr+"::data.bin")
	dl, tokens := h.peer.expectDownload("data.bin")

	order := mrand.Perm(n)
	// Two chunks overtake the ACK and three arrive twice.
	sends := append([]int{order[0], order[1]}, -1)
	sends = append(sends, order[2:]...)
	sends = append(sends, order[0], order[5], order[n-1])
	require.LessOrEqual(t, len(sends), len(tokens))

	for i, idx := range sends {
		if idx < 0 {
			h.peer.reply(tokens[i], ackFor(dl.ID, content))
			continue
		}
		h.peer.reply(tokens[i], chunk(dl.ID, content, idx))
	}

	done := h.waitState(t, req.ID, registry.StateCompleted)
	got, err := os.ReadFile(done.Path)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestNoCompletionOnPartialSet(t *testing.T) {
	h := newHarness(t, Config{})
	content := randomBytes(t, 10*testChunk)

	req := h.submit(t, serviceAddr+"::partial.bin")
	dl, tokens := h.peer.expectDownload("partial.bin")
	h.peer.reply(tokens[0], ackFor(dl.ID, content))
	for i := 0; i < 10; i++ {
		if i == 4 {
			continue
		}
		h.peer.reply(tokens[i+1], chunk(dl.ID, content, i))
	}

	require.Eventually(t, func() bool {
		cur, err := h.reg.Download(req.ID)
		return err == nil && cur.Received == 9
	}, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool {
		cur, _ := h.reg.Download(req.ID)
		return cur.State != registry.StateTransferring
	}, 100*time.Millisecond, 10*time.Millisecond)
	_, err := os.Stat(filepath.Join(h.dir, "partial.bin"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRejectedDownload(t *testing.T) {
	h := newHarness(t, Config{})
	req := h.submit(t, serviceAddr+"::missing.txt")
	dl, tokens := h.peer.expectDownload("missing.txt")
	h.peer.reply(tokens[0], wire.Reject{ID: dl.ID, Reason: wire.ReasonUnavailable})

	done := h.waitState(t, req.ID, registry.StateRejected)
	require.Equal(t, registry.Reason("unavailable"), done.Reason)
	require.Empty(t, h.dirEntries(t))
}

func TestTimeoutThenResubmit(t *testing.T) {
	h := newHarness(t, Config{InactivityTimeout: 150 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	content := randomBytes(t, 10*testChunk)
	raw := serviceAddr + "::slow.bin"

	first := h.submit(t, raw)
	dl, tokens := h.peer.expectDownload("slow.bin")
	h.peer.reply(tokens[0], ackFor(dl.ID, content))
	for i := 0; i < 5; i++ {
		h.peer.reply(tokens[i+1], chunk(dl.ID, content, i))
	}

	failed := h.waitState(t, first.ID, registry.StateFailed)
	require.Equal(t, registry.ReasonTimeout, failed.Reason)
	require.EqualValues(t, 5, failed.Received)
	require.Empty(t, h.dirEntries(t))

	// Late chunks for the failed request are ignored.
	h.peer.reply(tokens[6], chunk(dl.ID, content, 5))

	second := h.submit(t, raw)
	require.NotEqual(t, first.ID, second.ID)
	dl2, tokens2 := h.peer.expectDownload("slow.bin")
	require.NotEqual(t, dl.ID, dl2.ID)
	h.peer.reply(tokens2[0], ackFor(dl2.ID, content))
	for i := 0; i < 10; i++ {
		h.peer.reply(tokens2[i+1], chunk(dl2.ID, content, i))
	}

	done := h.waitState(t, second.ID, registry.StateCompleted)
	got, err := os.ReadFile(done.Path)
	require.NoError(t, err)
	require.Equal(t, content, got)

	cur, err := h.reg.Download(first.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateFailed, cur.State)
}

func TestSubmitDeduplicatesInFlight(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.submit(t, serviceAddr+"::same.txt")
	b := h.submit(t, " "+serviceAddr+"::same.txt ")
	require.Equal(t, a.ID, b.ID)

	h.peer.expectDownload("same.txt")
	h.peer.expectSilence()
}

func TestSubmitUserErrors(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.engine.Submit(context.Background(), "no-separator")
	require.ErrorIs(t, err, ErrBadLink)
	_, err = h.engine.Submit(context.Background(), serviceAddr+"::../etc/passwd")
	require.ErrorIs(t, err, ErrBadLink)

	missing := newHarness(t, Config{DownloadDir: filepath.Join(t.TempDir(), "nope")})
	_, err = missing.engine.Submit(context.Background(), serviceAddr+"::a.txt")
	require.ErrorIs(t, err, ErrDownloadDir)

	h.peer.expectSilence()
	missing.peer.expectSilence()
	require.Empty(t, h.reg.Downloads(time.Time{}))
}

func TestIntegrityFailure(t *testing.T) {
	h := newHarness(t, Config{})
	content := randomBytes(t, 3*testChunk)
	req := h.submit(t, serviceAddr+"::tampered.bin")
	dl, tokens := h.peer.expectDownload("tampered.bin")

	ack := ackFor(dl.ID, content)
	tampered := append([]byte(nil), content...)
	tampered[10] ^= 0xff
	h.peer.reply(tokens[0], ack)
	for i := 0; i < 3; i++ {
		h.peer.reply(tokens[i+1], chunk(dl.ID, tampered, i))
	}

	failed := h.waitState(t, req.ID, registry.StateFailed)
	require.Equal(t, registry.ReasonIntegrity, failed.Reason)
	require.Empty(t, h.dirEntries(t))
}

func TestTooLarge(t *testing.T) {
	h := newHarness(t, Config{MaxFileSize: 100})
	content := randomBytes(t, 3*testChunk)
	req := h.submit(t, serviceAddr+"::huge.bin")
	dl, tokens := h.peer.expectDownload("huge.bin")
	h.peer.reply(tokens[0], ackFor(dl.ID, content))

	failed := h.waitState(t, req.ID, registry.StateFailed)
	require.Equal(t, registry.ReasonTooLarge, failed.Reason)
}

func TestAckWithForeignChunkingFails(t *testing.T) {
	tests := []struct {
		name      string
		total     uint64
		chunkSize uint64
		maxChunks uint64
	}{
		{name: "tiny chunks", total: 1 << 30, chunkSize: 1},
		{name: "oversized chunks", total: 10 * testChunk, chunkSize: 2 * testChunk},
		{name: "too many chunks", total: 1 << 40, chunkSize: testChunk},
		{name: "above configured cap", total: 5 * testChunk, chunkSize: testChunk, maxChunks: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{MaxChunks: tt.maxChunks})
			req := h.submit(t, serviceAddr+"::hostile.bin")
			dl, tokens := h.peer.expectDownload("hostile.bin")
			sum := sha3.Sum256(nil)
			h.peer.reply(tokens[0], wire.Ack{
				ID:         dl.ID,
				TotalSize:  tt.total,
				ChunkSize:  tt.chunkSize,
				ChunkCount: wire.ChunkCount(tt.total, tt.chunkSize),
				Digest:     sum[:],
			})

			failed := h.waitState(t, req.ID, registry.StateFailed)
			require.Equal(t, registry.ReasonProtocol, failed.Reason)
			require.Zero(t, failed.Received)
			require.Empty(t, h.dirEntries(t))
			h.peer.expectSilence()
		})
	}
}

func TestEmptyFile(t *testing.T) {
	h := newHarness(t, Config{})
	req := h.submit(t, serviceAddr+"::empty.txt")
	dl, tokens := h.peer.expectDownload("empty.txt")
	h.peer.reply(tokens[0], ackFor(dl.ID, nil))

	done := h.waitState(t, req.ID, registry.StateCompleted)
	info, err := os.Stat(done.Path)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestFinalNameDoesNotOverwrite(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "notes.txt"), []byte("mine"), 0o644))
	content := []byte("theirs")

	req := h.submit(t, serviceAddr+"::notes.txt")
	dl, tokens := h.peer.expectDownload("notes.txt")
	h.peer.reply(tokens[0], ackFor(dl.ID, content))
	h.peer.reply(tokens[1], chunk(dl.ID, content, 0))

	done := h.waitState(t, req.ID, registry.StateCompleted)
	require.Equal(t, filepath.Join(h.dir, "notes (1).txt"), done.Path)
	mine, err := os.ReadFile(filepath.Join(h.dir, "notes.txt"))
	require.NoError(t, err)
	require.Equal(t, "mine", string(mine))
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Config{})
	content := randomBytes(t, 4*testChunk)
	req := h.submit(t, serviceAddr+"::big.iso")
	dl, tokens := h.peer.expectDownload("big.iso")
	h.peer.reply(tokens[0], ackFor(dl.ID, content))
	h.peer.reply(tokens[1], chunk(dl.ID, content, 0))
	require.Eventually(t, func() bool {
		cur, _ := h.reg.Download(req.ID)
		return cur.Received == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Cancel(context.Background(), req.ID))
	cur, err := h.reg.Download(req.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateFailed, cur.State)
	require.Equal(t, registry.ReasonCancelled, cur.Reason)
	require.Empty(t, h.dirEntries(t))

	for i := 1; i < 4; i++ {
		h.peer.reply(tokens[i+1], chunk(dl.ID, content, i))
	}
	require.Never(t, func() bool {
		cur, _ := h.reg.Download(req.ID)
		return cur.State != registry.StateFailed
	}, 100*time.Millisecond, 10*time.Millisecond)

	require.ErrorIs(t, h.engine.Cancel(context.Background(), req.ID), ErrFinished)
	require.ErrorIs(t, h.engine.Cancel(context.Background(), "missing"), registry.ErrNotFound)
	h.peer.expectSilence()
}

func TestReplenishKeepsTransferGoing(t *testing.T) {
	h := newHarness(t, Config{Prefetch: 2, LowWater: 2, ReplenishBatch: 3})
	content := randomBytes(t, 10*testChunk)
	req := h.submit(t, serviceAddr+"::stream.bin")
	dl, tokens := h.peer.expectDownload("stream.bin")
	require.Len(t, tokens, 3)

	h.peer.reply(tokens[0], ackFor(dl.ID, content))
	tokens = tokens[1:]
	next := 0
	for {
		for len(tokens) > 0 && next < 10 {
			h.peer.reply(tokens[0], chunk(dl.ID, content, next))
			tokens = tokens[1:]
			next++
		}
		if next == 10 {
			break
		}
		cmd, more := h.peer.expect()
		rep, ok := cmd.(wire.Replenish)
		require.True(t, ok, "expected REPLENISH, got %s", cmd.Kind())
		require.Equal(t, dl.ID, rep.ID)
		require.NotEmpty(t, more)
		require.LessOrEqual(t, len(more), 3)
		tokens = append(tokens, more...)
	}

	done := h.waitState(t, req.ID, registry.StateCompleted)
	got, err := os.ReadFile(done.Path)
	require.NoError(t, err)
	require.Equal(t, content, got)

	// One token for the ACK and one per chunk, never more.
	minted, _ := h.net.TokenStats()
	require.Equal(t, 11, minted)
	require.EqualValues(t, 11, done.Budget.Supplied)
	require.Empty(t, tokens)
	h.peer.expectSilence()
}

func TestExploreAndSearch(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	req, err := h.engine.Explore(ctx, serviceAddr)
	require.NoError(t, err)
	cmd, tokens := h.peer.expect()
	get, ok := cmd.(wire.GetAdvertise)
	require.True(t, ok)
	require.Len(t, tokens, 8)

	entries := []wire.Entry{
		{Name: "Holiday Notes.txt", Size: 10},
		{Name: "photo.jpg", Size: 2048},
		{Name: "notes-2025.md", Size: 77},
	}
	pages, err := wire.PackAdvertise(get.ID, entries, wire.DataOverhead+testChunk)
	require.NoError(t, err)
	require.Greater(t, len(pages), 1)
	for i := len(pages) - 1; i >= 0; i-- {
		h.peer.reply(tokens[i], pages[i])
	}
	// A repeated page changes nothing.
	h.peer.reply(tokens[len(pages)], pages[0])

	require.Eventually(t, func() bool {
		cur, err := h.reg.Explore(req.ID)
		return err == nil && cur.State == registry.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
	done, err := h.reg.Explore(req.ID)
	require.NoError(t, err)
	require.Equal(t, entries, done.Entries)
	require.Equal(t, len(pages), done.Pages)
	require.False(t, done.Truncated)

	hits, err := h.engine.Search(req.ID, "NOTES")
	require.NoError(t, err)
	require.Equal(t, []wire.Entry{entries[0], entries[2]}, hits)
}

func TestExploreTruncatedListing(t *testing.T) {
	h := newHarness(t, Config{})
	req, err := h.engine.Explore(context.Background(), serviceAddr)
	require.NoError(t, err)
	cmd, tokens := h.peer.expect()

	entries := []wire.Entry{{Name: "a.txt", Size: 1}}
	h.peer.reply(tokens[0], wire.Advertise{ID: cmd.Correlation(), Entries: entries, Truncated: true})

	require.Eventually(t, func() bool {
		cur, err := h.reg.Explore(req.ID)
		return err == nil && cur.State == registry.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
	done, err := h.reg.Explore(req.ID)
	require.NoError(t, err)
	require.True(t, done.Truncated)
	require.Equal(t, entries, done.Entries)
}

func TestExploreRejected(t *testing.T) {
	h := newHarness(t, Config{})
	req, err := h.engine.Explore(context.Background(), serviceAddr)
	require.NoError(t, err)
	cmd, tokens := h.peer.expect()
	h.peer.reply(tokens[0], wire.Reject{ID: cmd.Correlation(), Reason: wire.ReasonNotAdvertising})

	require.Eventually(t, func() bool {
		cur, err := h.reg.Explore(req.ID)
		return err == nil && cur.State == registry.StateRejected && cur.Reason == "not-advertising"
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.engine.Explore(context.Background(), "bad address")
	require.ErrorIs(t, err, ErrBadLink)
}

func TestRunFailsInFlightOnShutdown(t *testing.T) {
	net := transport.NewNetwork(wire.DataOverhead + testChunk)
	net.Join(serviceAddr)
	reg := registry.New()
	engine := New(Config{DownloadDir: t.TempDir()}, net.Join(""), reg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	req, err := engine.Submit(context.Background(), serviceAddr+"::a.txt")
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-done)

	cur, err := reg.Download(req.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateFailed, cur.State)
	require.Equal(t, registry.ReasonCancelled, cur.Reason)

	late, err := engine.Submit(context.Background(), serviceAddr+"::b.txt")
	require.ErrorIs(t, err, ErrStopped)
	cur, err = reg.Download(late.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateFailed, cur.State)
}
