package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/umbra/internal/catalog"
	"github.com/ssd-technologies/umbra/internal/metrics"
	"github.com/ssd-technologies/umbra/internal/transport"
	"github.com/ssd-technologies/umbra/internal/wire"
)

type txState int

const (
	stateTransmitting txState = iota
	statePaused               // waiting for REPLENISH
)

func (s txState) String() string {
	if s == statePaused {
		return "paused"
	}
	return "transmitting"
}

// Budget counts the reply tokens a peer supplied for one request and how many
// of them were redeemed. Redeemed never exceeds Supplied.
type Budget struct {
	Supplied uint64
	Redeemed uint64
}

// transmission is the server-side state of one admitted download.
type transmission struct {
	id           wire.ID
	file         catalog.File
	f            *os.File
	size         uint64
	chunkCount   uint64
	next         uint64 // index of the next chunk to send
	tokens       []transport.ReplyToken
	seenTokens   map[string]struct{}
	budget       Budget
	state        txState
	queued       bool
	lastActivity time.Time
}

func (t *transmission) close() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
}

// take pops the next reply token.
func (t *transmission) take() (transport.ReplyToken, error) {
	if len(t.tokens) == 0 {
		return nil, errNoToken
	}
	tok := t.tokens[0]
	t.tokens = t.tokens[1:]
	t.budget.Redeemed++
	return tok, nil
}

// addTokens stores tokens not seen before, up to limit held at once, and
// returns how many were accepted.
func (t *transmission) addTokens(tokens []transport.ReplyToken, limit int) int {
	n := 0
	for _, tok := range tokens {
		if len(t.tokens) >= limit {
			break
		}
		key := string(tok)
		if _, dup := t.seenTokens[key]; dup {
			continue
		}
		t.seenTokens[key] = struct{}{}
		t.tokens = append(t.tokens, tok)
		t.budget.Supplied++
		n++
	}
	return n
}

// admission is a DOWNLOAD that passed the cheap checks and waits for its
// file to be opened and hashed off the engine loop.
type admission struct {
	req    wire.Download
	file   catalog.File
	tokens []transport.ReplyToken

	f      *os.File
	size   uint64
	digest []byte
	err    error
}

// digestKey identifies one version of a file on disk.
type digestKey struct {
	path    string
	size    int64
	modTime int64
}

func (k digestKey) String() string {
	return fmt.Sprintf("%s\x00%d\x00%d", k.path, k.size, k.modTime)
}

// ctxReader stops a long read once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func hashFile(ctx context.Context, f *os.File, size int64) ([]byte, error) {
	h := sha3.New256()
	if _, err := io.Copy(h, ctxReader{ctx: ctx, r: io.NewSectionReader(f, 0, size)}); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// openFile opens a catalog file and returns its size and digest. Digests are
// cached per path, size and modification time, and concurrent admissions of
// the same file share one hash pass.
func (e *Engine) openFile(ctx context.Context, path string) (*os.File, uint64, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, nil, fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	key := digestKey{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if digest, ok := e.digests.Get(key); ok {
		return f, uint64(info.Size()), digest, nil
	}
	v, err, _ := e.hashing.Do(key.String(), func() (any, error) {
		digest, err := e.hashFile(ctx, f, info.Size())
		if err != nil {
			return nil, err
		}
		e.digests.Add(key, digest)
		return digest, nil
	})
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}
	return f, uint64(info.Size()), v.([]byte), nil
}

func (e *Engine) admit(ctx context.Context, c wire.Download, tokens []transport.ReplyToken) {
	const kind = "download"
	if !e.firstSeen(c.ID) {
		metrics.ServeDropped.WithLabelValues("duplicate").Inc()
		e.logger.Debug("dropping duplicate download", "corr", c.ID)
		return
	}
	if len(tokens) == 0 {
		metrics.ServeDropped.WithLabelValues("no_tokens").Inc()
		return
	}
	victim, ok := e.slot()
	if !ok || !e.limiter.Allow() {
		e.reject(ctx, kind, c.ID, tokens, wire.ReasonBusy)
		return
	}

	file, err := e.cat.LookupActive(c.Name)
	if err != nil {
		e.reject(ctx, kind, c.ID, tokens, wire.ReasonUnavailable)
		return
	}
	if victim != nil {
		metrics.ServeDropped.WithLabelValues("evicted").Inc()
		e.logger.Info("evicting paused transmission", "corr", victim.id, "name", victim.file.Name,
			"idle", e.now().Sub(victim.lastActivity), "for", c.ID)
		e.discard(victim.id)
	}

	e.pending[c.ID] = struct{}{}
	e.preparing.Add(1)
	go e.prepare(ctx, admission{req: c, file: file, tokens: tokens})
}

// slot reports whether a new admission fits. When the transmission table is
// full, the paused transmission idle the longest is offered for eviction.
func (e *Engine) slot() (victim *transmission, ok bool) {
	if len(e.pending) >= e.cfg.MaxPreparing {
		return nil, false
	}
	if len(e.tx)+len(e.pending) < e.cfg.MaxTransmissions {
		return nil, true
	}
	for _, t := range e.tx {
		if t.state == statePaused && (victim == nil || t.lastActivity.Before(victim.lastActivity)) {
			victim = t
		}
	}
	return victim, victim != nil
}

// prepare runs outside the engine loop and hands the admission back to Run.
func (e *Engine) prepare(ctx context.Context, a admission) {
	defer e.preparing.Done()
	a.f, a.size, a.digest, a.err = e.openFile(ctx, a.file.Path)
	select {
	case e.prepared <- a:
	case <-ctx.Done():
		if a.f != nil {
			a.f.Close()
		}
	}
}

// finishAdmit acknowledges a prepared admission and starts its transmission.
func (e *Engine) finishAdmit(ctx context.Context, a admission) {
	const kind = "download"
	delete(e.pending, a.req.ID)
	c := a.req
	if a.err != nil {
		reason := wire.ReasonInternal
		if errors.Is(a.err, fs.ErrNotExist) {
			reason = wire.ReasonUnavailable
		}
		e.logger.Warn("open shared file", "name", a.file.Name, "path", a.file.Path, "err", a.err)
		e.reject(ctx, kind, c.ID, a.tokens, reason)
		return
	}
	// The file may have been switched off while it was hashed.
	if cur, err := e.cat.LookupActive(c.Name); err != nil || cur.ID != a.file.ID {
		a.f.Close()
		e.reject(ctx, kind, c.ID, a.tokens, wire.ReasonUnavailable)
		return
	}

	t := &transmission{
		id:           c.ID,
		file:         a.file,
		f:            a.f,
		size:         a.size,
		chunkCount:   wire.ChunkCount(a.size, uint64(e.chunkSize)),
		seenTokens:   make(map[string]struct{}, len(a.tokens)),
		lastActivity: e.now(),
	}
	t.addTokens(a.tokens, e.cfg.MaxHeldTokens)

	tok, _ := t.take()
	ack := wire.Ack{
		ID:         c.ID,
		TotalSize:  a.size,
		ChunkCount: t.chunkCount,
		ChunkSize:  uint64(e.chunkSize),
		Digest:     a.digest,
	}
	if err := e.reply(ctx, tok, ack); err != nil {
		t.close()
		e.logger.Warn("send ack", "corr", c.ID, "err", err)
		return
	}
	metrics.ServeRequests.WithLabelValues(kind, "admitted").Inc()
	e.logger.Info("download admitted", "corr", c.ID, "name", a.file.Name,
		"size", a.size, "chunks", t.chunkCount, "tokens", t.budget.Supplied)

	e.tx[c.ID] = t
	e.active.Add(1)
	metrics.ServeTransmissions.Inc()
	if t.chunkCount == 0 {
		e.complete(t)
		return
	}
	e.schedule(t)
}

func (e *Engine) replenish(c wire.Replenish, tokens []transport.ReplyToken) {
	t, ok := e.tx[c.ID]
	if !ok {
		metrics.ServeDropped.WithLabelValues("unknown_request").Inc()
		e.logger.Debug("dropping replenish for unknown request", "corr", c.ID)
		return
	}
	n := t.addTokens(tokens, e.cfg.MaxHeldTokens)
	t.lastActivity = e.now()
	e.logger.Debug("replenished", "corr", c.ID, "accepted", n, "held", len(t.tokens))
	e.schedule(t)
}

// schedule queues t for sending if it holds tokens, or parks it.
func (e *Engine) schedule(t *transmission) {
	if len(t.tokens) == 0 {
		t.state = statePaused
		return
	}
	t.state = stateTransmitting
	if !t.queued {
		t.queued = true
		e.ready = append(e.ready, t.id)
	}
}

// pump sends up to Burst chunks of the transmission at the head of the ready
// queue.
func (e *Engine) pump(ctx context.Context) {
	id := e.ready[0]
	e.ready = e.ready[1:]
	t, ok := e.tx[id]
	if !ok {
		return
	}
	t.queued = false

	for i := 0; i < e.cfg.Burst && t.next < t.chunkCount && len(t.tokens) > 0; i++ {
		if err := e.sendChunk(ctx, t); err != nil {
			e.abort(ctx, t, err)
			return
		}
	}
	if t.next == t.chunkCount {
		e.complete(t)
		return
	}
	if len(t.tokens) == 0 {
		e.logger.Debug("transmission paused", "corr", id, "sent", t.next, "chunks", t.chunkCount)
	}
	e.schedule(t)
}

func (e *Engine) sendChunk(ctx context.Context, t *transmission) error {
	off := t.next * uint64(e.chunkSize)
	n := min(uint64(e.chunkSize), t.size-off)
	buf := e.buf[:n]
	if _, err := t.f.ReadAt(buf, int64(off)); err != nil && !(errors.Is(err, io.EOF) && off+n == t.size) {
		return fmt.Errorf("read chunk %d: %w", t.next, err)
	}
	tok, err := t.take()
	if err != nil {
		return err
	}
	if err := e.reply(ctx, tok, wire.Data{ID: t.id, Index: t.next, Payload: buf}); err != nil {
		return fmt.Errorf("send chunk %d: %w", t.next, err)
	}
	t.next++
	t.lastActivity = e.now()
	metrics.ServeChunks.Inc()
	return nil
}

// abort ends a transmission after a local failure, telling the peer when a
// token is left to do so.
func (e *Engine) abort(ctx context.Context, t *transmission, cause error) {
	e.logger.Warn("transmission aborted", "corr", t.id, "name", t.file.Name, "err", cause)
	if tok, err := t.take(); err == nil {
		if err := e.reply(ctx, tok, wire.Reject{ID: t.id, Reason: wire.ReasonInternal}); err != nil {
			e.logger.Debug("send reject", "corr", t.id, "err", err)
		}
	}
	metrics.ServeRequests.WithLabelValues("download", "aborted").Inc()
	e.discard(t.id)
}

func (e *Engine) complete(t *transmission) {
	e.cat.IncrementDownloads(t.file.ID)
	metrics.ServeRequests.WithLabelValues("download", "completed").Inc()
	e.logger.Info("transmission completed", "corr", t.id, "name", t.file.Name,
		"chunks", t.chunkCount, "tokens_supplied", t.budget.Supplied, "tokens_redeemed", t.budget.Redeemed)
	e.discard(t.id)
}
