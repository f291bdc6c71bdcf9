package retrieve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/umbra/internal/link"
	"github.com/ssd-technologies/umbra/internal/metrics"
	"github.com/ssd-technologies/umbra/internal/registry"
	"github.com/ssd-technologies/umbra/internal/storage"
	"github.com/ssd-technologies/umbra/internal/wire"
)

var errIntegrity = errors.New("integrity check failed")

// download is the engine-side state of one download request.
type download struct {
	id        string
	corr      wire.ID
	link      link.Link
	state     registry.State
	createdAt time.Time

	total      uint64
	chunkSize  uint64
	chunkCount uint64
	digest     []byte

	part     *os.File
	partPath string
	have     *bitset.BitSet
	received uint64
	sent     uint64 // chunks the peer must have sent: highest index seen + 1
	early    []wire.Data

	budget       registry.Budget
	lastActivity time.Time
}

// redeemed estimates the tokens the peer has spent. Chunks are sent in index
// order, so seeing index i means i+1 chunks were sent even if some are still
// in transit.
func (d *download) redeemed() uint64 {
	return 1 + max(d.received, d.sent)
}

func (d *download) outstanding() uint64 {
	r := d.redeemed()
	if r >= d.budget.Supplied {
		return 0
	}
	return d.budget.Supplied - r
}

func (e *Engine) startDownload(ctx context.Context, req registry.Request) {
	d := &download{
		id:           req.ID,
		corr:         req.Correlation,
		link:         req.Link,
		state:        registry.StateCreated,
		createdAt:    req.CreatedAt,
		lastActivity: e.now(),
	}
	log := e.logger.With("request_id", d.id, "corr", d.corr)

	tokens, err := e.mint(ctx, e.cfg.Prefetch+1)
	if err == nil {
		err = e.send(ctx, d.link.Address, wire.Download{ID: d.corr, Name: d.link.Name}, tokens)
	}
	if err != nil {
		log.Warn("send download", "link", d.link.String(), "err", err)
		e.finishDownload(d, registry.StateFailed, registry.ReasonTransport)
		return
	}
	d.budget.Supplied = uint64(len(tokens))
	d.state = registry.StateAwaitingAck
	e.downloads[d.corr] = d
	e.update(d, nil)
	log.Info("download requested", "link", d.link.String(), "tokens", len(tokens))
}

// update copies engine state into the registry entry, applying fn first.
func (e *Engine) update(d *download, fn func(*registry.Request)) {
	_, err := e.reg.UpdateDownload(d.id, func(r *registry.Request) error {
		r.State = d.state
		r.TotalSize = d.total
		r.ChunkSize = d.chunkSize
		r.ChunkCount = d.chunkCount
		r.Received = d.received
		r.Budget = registry.Budget{Supplied: d.budget.Supplied, Redeemed: min(d.redeemed(), d.budget.Supplied)}
		if fn != nil {
			fn(r)
		}
		return nil
	})
	if err != nil {
		e.logger.Error("update download", "request_id", d.id, "err", err)
	}
}

func (e *Engine) onAck(ctx context.Context, d *download, c wire.Ack) {
	if d.state != registry.StateAwaitingAck {
		e.logger.Debug("dropping repeated ack", "request_id", d.id, "corr", d.corr)
		return
	}
	d.lastActivity = e.now()
	d.total, d.chunkSize, d.chunkCount = c.TotalSize, c.ChunkSize, c.ChunkCount
	d.digest = c.Digest

	// The serving peer sits behind the same relay, so its chunks are sized
	// to the payload limit we see too.
	if want := uint64(wire.ChunkSize(e.tr.MaxPayload())); d.chunkSize != want || d.chunkCount > e.cfg.MaxChunks {
		e.logger.Warn("ack announces unusable chunking", "request_id", d.id, "corr", d.corr,
			"chunk_size", d.chunkSize, "want_chunk_size", want, "chunks", d.chunkCount, "max_chunks", e.cfg.MaxChunks)
		e.failDownload(d, registry.ReasonProtocol)
		return
	}
	if e.cfg.MaxFileSize > 0 && d.total > e.cfg.MaxFileSize {
		e.logger.Warn("download too large", "request_id", d.id, "size", d.total, "limit", e.cfg.MaxFileSize)
		e.failDownload(d, registry.ReasonTooLarge)
		return
	}
	if err := e.createPart(d); err != nil {
		e.logger.Error("create partial file", "request_id", d.id, "err", err)
		e.failDownload(d, registry.ReasonIO)
		return
	}
	e.logger.Info("download acknowledged", "request_id", d.id, "corr", d.corr,
		"size", d.total, "chunks", d.chunkCount)

	if d.chunkCount == 0 {
		e.complete(d)
		return
	}
	d.state = registry.StateTransferring
	e.update(d, nil)

	early := d.early
	d.early = nil
	for _, c := range early {
		if e.onData(ctx, d, c); d.state.Terminal() {
			return
		}
	}
	e.maybeReplenish(ctx, d)
}

func (e *Engine) createPart(d *download) error {
	f, err := os.CreateTemp(e.cfg.DownloadDir, ".umbra-"+d.id+"-*.part")
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(d.total)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	d.part = f
	d.partPath = f.Name()
	d.have = bitset.New(uint(d.chunkCount))
	return nil
}

func (e *Engine) onData(ctx context.Context, d *download, c wire.Data) {
	switch d.state {
	case registry.StateAwaitingAck:
		// Replies may overtake the ACK; keep a bounded number until it
		// arrives.
		if len(d.early) < e.cfg.Prefetch {
			d.early = append(d.early, c)
		}
		return
	case registry.StateTransferring:
	default:
		return
	}
	d.lastActivity = e.now()

	if c.Index >= d.chunkCount {
		e.logger.Debug("dropping chunk out of range", "request_id", d.id, "index", c.Index, "chunks", d.chunkCount)
		return
	}
	off := c.Index * d.chunkSize
	if want := min(d.chunkSize, d.total-off); uint64(len(c.Payload)) != want {
		e.logger.Debug("dropping chunk with wrong length", "request_id", d.id, "index", c.Index,
			"len", len(c.Payload), "want", want)
		return
	}
	if d.have.Test(uint(c.Index)) {
		metrics.RetrieveDuplicates.Inc()
		return
	}
	if _, err := d.part.WriteAt(c.Payload, int64(off)); err != nil {
		e.logger.Error("write chunk", "request_id", d.id, "index", c.Index, "err", err)
		e.failDownload(d, registry.ReasonIO)
		return
	}
	d.have.Set(uint(c.Index))
	d.received++
	d.sent = max(d.sent, c.Index+1)
	metrics.RetrieveBytes.Add(float64(len(c.Payload)))

	if d.received == d.chunkCount {
		e.complete(d)
		return
	}
	e.maybeReplenish(ctx, d)
	e.update(d, nil)
}

// maybeReplenish tops up the peer's tokens once the estimate falls below the
// low-water mark, never beyond what the unsent chunks need.
func (e *Engine) maybeReplenish(ctx context.Context, d *download) {
	held := d.outstanding()
	if held >= uint64(e.cfg.LowWater) {
		return
	}
	need := d.chunkCount - max(d.received, d.sent)
	if held >= need {
		return
	}
	n := min(uint64(e.cfg.ReplenishBatch), need-held)
	tokens, err := e.mint(ctx, int(n))
	if err == nil {
		err = e.send(ctx, d.link.Address, wire.Replenish{ID: d.corr}, tokens)
	}
	if err != nil {
		// The inactivity timeout settles it if the peer starves.
		e.logger.Warn("send replenish", "request_id", d.id, "err", err)
		return
	}
	d.budget.Supplied += uint64(len(tokens))
	e.logger.Debug("replenished", "request_id", d.id, "tokens", len(tokens), "outstanding", d.outstanding())
}

// complete verifies the reassembled file and moves it into place.
func (e *Engine) complete(d *download) {
	path, err := e.commit(d)
	if err != nil {
		reason := registry.ReasonIO
		if errors.Is(err, errIntegrity) {
			reason = registry.ReasonIntegrity
		}
		e.logger.Error("finish download", "request_id", d.id, "err", err)
		e.failDownload(d, reason)
		return
	}
	delete(e.downloads, d.corr)
	d.part = nil
	e.logger.Info("download completed", "request_id", d.id, "corr", d.corr, "path", path, "size", d.total)
	e.finishDownload(d, registry.StateCompleted, registry.ReasonNone, func(r *registry.Request) { r.Path = path })
}

func (e *Engine) commit(d *download) (string, error) {
	info, err := d.part.Stat()
	if err != nil {
		return "", err
	}
	if uint64(info.Size()) != d.total {
		return "", fmt.Errorf("%w: size %d, announced %d", errIntegrity, info.Size(), d.total)
	}
	h := sha3.New256()
	if _, err := io.Copy(h, io.NewSectionReader(d.part, 0, info.Size())); err != nil {
		return "", err
	}
	if !bytes.Equal(h.Sum(nil), d.digest) {
		return "", fmt.Errorf("%w: digest mismatch", errIntegrity)
	}
	if err := d.part.Sync(); err != nil {
		return "", err
	}
	if err := d.part.Close(); err != nil {
		return "", err
	}
	final, err := uniquePath(e.cfg.DownloadDir, d.link.Name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(d.partPath, final); err != nil {
		return "", err
	}
	return final, nil
}

// uniquePath returns dir/name, or dir/"stem (n).ext" for the first n that
// does not exist yet.
func uniquePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for i := 1; ; i++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}

func (e *Engine) onDownloadReject(d *download, c wire.Reject) {
	e.logger.Info("download rejected", "request_id", d.id, "corr", d.corr, "reason", c.Reason)
	e.discardPart(d)
	delete(e.downloads, d.corr)
	e.finishDownload(d, registry.StateRejected, registry.Reason(c.Reason.String()))
}

func (e *Engine) failDownload(d *download, reason registry.Reason) {
	e.discardPart(d)
	delete(e.downloads, d.corr)
	e.finishDownload(d, registry.StateFailed, reason)
}

func (e *Engine) discardPart(d *download) {
	if d.part == nil {
		return
	}
	d.part.Close()
	if err := os.Remove(d.partPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.logger.Warn("remove partial file", "path", d.partPath, "err", err)
	}
	d.part = nil
}

// finishDownload records the terminal state in the registry and the history.
func (e *Engine) finishDownload(d *download, state registry.State, reason registry.Reason, fns ...func(*registry.Request)) {
	d.state = state
	var path string
	e.update(d, func(r *registry.Request) {
		r.Reason = reason
		for _, fn := range fns {
			fn(r)
		}
		path = r.Path
	})
	metrics.RetrieveFinished.WithLabelValues("download", string(state), string(reason)).Inc()
	if e.history == nil {
		return
	}
	rec := &storage.Download{
		ID:         d.id,
		Link:       d.link.String(),
		State:      string(state),
		Reason:     string(reason),
		Path:       path,
		Size:       int64(d.total),
		CreatedAt:  d.createdAt.Unix(),
		FinishedAt: e.now().Unix(),
	}
	if err := e.history.RecordDownload(rec); err != nil {
		e.logger.Warn("record download history", "request_id", d.id, "err", err)
	}
}
