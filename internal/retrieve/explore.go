package retrieve

import (
	"context"
	"time"

	"github.com/ssd-technologies/umbra/internal/metrics"
	"github.com/ssd-technologies/umbra/internal/registry"
	"github.com/ssd-technologies/umbra/internal/wire"
)

// explore is the engine-side state of one catalog query.
type explore struct {
	id      string
	corr    wire.ID
	address string
	state   registry.State

	pages        map[uint64][]wire.Entry
	last         uint64
	lastKnown    bool
	truncated    bool
	lastActivity time.Time
}

func (e *Engine) startExplore(ctx context.Context, req registry.ExploreRequest) {
	x := &explore{
		id:           req.ID,
		corr:         req.Correlation,
		address:      req.Address,
		state:        registry.StateCreated,
		pages:        make(map[uint64][]wire.Entry),
		lastActivity: e.now(),
	}
	tokens, err := e.mint(ctx, e.cfg.ExploreTokens)
	if err == nil {
		err = e.send(ctx, x.address, wire.GetAdvertise{ID: x.corr}, tokens)
	}
	if err != nil {
		e.logger.Warn("send getadvertise", "request_id", x.id, "address", x.address, "err", err)
		e.finishExplore(x, registry.StateFailed, registry.ReasonTransport, nil)
		return
	}
	x.state = registry.StateAwaitingAck
	e.explores[x.corr] = x
	e.updateExplore(x, nil)
	e.logger.Info("explore requested", "request_id", x.id, "corr", x.corr, "address", x.address)
}

func (e *Engine) updateExplore(x *explore, fn func(*registry.ExploreRequest)) {
	_, err := e.reg.UpdateExplore(x.id, func(r *registry.ExploreRequest) error {
		r.State = x.state
		r.Pages = len(x.pages)
		if fn != nil {
			fn(r)
		}
		return nil
	})
	if err != nil {
		e.logger.Error("update explore", "request_id", x.id, "err", err)
	}
}

func (e *Engine) onAdvertise(x *explore, c wire.Advertise) {
	x.lastActivity = e.now()
	if _, dup := x.pages[c.Page]; dup || (x.lastKnown && c.Page > x.last) {
		return
	}
	x.pages[c.Page] = c.Entries
	if !c.More {
		x.last, x.lastKnown, x.truncated = c.Page, true, c.Truncated
		for p := range x.pages {
			if p > x.last {
				delete(x.pages, p)
			}
		}
	}

	if x.lastKnown && uint64(len(x.pages)) == x.last+1 {
		entries := make([]wire.Entry, 0)
		for i := uint64(0); i <= x.last; i++ {
			entries = append(entries, x.pages[i]...)
		}
		delete(e.explores, x.corr)
		e.logger.Info("explore completed", "request_id", x.id, "address", x.address,
			"entries", len(entries), "pages", len(x.pages), "truncated", x.truncated)
		e.finishExplore(x, registry.StateCompleted, registry.ReasonNone, entries)
		return
	}
	if x.state == registry.StateAwaitingAck {
		x.state = registry.StateTransferring
	}
	e.updateExplore(x, nil)
}

func (e *Engine) onExploreReject(x *explore, c wire.Reject) {
	e.logger.Info("explore rejected", "request_id", x.id, "address", x.address, "reason", c.Reason)
	delete(e.explores, x.corr)
	e.finishExplore(x, registry.StateRejected, registry.Reason(c.Reason.String()), nil)
}

func (e *Engine) failExplore(x *explore, reason registry.Reason) {
	delete(e.explores, x.corr)
	e.finishExplore(x, registry.StateFailed, reason, nil)
}

func (e *Engine) finishExplore(x *explore, state registry.State, reason registry.Reason, entries []wire.Entry) {
	x.state = state
	e.updateExplore(x, func(r *registry.ExploreRequest) {
		r.Reason = reason
		if state == registry.StateCompleted {
			r.Entries = entries
			r.Truncated = x.truncated
		}
	})
	metrics.RetrieveFinished.WithLabelValues("explore", string(state), string(reason)).Inc()
}
