package node

import (
	"context"
	"time"
)

const historyPruneInterval = time.Hour

// runWorkers runs the periodic maintenance loops until ctx is cancelled.
func (n *Node) runWorkers(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.runRevalidation(ctx)
	}()
	n.runHistoryPrune(ctx)
	<-done
}

// --- Catalog revalidation worker ---

// runRevalidation deactivates shared files that vanished from disk.
func (n *Node) runRevalidation(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(n.cfg.RevalidateInterval):
			if k := n.catalog.Revalidate(); k > 0 {
				n.logger.Info("deactivated missing shared files", "worker", "revalidate", "count", k)
			}
		}
	}
}

// --- History retention worker ---

func (n *Node) runHistoryPrune(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(historyPruneInterval):
			n.pruneHistory(time.Now())
		}
	}
}

// pruneHistory deletes download records that finished longer than the
// retention period before now. Returns the number removed.
func (n *Node) pruneHistory(now time.Time) int {
	k, err := n.db.PruneDownloads(now.Add(-n.cfg.HistoryRetention).Unix())
	if err != nil {
		n.logger.Warn("prune download history", "worker", "history", "err", err)
		return 0
	}
	if k > 0 {
		n.logger.Info("pruned download history", "worker", "history", "count", k)
	}
	return k
}
