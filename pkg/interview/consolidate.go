package interview

import (
	"context"
	"errors"

	"github.com/dotsetgreg/biographer/pkg/logger"
	"github.com/dotsetgreg/biographer/pkg/memory"
	"github.com/dotsetgreg/biographer/pkg/providers"
)

// consolidateLocked turns every event after ConsolidatedThrough into memory
// items. Fatal provider errors from the extractor are returned as is; any
// other extractor failure is ErrConsolidationDeferred. The batch is read back from the store in seq order, so a retry after
// a failure sees exactly what the failed attempt saw plus anything newer.
// Counters move only when the commit succeeds. Callers hold s.turn.
func (c *Controller) consolidateLocked(ctx context.Context, s *Session, reason string) (int, error) {
	rec := s.Snapshot()
	batch, err := c.store.ListEvents(ctx, rec.UserID, rec.SessionID, rec.ConsolidatedThrough)
	if err != nil {
		return 0, persistenceErr("load consolidation batch", err)
	}
	if len(batch) == 0 {
		if rec.PendingCount != 0 {
			rec.PendingCount = 0
			if err := c.store.UpdateSession(ctx, rec); err != nil {
				return 0, persistenceErr("reset pending count", err)
			}
			s.setRecord(rec)
		}
		return 0, nil
	}

	prior, err := c.store.ListMemoryItems(ctx, rec.UserID)
	if err != nil {
		return 0, persistenceErr("load memory", err)
	}
	candidates, err := c.extractor.Extract(ctx, batch, memory.Active(prior))
	if err != nil && providers.IsFatal(err) {
		logger.ErrorCF("interview", "Consolidation failed",
			map[string]interface{}{
				"user_id":    rec.UserID,
				"session_id": rec.SessionID,
				"reason":     reason,
				"pending":    rec.PendingCount,
				"error":      err.Error(),
			})
		return 0, err
	}
	if err != nil {
		logger.WarnCF("interview", "Consolidation deferred",
			map[string]interface{}{
				"user_id":    rec.UserID,
				"session_id": rec.SessionID,
				"reason":     reason,
				"pending":    rec.PendingCount,
				"error":      err.Error(),
			})
		return 0, deferConsolidation(err)
	}

	items := memory.Plan(rec.UserID, rec.SessionID, batch, candidates, prior, memory.PlanOptions{
		DedupThreshold: c.opts.DedupThreshold,
		Policy:         c.policy,
	})
	next := rec
	next.ConsolidatedThrough = batch[len(batch)-1].Seq
	next.PendingCount = 0
	inserted, err := c.store.CommitConsolidation(ctx, next, items)
	if err != nil {
		return 0, persistenceErr("commit consolidation", err)
	}

	s.mu.Lock()
	s.rec = next
	s.log.Evict(next.ConsolidatedThrough)
	s.mu.Unlock()

	logger.InfoCF("interview", "Memory consolidated",
		map[string]interface{}{
			"user_id":              rec.UserID,
			"session_id":           rec.SessionID,
			"reason":               reason,
			"batch_events":         len(batch),
			"candidates":           len(candidates),
			"new_items":            inserted,
			"consolidated_through": next.ConsolidatedThrough,
		})
	c.recordMetric(ctx, "memory.consolidated_items", float64(inserted), s)
	if c.trigger != nil {
		c.trigger.Schedule(rec.UserID, false)
	}
	return inserted, nil
}

// maybeConsolidate runs the threshold trigger. A deferred consolidation is
// not a turn failure; the events wait for the next trigger. A fatal one is.
func (c *Controller) maybeConsolidate(ctx context.Context, s *Session) error {
	if s.Snapshot().PendingCount < c.opts.ConsolidationThreshold {
		return nil
	}
	_, err := c.consolidateLocked(ctx, s, "threshold")
	if errors.Is(err, ErrConsolidationDeferred) {
		return nil
	}
	return err
}

// fitWindow keeps the window at MaxEventsLen. When the overflow is not yet
// reflected in memory it consolidates first; if that fails the window stays
// over the limit.
func (c *Controller) fitWindow(ctx context.Context, s *Session) {
	s.mu.Lock()
	s.log.Evict(s.rec.ConsolidatedThrough)
	over := s.log.Overflow()
	s.mu.Unlock()
	if !over {
		return
	}
	if _, err := c.consolidateLocked(ctx, s, "overflow"); err != nil {
		logger.WarnCF("interview", "Event window over limit",
			map[string]interface{}{
				"user_id":    s.UserID(),
				"session_id": s.ID(),
				"error":      err.Error(),
			})
	}
}
