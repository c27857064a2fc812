package interview

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/biographer/pkg/clock"
	"github.com/dotsetgreg/biographer/pkg/logger"
)

// Sweeper drives TickTimeout on a cron schedule.
type Sweeper struct {
	ctrl  *Controller
	expr  string
	clock clock.Clock

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func NewSweeper(ctrl *Controller, expr string, clk clock.Clock) (*Sweeper, error) {
	if expr == "" {
		expr = "* * * * *"
	}
	g := gronx.New()
	if !g.IsValid(expr) {
		return nil, fmt.Errorf("invalid timeout sweep schedule %q", expr)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Sweeper{ctrl: ctrl, expr: expr, clock: clk, stopCh: make(chan struct{})}, nil
}

// NextDelay is the wait from now until the next scheduled sweep.
func (s *Sweeper) NextDelay(now time.Time) (time.Duration, error) {
	next, err := gronx.NextTickAfter(s.expr, now, false)
	if err != nil {
		return 0, fmt.Errorf("next sweep after %s: %w", now.Format(time.RFC3339), err)
	}
	return next.Sub(now), nil
}

func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop(ctx)
	})
}

func (s *Sweeper) Stop() {
	s.closeOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		delay, err := s.NextDelay(s.clock.Now())
		if err != nil {
			logger.ErrorCF("interview", "Timeout sweeper stopped", map[string]interface{}{"error": err.Error()})
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.clock.After(delay):
		}
		s.Sweep(ctx)
	}
}

// Sweep runs one timeout pass and logs the outcome.
func (s *Sweeper) Sweep(ctx context.Context) int {
	paused, err := s.ctrl.TickTimeout(ctx)
	if err != nil {
		logger.WarnCF("interview", "Timeout sweep had failures; affected sessions stay active",
			map[string]interface{}{"error": err.Error(), "paused": len(paused)})
	}
	for _, sess := range paused {
		logger.InfoCF("interview", "Idle session paused",
			map[string]interface{}{"user_id": sess.UserID(), "session_id": sess.ID()})
	}
	return len(paused)
}
