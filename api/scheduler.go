/*
scheduler.go - Billing-month sweep scheduler

PURPOSE:
  Periodically rebuilds the billing-month cache of every active enrollment,
  so months whose due date passed without a payment turn OVERDUE even when
  nothing else touches the enrollment.

DESIGN:
  - cron spec with a seconds field (robfig/cron), default every 15 minutes
  - A run that is still going when the next tick fires is skipped
  - Each run is bounded by Timeout and cancelled on Stop

USAGE:
  scheduler := NewSweepScheduler(handler, "@every 15m")
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - scheme/ledger.go: PaymentLedger.Sweep
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepScheduler runs PaymentLedger.Sweep on a cron schedule.
type SweepScheduler struct {
	Handler  *Handler
	Schedule string
	Timeout  time.Duration

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	lastRun *SweepDTO
}

// NewSweepScheduler creates a scheduler. Start must be called to run it.
func NewSweepScheduler(h *Handler, schedule string) *SweepScheduler {
	return &SweepScheduler{
		Handler:  h,
		Schedule: schedule,
		Timeout:  5 * time.Minute,
	}
}

// Start registers the sweep job and starts the cron loop.
func (s *SweepScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("sweep scheduler already started")
	}
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(s.Schedule, s.RunOnce); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.Schedule, err)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = c
	c.Start()

	s.Handler.Log.WithField("schedule", s.Schedule).Info("Sweep scheduler started")
	return nil
}

// Stop cancels an in-flight sweep and waits for the cron loop to drain.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.Handler.Log.Info("Sweep scheduler stopped")
}

// RunOnce performs one sweep as of now. Overlapping calls are skipped.
func (s *SweepScheduler) RunOnce() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.Handler.Log.Warn("Previous sweep still running, skipping")
		return
	}
	s.running = true
	parent := s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, s.Timeout)
	defer cancel()

	h := s.Handler
	asOf := h.now()
	start := time.Now()
	res, err := h.Ledger.Sweep(ctx, asOf)
	h.Metrics.SweepFinished(res.Overdue, err)

	run := &SweepDTO{AsOf: formatInstant(asOf), Rebuilt: res.Rebuilt, Overdue: res.Overdue, Failed: res.Failed}
	log := h.Log.WithFields(map[string]interface{}{
		"rebuilt":  res.Rebuilt,
		"overdue":  res.Overdue,
		"failed":   res.Failed,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		run.Error = err.Error()
		log.WithError(err).Error("Sweep failed")
	} else {
		log.Info("Sweep finished")
	}

	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()
}

// LastRun returns the outcome of the most recent sweep, or nil.
func (s *SweepScheduler) LastRun() *SweepDTO {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
