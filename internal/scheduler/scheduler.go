// Package scheduler triggers the nightly settlement batch at a fixed
// wall-clock time each day.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Peergos/payments/internal/engine"
	"go.uber.org/zap"
)

// Batch is the settlement pass the scheduler drives.
type Batch interface {
	SettleAll(ctx context.Context, now time.Time) (engine.BatchReport, error)
}

// Scheduler runs a Batch once a day at the configured time, and on
// demand via RunNow.
type Scheduler struct {
	batch  Batch
	logger *zap.Logger
	hour   int
	minute int

	now     func() time.Time
	trigger chan struct{}
}

// New builds a scheduler firing daily at the given "HH:MM" local time.
func New(batch Batch, logger *zap.Logger, at string) (*Scheduler, error) {
	hour, minute, err := ParseTimeOfDay(at)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		batch:   batch,
		logger:  logger,
		hour:    hour,
		minute:  minute,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}, nil
}

// ParseTimeOfDay parses a wall-clock time in "HH:MM" form.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	colon := strings.Index(s, ":")
	if colon <= 0 || colon == len(s)-1 {
		return 0, 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(s[:colon])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(s[colon+1:])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// nextRun returns the first scheduled instant strictly after from.
func (s *Scheduler) nextRun(from time.Time) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, from.Location())
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunNow asks the running loop to settle immediately. Non-blocking; a
// request while one is already pending is coalesced.
func (s *Scheduler) RunNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, settling all users at every
// scheduled or requested tick. A failed batch is logged and the loop
// keeps going.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.nextRun(s.now())
		s.logger.Info("next settlement scheduled", zap.Time("at", next))

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		}

		if _, err := s.batch.SettleAll(ctx, s.now()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("settlement batch failed", zap.Error(err))
		}
	}
}
