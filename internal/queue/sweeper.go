// Copyright 2025 James Ross
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ReservationSweeper periodically recovers reservations whose visibility
// timeout elapsed without a Commit/Retry/Discard, typically because the
// dispatcher process holding them died. It is adapted from the teacher's
// reaper.Reaper: same ticker-driven scan loop, generalized from
// worker-heartbeat expiry to reservation-expiry.
type ReservationSweeper struct {
	target   Sweepable
	interval time.Duration
	log      *zap.Logger
}

// NewReservationSweeper builds a sweeper that scans target every interval.
func NewReservationSweeper(target Sweepable, interval time.Duration, log *zap.Logger) *ReservationSweeper {
	return &ReservationSweeper{target: target, interval: interval, log: log}
}

// Run blocks, sweeping on each tick until ctx is cancelled.
func (s *ReservationSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.target.SweepExpired(ctx)
			if err != nil {
				s.log.Warn("reservation sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("recovered expired reservations", zap.Int("count", n))
			}
		}
	}
}
