package services

import (
	"context"
	"errors"
	"time"

	"festival-booking/internal/status"
	"festival-booking/models"
)

type SweeperConfig struct {
	Interval          time.Duration
	BatchSize         int
	PendingPaymentTTL time.Duration
	PaymentFailedTTL  time.Duration
	PendingTTL        time.Duration
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:          time.Minute,
		BatchSize:         100,
		PendingPaymentTTL: 15 * time.Minute,
		PaymentFailedTTL:  5 * time.Minute,
		PendingTTL:        30 * time.Minute,
	}
}

type SweepResult struct {
	Expired  int `json:"expired"`
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Sweeper returns inventory held by reservations that stopped moving:
// holds whose payment never started or was never completed are cancelled,
// holds of failed payments are released.
type Sweeper struct {
	coord *Coordinator
	cfg   SweeperConfig
}

func NewSweeper(coord *Coordinator, cfg SweeperConfig) *Sweeper {
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PendingPaymentTTL <= 0 {
		cfg.PendingPaymentTTL = def.PendingPaymentTTL
	}
	if cfg.PaymentFailedTTL <= 0 {
		cfg.PaymentFailedTTL = def.PaymentFailedTTL
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = def.PendingTTL
	}
	return &Sweeper{coord: coord, cfg: cfg}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.coord.log.Info("sweeper started", "interval", s.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			s.coord.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	res, err := s.SweepOnce(ctx)
	if err != nil {
		s.coord.log.Error("sweep failed", "error", err)
		return
	}
	if res.Expired+res.Released+res.Failed > 0 {
		s.coord.log.Info("sweep finished",
			"expired", res.Expired,
			"released", res.Released,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
}

// SweepOnce handles one batch of each stale status.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.coord.clock.Now()

	passes := []struct {
		status models.ReservationStatus
		ttl    time.Duration
	}{
		{models.StatusPendingPayment, s.cfg.PendingPaymentTTL},
		{models.StatusPending, s.cfg.PendingTTL},
		{models.StatusPaymentFailed, s.cfg.PaymentFailedTTL},
	}

	for _, p := range passes {
		stale, err := s.coord.store.ListStaleReservations(ctx, p.status, now.Add(-p.ttl), s.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		for _, r := range stale {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			s.sweep(ctx, r, &res)
		}
	}
	return res, nil
}

func (s *Sweeper) sweep(ctx context.Context, r *models.Reservation, res *SweepResult) {
	from := r.Status
	var err error

	switch from {
	case models.StatusPaymentFailed:
		err = s.coord.release(ctx, r, reasonFailed, nil)
		if err == nil {
			res.Released++
			s.coord.changed(ctx, r)
		}
	case models.StatusPending:
		if r.ProviderReference != "" {
			if cerr := s.coord.gateway.Cancel(ctx, r.ProviderReference); cerr != nil {
				s.coord.log.Warn("failed to cancel payment intent",
					"reservation_id", r.ID,
					"provider_reference", r.ProviderReference,
					"error", cerr,
				)
			}
		}
		fallthrough
	default:
		err = s.coord.closeAndRelease(ctx, r, from, models.StatusCancelled, "hold expired", reasonExpire)
		if err == nil {
			res.Expired++
			s.coord.changed(ctx, r)
		}
	}

	switch {
	case err == nil:
		s.coord.metrics.TrackSweep(string(from), "released")
	case errors.Is(err, status.ErrAlreadyProcessed):
		// moved on since it was listed
		res.Skipped++
		s.coord.metrics.TrackSweep(string(from), "skipped")
	default:
		res.Failed++
		s.coord.metrics.TrackSweep(string(from), "error")
		s.coord.log.Error("failed to release hold",
			"reservation_id", r.ID,
			"status", from,
			"error", err,
		)
	}
}
