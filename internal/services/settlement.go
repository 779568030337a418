package services

import (
	"context"

	"festival-booking/internal/status"
	"festival-booking/models"
)

const (
	SourceWebhook = "webhook"
	SourcePubNub  = "pubnub"
)

// ApplySettlement applies a provider notification. The provider is the
// authority on payment state, so no actor check is made. Repeated
// notifications are no-ops.
func (c *Coordinator) ApplySettlement(ctx context.Context, s *status.Settlement, source string) (*models.Reservation, error) {
	r, err := c.applySettlement(ctx, s)
	outcome := "error"
	if err == nil {
		outcome = string(s.Outcome)
	}
	c.metrics.TrackSettlement(source, outcome)
	return r, err
}

func (c *Coordinator) applySettlement(ctx context.Context, s *status.Settlement) (*models.Reservation, error) {
	if s == nil || s.ProviderReference == "" {
		return nil, status.New(status.KindInvalidArgument, "provider reference is required")
	}
	if !s.Outcome.Valid() {
		return nil, status.Newf(status.KindInvalidArgument, "unknown payment status %q", s.Outcome)
	}

	r, err := c.store.FindReservationByProviderReference(ctx, s.ProviderReference)
	if err != nil {
		return nil, err
	}

	switch s.Outcome {
	case status.OutcomeSucceeded:
		if r.Status == models.StatusConfirmed || r.Status == models.StatusCompleted {
			return r, nil
		}
		if err := checkConfirmable(r); err != nil {
			c.log.Warn("payment settled for a closed reservation",
				"reservation_id", r.ID,
				"status", r.Status,
				"provider_reference", s.ProviderReference,
			)
			return nil, err
		}
		return c.confirm(ctx, r)

	case status.OutcomeFailed:
		if r.Status == models.StatusPaymentFailed {
			return r, nil
		}
		if !r.Status.CanFailPayment() {
			return nil, status.Newf(status.KindAlreadyProcessed, "reservation is already %s", r.Status)
		}
		from := r.Status
		now := c.clock.Now()
		r.Status = models.StatusPaymentFailed
		r.FailedAt = &now
		r.FailureReason = "payment declined by provider"
		if err := c.store.TransitionReservation(ctx, r, from); err != nil {
			return nil, err
		}
		c.changed(ctx, r)
		return r, nil
	}

	return r, nil
}

// ListenSettlements applies settlements from ch until ctx is done or ch is
// closed.
func (c *Coordinator) ListenSettlements(ctx context.Context, ch <-chan *status.Settlement) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			if s == nil {
				c.log.Warn("skipping empty settlement")
				continue
			}
			r, err := c.ApplySettlement(ctx, s, SourcePubNub)
			if err != nil {
				c.log.Error("failed to apply settlement",
					"provider_reference", s.ProviderReference,
					"status", s.Outcome,
					"error", err,
				)
				continue
			}
			c.log.Info("settlement applied",
				"reservation_id", r.ID,
				"status", r.Status,
			)
		}
	}
}
