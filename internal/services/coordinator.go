package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"festival-booking/internal/clock"
	"festival-booking/internal/services/bank"
	"festival-booking/internal/services/cache"
	"festival-booking/internal/services/notify"
	"festival-booking/internal/status"
	"festival-booking/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
)

// Coordinator drives a reservation from the inventory hold through payment
// to confirmation, cancellation or completion.
type Coordinator struct {
	store    Store
	ledger   *Ledger
	gateway  bank.Gateway
	cache    Cache
	notifier Notifier
	metrics  Metrics
	clock    clock.Clock
	log      *slog.Logger
	retry    RetryPolicy

	// events are delivered in order by a single worker
	events  chan queuedEvent
	pending sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	drained chan struct{}
}

type queuedEvent struct {
	ctx context.Context
	ev  models.Event
}

const eventBuffer = 256

type Option func(*Coordinator)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) {
		c.retry = p
	}
}

func WithClock(cl clock.Clock) Option {
	return func(c *Coordinator) {
		if cl != nil {
			c.clock = cl
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

func WithCache(cc Cache) Option {
	return func(c *Coordinator) {
		if cc != nil {
			c.cache = cc
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func NewCoordinator(store Store, gateway bank.Gateway, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		gateway:  gateway,
		cache:    cache.Nop{},
		notifier: notify.Nop{},
		metrics:  nopMetrics{},
		clock:    clock.NewSystem(),
		log:      slog.Default(),
		retry:    DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ledger = NewLedger(store, c.metrics)
	c.events = make(chan queuedEvent, eventBuffer)
	c.drained = make(chan struct{})
	go c.deliver()
	return c
}

func (c *Coordinator) Ledger() *Ledger {
	return c.ledger
}

// Wait blocks until every event queued so far has been delivered.
func (c *Coordinator) Wait() {
	c.pending.Wait()
}

// Close delivers the queued events and stops the delivery worker. Events
// produced after Close are dropped.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	c.mu.Unlock()
	<-c.drained
}

func (c *Coordinator) deliver() {
	defer close(c.drained)
	for q := range c.events {
		if err := c.notifier.Notify(q.ctx, q.ev); err != nil {
			c.log.Warn("failed to deliver event",
				"type", q.ev.Type,
				"reservation_id", q.ev.ReservationID,
				"error", err,
			)
		}
		c.pending.Done()
	}
}

func (c *Coordinator) publish(ctx context.Context, ev models.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.log.Warn("coordinator closed, dropping event",
			"type", ev.Type,
			"reservation_id", ev.ReservationID,
		)
		return
	}
	c.pending.Add(1)
	c.events <- queuedEvent{ctx: ctx, ev: ev}
}

type CreateRequest struct {
	UserID         string `json:"-"`
	ResourceID     string `json:"resource_id"`
	UnitID         string `json:"unit_id"`
	Quantity       int    `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CreateResult struct {
	Reservation  *models.Reservation `json:"reservation"`
	ClientSecret string              `json:"client_secret,omitempty"`
}

// Create holds inventory for the request and opens a payment intent for it.
// A repeated idempotency key returns the reservation created the first time.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	res, err := c.create(ctx, req)
	c.track("create", err)
	return res, err
}

func (c *Coordinator) create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.UserID == "" {
		return nil, status.New(status.KindForbidden, "authentication required")
	}
	if req.ResourceID == "" || req.UnitID == "" {
		return nil, status.New(status.KindInvalidArgument, "resource_id and unit_id are required")
	}
	if req.Quantity <= 0 {
		return nil, status.New(status.KindInvalidArgument, "quantity must be positive")
	}

	var hash string
	if req.IdempotencyKey != "" {
		hash = idempotencyHash(req.UserID, req.IdempotencyKey)
		existing, err := c.store.FindReservationByIdempotencyHash(ctx, req.UserID, hash)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &CreateResult{Reservation: existing}, nil
		}
	}

	var r *models.Reservation
	err := c.retry.Do(ctx, c.onRetry, func(ctx context.Context) error {
		resource, unit, err := c.loadTarget(ctx, req.ResourceID, req.UnitID)
		if err != nil {
			return err
		}
		qty, err := models.NewQuantity(req.Quantity, unit.Available())
		if err != nil {
			return err
		}
		total, err := resource.UnitPrice.Mul(qty)
		if err != nil {
			return err
		}

		now := c.clock.Now()
		r = &models.Reservation{
			ID:              uuid.NewString(),
			UserID:          req.UserID,
			ResourceID:      resource.ID,
			UnitID:          unit.ID,
			HostID:          resource.OwnerID,
			ResourceKind:    resource.Kind,
			ResourceTitle:   resource.Title,
			Quantity:        qty.Int(),
			UnitPrice:       resource.UnitPrice,
			TotalPrice:      total,
			Status:          models.StatusPendingPayment,
			IdempotencyHash: hash,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		return c.store.WithTx(ctx, func(ctx context.Context) error {
			if _, err := c.ledger.TryReserve(ctx, unit.ID, unit.Version, qty.Int(), r.ID, reasonReserve); err != nil {
				return err
			}
			return c.store.InsertReservation(ctx, r)
		})
	})
	if err != nil {
		if hash != "" && errors.Is(err, status.ErrAlreadyProcessed) {
			// a concurrent request with the same key won the insert
			if existing, ferr := c.store.FindReservationByIdempotencyHash(ctx, req.UserID, hash); ferr == nil && existing != nil {
				return &CreateResult{Reservation: existing}, nil
			}
		}
		return nil, err
	}

	intent, err := c.gateway.CreateIntent(ctx, &bank.IntentRequest{
		Amount:      r.TotalPrice,
		Description: fmt.Sprintf("%s x%d", r.ResourceTitle, r.Quantity),
		Metadata: map[string]string{
			"reservation_id": r.ID,
			"user_id":        r.UserID,
			"resource_id":    r.ResourceID,
		},
	})
	if err != nil {
		c.failPayment(context.WithoutCancel(ctx), r, err)
		return nil, gatewayError(err, "could not start the payment")
	}

	from := r.Status
	now := c.clock.Now()
	r.Status = models.StatusPending
	r.ProviderReference = intent.ProviderReference
	r.PendingAt = &now
	if err := c.store.TransitionReservation(context.WithoutCancel(ctx), r, from); err != nil {
		// the reservation was closed while the intent was opened
		if cerr := c.gateway.Cancel(context.WithoutCancel(ctx), intent.ProviderReference); cerr != nil {
			c.log.Warn("failed to cancel orphaned payment intent",
				"reservation_id", r.ID,
				"provider_reference", intent.ProviderReference,
				"error", cerr,
			)
		}
		return nil, err
	}

	c.changed(ctx, r)
	return &CreateResult{Reservation: r, ClientSecret: intent.ClientSecret}, nil
}

// loadTarget reads the resource and the unit concurrently and checks that
// the unit can take a new reservation.
func (c *Coordinator) loadTarget(ctx context.Context, resourceID, unitID string) (*models.Resource, *models.InventoryUnit, error) {
	var (
		resource *models.Resource
		unit     *models.InventoryUnit
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resource, err = c.store.GetResource(gctx, resourceID)
		return err
	})
	g.Go(func() error {
		var err error
		unit, err = c.ledger.Get(gctx, unitID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if unit.ResourceID != resource.ID {
		return nil, nil, status.Newf(status.KindInvalidArgument, "unit %s does not belong to resource %s", unit.ID, resource.ID)
	}
	if !resource.IsActive() {
		return nil, nil, status.Newf(status.KindUnavailable, "%s is not open for reservations", resource.Title)
	}
	if !unit.IsOpen(c.clock.Now()) {
		return nil, nil, status.Newf(status.KindUnavailable, "slot %s is no longer available", unit.SlotKey)
	}
	return resource, unit, nil
}

// failPayment records a failed intent. The hold stays until the sweeper
// releases it.
func (c *Coordinator) failPayment(ctx context.Context, r *models.Reservation, cause error) {
	from := r.Status
	now := c.clock.Now()
	r.Status = models.StatusPaymentFailed
	r.FailedAt = &now
	r.FailureReason = status.MessageOf(gatewayError(cause, "payment intent failed"))
	if err := c.store.TransitionReservation(ctx, r, from); err != nil {
		c.log.Error("failed to record payment failure",
			"reservation_id", r.ID,
			"error", err,
		)
		return
	}
	c.log.Warn("payment intent failed",
		"reservation_id", r.ID,
		"unit_id", r.UnitID,
		"error", cause,
	)
	c.changed(ctx, r)
}

// Confirm moves a paid reservation to confirmed. Only its owner may confirm,
// and the provider must report the payment as succeeded.
func (c *Coordinator) Confirm(ctx context.Context, id, actorID string) (*models.Reservation, error) {
	r, err := c.confirmByOwner(ctx, id, actorID)
	c.track("confirm", err)
	return r, err
}

func (c *Coordinator) confirmByOwner(ctx context.Context, id, actorID string) (*models.Reservation, error) {
	r, err := c.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != actorID {
		return nil, status.New(status.KindForbidden, "only the guest can confirm this reservation")
	}
	if err := checkConfirmable(r); err != nil {
		return nil, err
	}

	if r.ProviderReference == "" {
		return nil, status.New(status.KindPaymentIncomplete, "payment has not been started")
	}
	outcome, err := c.gateway.GetStatus(ctx, r.ProviderReference)
	if err != nil {
		return nil, gatewayError(err, "could not check the payment")
	}
	if outcome != status.OutcomeSucceeded {
		return nil, status.Newf(status.KindPaymentIncomplete, "payment is %s", outcome)
	}

	return c.confirm(ctx, r)
}

func checkConfirmable(r *models.Reservation) error {
	if r.Status.CanBeConfirmed() {
		return nil
	}
	return status.Newf(status.KindAlreadyProcessed, "reservation is already %s", r.Status)
}

func (c *Coordinator) confirm(ctx context.Context, r *models.Reservation) (*models.Reservation, error) {
	from := r.Status
	now := c.clock.Now()
	r.Status = models.StatusConfirmed
	r.ConfirmedAt = &now
	if err := c.store.TransitionReservation(ctx, r, from); err != nil {
		return nil, err
	}
	c.changed(ctx, r)
	return r, nil
}

// Cancel cancels a reservation on behalf of its guest or its host. A
// confirmed reservation is refunded first; if the refund fails nothing
// changes. The held quantity goes back to the ledger exactly once.
func (c *Coordinator) Cancel(ctx context.Context, id, actorID string) (*models.Reservation, error) {
	r, err := c.cancel(ctx, id, actorID)
	c.track("cancel", err)
	return r, err
}

func (c *Coordinator) cancel(ctx context.Context, id, actorID string) (*models.Reservation, error) {
	r, err := c.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.IsParty(actorID) {
		return nil, status.New(status.KindForbidden, "only the guest or the host can cancel this reservation")
	}
	if !r.Status.CanBeCancelled() {
		return nil, status.Newf(status.KindAlreadyProcessed, "reservation is already %s", r.Status)
	}

	from := r.Status
	switch {
	case from == models.StatusConfirmed && r.ProviderReference != "":
		if err := c.gateway.Refund(ctx, r.ProviderReference, nil); err != nil {
			return nil, gatewayError(err, "refund failed, reservation unchanged")
		}
	case from == models.StatusPending && r.ProviderReference != "":
		if err := c.gateway.Cancel(ctx, r.ProviderReference); err != nil {
			c.log.Warn("failed to cancel payment intent",
				"reservation_id", r.ID,
				"provider_reference", r.ProviderReference,
				"error", err,
			)
		}
	}

	if err := c.closeAndRelease(ctx, r, from, models.StatusCancelled, "", reasonCancel); err != nil {
		return nil, err
	}
	c.changed(ctx, r)
	return r, nil
}

// closeAndRelease moves r from `from` to `to` and returns its quantity to
// the ledger in one transaction, retrying on version conflicts.
func (c *Coordinator) closeAndRelease(ctx context.Context, r *models.Reservation, from, to models.ReservationStatus, reason, ledgerReason string) error {
	now := c.clock.Now()
	r.Status = to
	r.FailureReason = reason
	if to == models.StatusCancelled {
		r.CancelledAt = &now
	}

	return c.release(ctx, r, ledgerReason, func(ctx context.Context) error {
		return c.store.TransitionReservation(ctx, r, from)
	})
}

// release returns r's quantity to the ledger unless that already happened.
// write, when set, runs first in the same transaction. Without write, a
// reservation that no longer holds inventory is AlreadyProcessed.
func (c *Coordinator) release(ctx context.Context, r *models.Reservation, ledgerReason string, write func(ctx context.Context) error) error {
	if write == nil && !r.HoldsInventory() {
		return status.Newf(status.KindAlreadyProcessed, "reservation %s no longer holds inventory", r.ID)
	}
	now := c.clock.Now()
	var released bool

	err := c.retry.Do(ctx, c.onRetry, func(ctx context.Context) error {
		return c.store.WithTx(ctx, func(ctx context.Context) error {
			if write != nil {
				if err := write(ctx); err != nil {
					return err
				}
			}
			ok, err := c.store.MarkReleased(ctx, r.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				released = false
				if write == nil {
					return status.Newf(status.KindAlreadyProcessed, "reservation %s was already released", r.ID)
				}
				return nil
			}
			if _, err := c.ledger.Release(ctx, r.UnitID, r.Quantity, r.ID, ledgerReason); err != nil {
				return err
			}
			released = true
			return nil
		})
	})
	if err != nil {
		return err
	}

	if released {
		r.ReleasedAt = &now
		c.metrics.TrackHold(string(r.Status), now.Sub(r.CreatedAt))
		c.log.Info("inventory released",
			"reservation_id", r.ID,
			"unit_id", r.UnitID,
			"quantity", r.Quantity,
			"reason", ledgerReason,
		)
	}
	return nil
}

// Complete marks a confirmed reservation as fulfilled. Only the host may
// complete it.
func (c *Coordinator) Complete(ctx context.Context, id, actorID string) (*models.Reservation, error) {
	r, err := c.complete(ctx, id, actorID)
	c.track("complete", err)
	return r, err
}

func (c *Coordinator) complete(ctx context.Context, id, actorID string) (*models.Reservation, error) {
	r, err := c.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.HostID != actorID {
		return nil, status.New(status.KindForbidden, "only the host can complete this reservation")
	}
	if !r.Status.CanBeCompleted() {
		if r.Status.IsTerminal() {
			return nil, status.Newf(status.KindAlreadyProcessed, "reservation is already %s", r.Status)
		}
		return nil, status.Newf(status.KindInvalidArgument, "reservation is %s, only confirmed reservations can be completed", r.Status)
	}

	from := r.Status
	now := c.clock.Now()
	r.Status = models.StatusCompleted
	r.CompletedAt = &now
	if err := c.store.TransitionReservation(ctx, r, from); err != nil {
		return nil, err
	}
	c.changed(ctx, r)
	return r, nil
}

// Get returns a reservation to its guest or its host.
func (c *Coordinator) Get(ctx context.Context, id, actorID string) (*models.Reservation, error) {
	r, err := c.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.IsParty(actorID) {
		return nil, status.New(status.KindForbidden, "not your reservation")
	}
	return r, nil
}

func (c *Coordinator) ListForUser(ctx context.Context, userID string) ([]*models.Reservation, error) {
	return c.cachedList(ctx, cache.UserReservationsKey(userID), func() ([]*models.Reservation, error) {
		return c.store.ListReservationsByUser(ctx, userID)
	})
}

func (c *Coordinator) ListForHost(ctx context.Context, hostID string) ([]*models.Reservation, error) {
	return c.cachedList(ctx, cache.HostReservationsKey(hostID), func() ([]*models.Reservation, error) {
		return c.store.ListReservationsByHost(ctx, hostID)
	})
}

func (c *Coordinator) cachedList(ctx context.Context, key string, load func() ([]*models.Reservation, error)) ([]*models.Reservation, error) {
	var list []*models.Reservation
	hit, err := c.cache.GetJSON(ctx, key, &list)
	if err != nil {
		c.log.Warn("cache read failed", "key", key, "error", err)
	}
	if hit {
		return list, nil
	}

	list, err = load()
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetJSON(ctx, key, list); err != nil {
		c.log.Warn("cache write failed", "key", key, "error", err)
	}
	return list, nil
}

// changed invalidates the caches r appears in and emits its event.
func (c *Coordinator) changed(ctx context.Context, r *models.Reservation) {
	ctx = context.WithoutCancel(ctx)

	keys := []string{cache.UserReservationsKey(r.UserID), cache.HostReservationsKey(r.HostID)}
	if err := c.cache.Delete(ctx, keys...); err != nil {
		c.log.Warn("cache invalidation failed", "reservation_id", r.ID, "error", err)
	}
	if err := c.cache.InvalidatePattern(ctx, cache.ResourcePattern(r.ResourceID)); err != nil {
		c.log.Warn("cache invalidation failed", "resource_id", r.ResourceID, "error", err)
	}

	t, ok := models.EventFor(r.ResourceKind, r.Status)
	if !ok {
		return
	}
	c.publish(ctx, models.NewEvent(t, r, c.clock.Now()))
}

func (c *Coordinator) onRetry(attempt int, err error) {
	c.metrics.TrackRetry()
	c.log.Debug("retrying after version conflict", "attempt", attempt, "error", err)
}

func (c *Coordinator) track(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = status.KindOf(err).String()
	}
	c.metrics.TrackReservation(op, outcome)
}

func gatewayError(err error, message string) error {
	if status.KindOf(err) == status.KindPaymentGateway {
		return err
	}
	return status.Wrap(status.KindPaymentGateway, err, message)
}

func idempotencyHash(userID, key string) string {
	sum := blake2b.Sum256([]byte(userID + ":" + key))
	return hex.EncodeToString(sum[:])
}

