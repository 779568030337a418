package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"festival-booking/internal/services/bank"
	"festival-booking/internal/services/cache"
	"festival-booking/internal/status"
	"festival-booking/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCreate_ConcurrentRequestsForLastUnits(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 2, 500)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.coord.Create(context.Background(), CreateRequest{
				UserID:     fmt.Sprintf("guest-%d", i),
				ResourceID: res.ID,
				UnitID:     unit.ID,
				Quantity:   2,
			})
		}(i)
	}
	wg.Wait()

	var ok, exceeded int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, status.ErrCapacityExceeded):
			exceeded++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exceeded)
	assert.Equal(t, 2, h.reserved(t, unit.ID))
	assert.Equal(t, 1, h.metrics.get("create/ok"))
	assert.Equal(t, 1, h.metrics.get("create/capacity_exceeded"))
}

func TestCreate_MockGatewayThenConfirm(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 10, 250)
	ctx := context.Background()

	out, err := h.coord.Create(ctx, CreateRequest{UserID: "guest", ResourceID: res.ID, UnitID: unit.ID, Quantity: 2})
	require.NoError(t, err)

	r := out.Reservation
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Equal(t, models.NewMoney(500, "USD"), r.TotalPrice)
	assert.Equal(t, hostID, r.HostID)
	assert.True(t, strings.HasPrefix(r.ProviderReference, "mock_pi_"))
	assert.True(t, strings.HasPrefix(out.ClientSecret, r.ProviderReference+"_secret_"))
	assert.NotNil(t, r.PendingAt)
	assert.Equal(t, 2, h.reserved(t, unit.ID))

	confirmed, err := h.coord.Confirm(ctx, r.ID, "guest")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, confirmed.Status)
	assert.Equal(t, models.StatusConfirmed, h.reservation(t, r.ID).Status)
	assert.Equal(t, 2, h.reserved(t, unit.ID))

	h.coord.Wait()
	assert.Equal(t, []models.EventType{models.EventBookingCreated, models.EventBookingConfirmed}, h.notifier.types())
}

func TestCreate_ProductEmitsOrderEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.catalog.CreateResource(ctx, hostID, NewResource{
		Kind:     models.KindProduct,
		Title:    "Festival tee",
		Price:    mustDecimal(t, "19.99"),
		Currency: "USD",
		Status:   models.ResourceActive,
		Stock:    5,
	})
	require.NoError(t, err)
	units, err := h.catalog.ListUnits(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)

	out, err := h.coord.Create(ctx, CreateRequest{UserID: "guest", ResourceID: res.ID, UnitID: units[0].ID, Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, models.NewMoney(5997, "USD"), out.Reservation.TotalPrice)

	_, err = h.coord.Confirm(ctx, out.Reservation.ID, "guest")
	require.NoError(t, err)

	h.coord.Wait()
	assert.Equal(t, []models.EventType{models.EventOrderCreated, models.EventOrderPaid}, h.notifier.types())
}

func TestCancel_ConfirmedRefundsAndReleases(t *testing.T) {
	gw := bank.NewMockGateway()
	h := newHarness(t, gw)
	res, unit := h.seedSlot(t, 5, 1000)
	ctx := context.Background()

	out, err := h.coord.Create(ctx, CreateRequest{UserID: "guest", ResourceID: res.ID, UnitID: unit.ID, Quantity: 3})
	require.NoError(t, err)
	_, err = h.coord.Confirm(ctx, out.Reservation.ID, "guest")
	require.NoError(t, err)
	require.Equal(t, 3, h.reserved(t, unit.ID))

	cancelled, err := h.coord.Cancel(ctx, out.Reservation.ID, "guest")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.True(t, gw.Refunded(out.Reservation.ProviderReference))
	assert.Equal(t, 0, h.reserved(t, unit.ID))

	stored := h.reservation(t, out.Reservation.ID)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.NotNil(t, stored.CancelledAt)
	assert.NotNil(t, stored.ReleasedAt)

	transitions, err := h.store.ListTransitions(ctx, unit.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, 3, transitions[0].Delta)
	assert.Equal(t, -3, transitions[1].Delta)
	assert.Equal(t, reasonCancel, transitions[1].Reason)
}

func TestCancel_RefundFailureChangesNothing(t *testing.T) {
	gw := new(MockPaymentGateway)
	h := newHarness(t, gw)
	res, unit := h.seedSlot(t, 5, 1000)
	r := h.hold(t, res, unit, "guest", 2, models.StatusConfirmed, "pi_1")

	gw.On("Refund", mock.Anything, "pi_1", (*models.Money)(nil)).Return(errors.New("provider down"))

	_, err := h.coord.Cancel(context.Background(), r.ID, "guest")
	require.Error(t, err)
	assert.Equal(t, status.KindPaymentGateway, status.KindOf(err))
	assert.Equal(t, models.StatusConfirmed, h.reservation(t, r.ID).Status)
	assert.Equal(t, 2, h.reserved(t, unit.ID))
	gw.AssertExpectations(t)
}

func TestCancel_PendingCancelsIntentBestEffort(t *testing.T) {
	gw := new(MockPaymentGateway)
	h := newHarness(t, gw)
	res, unit := h.seedSlot(t, 5, 1000)
	r := h.hold(t, res, unit, "guest", 2, models.StatusPending, "pi_2")

	gw.On("Cancel", mock.Anything, "pi_2").Return(errors.New("already expired"))

	cancelled, err := h.coord.Cancel(context.Background(), r.ID, hostID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, h.reserved(t, unit.ID))
	gw.AssertExpectations(t)
}

func TestCancel_ReleasesOnce(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 5, 1000)
	ctx := context.Background()
	r := h.hold(t, res, unit, "guest", 2, models.StatusPendingPayment, "")

	_, err := h.coord.Cancel(ctx, r.ID, "guest")
	require.NoError(t, err)

	_, err = h.coord.Cancel(ctx, r.ID, "guest")
	assert.ErrorIs(t, err, status.ErrAlreadyProcessed)
	assert.Equal(t, 0, h.reserved(t, unit.ID))
}

func TestCancel_Forbidden(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 5, 1000)
	r := h.hold(t, res, unit, "guest", 1, models.StatusPending, "mock_pi_x")

	_, err := h.coord.Cancel(context.Background(), r.ID, "stranger")
	assert.ErrorIs(t, err, status.ErrForbidden)
	assert.Equal(t, 1, h.reserved(t, unit.ID))
}

func TestConfirm_CompletedIsAlreadyProcessed(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 5, 1000)
	r := h.hold(t, res, unit, "guest", 1, models.StatusCompleted, "mock_pi_done")

	_, err := h.coord.Confirm(context.Background(), r.ID, "guest")
	assert.ErrorIs(t, err, status.ErrAlreadyProcessed)

	stored := h.reservation(t, r.ID)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Nil(t, stored.ConfirmedAt)
}

func TestConfirm_RequiresSucceededPayment(t *testing.T) {
	gw := new(MockPaymentGateway)
	h := newHarness(t, gw)
	res, unit := h.seedSlot(t, 5, 1000)
	ctx := context.Background()

	pending := h.hold(t, res, unit, "guest", 1, models.StatusPending, "pi_wait")
	gw.On("GetStatus", mock.Anything, "pi_wait").Return(status.OutcomePending, nil)

	_, err := h.coord.Confirm(ctx, pending.ID, "guest")
	assert.ErrorIs(t, err, status.ErrPaymentIncomplete)
	assert.Equal(t, models.StatusPending, h.reservation(t, pending.ID).Status)

	noRef := h.hold(t, res, unit, "other", 1, models.StatusPendingPayment, "")
	_, err = h.coord.Confirm(ctx, noRef.ID, "other")
	assert.ErrorIs(t, err, status.ErrPaymentIncomplete)

	_, err = h.coord.Confirm(ctx, pending.ID, hostID)
	assert.ErrorIs(t, err, status.ErrForbidden)
}

func TestCreate_GatewayFailureKeepsHold(t *testing.T) {
	gw := new(MockPaymentGateway)
	h := newHarness(t, gw)
	res, unit := h.seedSlot(t, 5, 1000)
	ctx := context.Background()

	gw.On("CreateIntent", mock.Anything, mock.Anything).Return(nil, errors.New("card network unreachable"))

	_, err := h.coord.Create(ctx, CreateRequest{UserID: "guest", ResourceID: res.ID, UnitID: unit.ID, Quantity: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrPaymentGateway)

	list, err := h.coord.ListForUser(ctx, "guest")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusPaymentFailed, list[0].Status)
	assert.NotNil(t, list[0].FailedAt)
	assert.Nil(t, list[0].ReleasedAt)

	// the hold is not rolled back; the sweeper returns it later
	assert.Equal(t, 2, h.reserved(t, unit.ID))
}

func TestCreate_IntentRequestCarriesTotal(t *testing.T) {
	gw := new(MockPaymentGateway)
	h := newHarness(t, gw)
	res, unit := h.seedSlot(t, 5, 1250)

	gw.On("CreateIntent", mock.Anything, mock.MatchedBy(func(req *bank.IntentRequest) bool {
		return req.Amount == models.NewMoney(3750, "USD") &&
			req.Metadata["user_id"] == "guest" &&
			req.Metadata["resource_id"] == res.ID &&
			req.Metadata["reservation_id"] != ""
	})).Return(&bank.Intent{ProviderReference: "pi_total", ClientSecret: "secret"}, nil)

	out, err := h.coord.Create(context.Background(), CreateRequest{UserID: "guest", ResourceID: res.ID, UnitID: unit.ID, Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, "pi_total", out.Reservation.ProviderReference)
	assert.Equal(t, "secret", out.ClientSecret)
	gw.AssertExpectations(t)
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 3, 1000)
	other, otherUnit := h.seedSlot(t, 3, 1000)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"anonymous", CreateRequest{ResourceID: res.ID, UnitID: unit.ID, Quantity: 1}, status.ErrForbidden},
		{"zero quantity", CreateRequest{UserID: "g", ResourceID: res.ID, UnitID: unit.ID}, status.ErrInvalidArgument},
		{"missing unit", CreateRequest{UserID: "g", ResourceID: res.ID, Quantity: 1}, status.ErrInvalidArgument},
		{"unknown resource", CreateRequest{UserID: "g", ResourceID: "nope", UnitID: unit.ID, Quantity: 1}, status.ErrNotFound},
		{"unknown unit", CreateRequest{UserID: "g", ResourceID: res.ID, UnitID: "nope", Quantity: 1}, status.ErrNotFound},
		{"foreign unit", CreateRequest{UserID: "g", ResourceID: other.ID, UnitID: unit.ID, Quantity: 1}, status.ErrInvalidArgument},
		{"over capacity", CreateRequest{UserID: "g", ResourceID: res.ID, UnitID: unit.ID, Quantity: 4}, status.ErrCapacityExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coord.Create(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	assert.Equal(t, 0, h.reserved(t, unit.ID))
	assert.Equal(t, 0, h.reserved(t, otherUnit.ID))
}

func TestCreate_Unavailable(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 3, 1000)
	ctx := context.Background()

	h.clock.Advance(25 * time.Hour)
	_, err := h.coord.Create(ctx, CreateRequest{UserID: "g", ResourceID: res.ID, UnitID: unit.ID, Quantity: 1})
	assert.ErrorIs(t, err, status.ErrUnavailable, "slot already started")

	draft, err := h.catalog.CreateResource(ctx, hostID, NewResource{
		Kind: models.KindProduct, Title: "Poster", Price: mustDecimal(t, "5"), Currency: "USD", Stock: 10,
	})
	require.NoError(t, err)
	units, err := h.catalog.ListUnits(ctx, draft.ID)
	require.NoError(t, err)

	_, err = h.coord.Create(ctx, CreateRequest{UserID: "g", ResourceID: draft.ID, UnitID: units[0].ID, Quantity: 1})
	assert.ErrorIs(t, err, status.ErrUnavailable, "draft resource")
}

func TestCreate_IdempotencyKey(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 5, 1000)
	ctx := context.Background()
	req := CreateRequest{UserID: "guest", ResourceID: res.ID, UnitID: unit.ID, Quantity: 2, IdempotencyKey: "checkout-1"}

	first, err := h.coord.Create(ctx, req)
	require.NoError(t, err)
	second, err := h.coord.Create(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Reservation.ID, second.Reservation.ID)
	assert.Equal(t, 2, h.reserved(t, unit.ID))

	// same key from another user is a different request
	req.UserID = "other"
	third, err := h.coord.Create(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Reservation.ID, third.Reservation.ID)
}

func TestCreate_OneActiveReservationPerUnit(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 5, 1000)
	ctx := context.Background()
	req := CreateRequest{UserID: "guest", ResourceID: res.ID, UnitID: unit.ID, Quantity: 1}

	first, err := h.coord.Create(ctx, req)
	require.NoError(t, err)

	_, err = h.coord.Create(ctx, req)
	assert.ErrorIs(t, err, status.ErrAlreadyProcessed)
	assert.Equal(t, 1, h.reserved(t, unit.ID))

	_, err = h.coord.Cancel(ctx, first.Reservation.ID, "guest")
	require.NoError(t, err)
	_, err = h.coord.Create(ctx, req)
	assert.NoError(t, err, "a cancelled reservation does not block a new one")
}

func TestComplete(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 5, 1000)
	ctx := context.Background()

	pending := h.hold(t, res, unit, "early", 1, models.StatusPending, "mock_pi_early")
	_, err := h.coord.Complete(ctx, pending.ID, hostID)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	r := h.hold(t, res, unit, "guest", 2, models.StatusConfirmed, "mock_pi_c")
	_, err = h.coord.Complete(ctx, r.ID, "guest")
	assert.ErrorIs(t, err, status.ErrForbidden)

	done, err := h.coord.Complete(ctx, r.ID, hostID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 3, h.reserved(t, unit.ID), "completion keeps the inventory consumed")

	_, err = h.coord.Complete(ctx, r.ID, hostID)
	assert.ErrorIs(t, err, status.ErrAlreadyProcessed)

	h.coord.Wait()
	assert.Contains(t, h.notifier.types(), models.EventBookingCompleted)
}

func TestGet_OnlyParties(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 5, 1000)
	r := h.hold(t, res, unit, "guest", 1, models.StatusPending, "mock_pi_g")
	ctx := context.Background()

	got, err := h.coord.Get(ctx, r.ID, "guest")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	_, err = h.coord.Get(ctx, r.ID, hostID)
	assert.NoError(t, err)

	_, err = h.coord.Get(ctx, r.ID, "stranger")
	assert.ErrorIs(t, err, status.ErrForbidden)

	_, err = h.coord.Get(ctx, "missing", "guest")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestListForUser_CachedUntilChange(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 5, 1000)
	ctx := context.Background()

	list, err := h.coord.ListForUser(ctx, "guest")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.True(t, h.cache.has(cache.UserReservationsKey("guest")))

	out, err := h.coord.Create(ctx, CreateRequest{UserID: "guest", ResourceID: res.ID, UnitID: unit.ID, Quantity: 1})
	require.NoError(t, err)
	assert.False(t, h.cache.has(cache.UserReservationsKey("guest")))

	list, err = h.coord.ListForUser(ctx, "guest")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, out.Reservation.ID, list[0].ID)

	hostList, err := h.coord.ListForHost(ctx, hostID)
	require.NoError(t, err)
	require.Len(t, hostList, 1)
	assert.True(t, h.cache.has(cache.HostReservationsKey(hostID)))

	_, err = h.coord.Confirm(ctx, out.Reservation.ID, "guest")
	require.NoError(t, err)
	assert.False(t, h.cache.has(cache.HostReservationsKey(hostID)))
	assert.Contains(t, h.cache.invalidated, cache.ResourcePattern(res.ID))
}

// Concurrent reserve and release calls against one unit never leave
// reserved outside [0, capacity], and the final value is the sum of the
// deltas that committed.
func TestLedger_ConcurrentReserveRelease(t *testing.T) {
	h := newHarness(t, nil)
	_, unit := h.seedSlot(t, 20, 1000)
	ledger := h.coord.Ledger()
	policy := RetryPolicy{MaxAttempts: 50, BaseDelay: 0, Jitter: time.Millisecond}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sum int
	)
	for i := 0; i < 60; i++ {
		delta := i%4 + 1
		if i%3 == 0 {
			delta = -delta
		}
		wg.Add(1)
		go func(delta int) {
			defer wg.Done()
			err := policy.Do(context.Background(), nil, func(ctx context.Context) error {
				u, err := ledger.Get(ctx, unit.ID)
				if err != nil {
					return err
				}
				_, err = ledger.TryReserve(ctx, unit.ID, u.Version, delta, "", "property")
				return err
			})
			if err == nil {
				mu.Lock()
				sum += delta
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, status.ErrCapacityExceeded) || errors.Is(err, status.ErrConcurrencyConflict), err)
		}(delta)
	}
	wg.Wait()

	final := h.reserved(t, unit.ID)
	assert.Equal(t, sum, final)
	assert.GreaterOrEqual(t, final, 0)
	assert.LessOrEqual(t, final, 20)

	transitions, err := h.store.ListTransitions(context.Background(), unit.ID)
	require.NoError(t, err)
	var audited int
	for _, tr := range transitions {
		audited += tr.Delta
	}
	assert.Equal(t, final, audited)
}

func TestIdempotencyHash(t *testing.T) {
	a := idempotencyHash("u1", "k")
	assert.Len(t, a, 64)
	assert.Equal(t, a, idempotencyHash("u1", "k"))
	assert.NotEqual(t, a, idempotencyHash("u2", "k"))
}

// slowFirstNotifier holds up the first delivery so that any later event
// would overtake it if deliveries were not ordered.
type slowFirstNotifier struct {
	recordingNotifier
	once sync.Once
}

func (n *slowFirstNotifier) Notify(ctx context.Context, ev models.Event) error {
	n.once.Do(func() { time.Sleep(20 * time.Millisecond) })
	return n.recordingNotifier.Notify(ctx, ev)
}

func TestEvents_DeliveredInOrderAndDroppedAfterClose(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 5, 1000)
	ctx := context.Background()

	n := &slowFirstNotifier{}
	coord := NewCoordinator(h.store, h.gateway,
		WithClock(h.clock),
		WithLogger(discardLogger()),
		WithNotifier(n),
	)

	first, err := coord.Create(ctx, CreateRequest{UserID: "guest", ResourceID: res.ID, UnitID: unit.ID, Quantity: 1})
	require.NoError(t, err)
	second, err := coord.Create(ctx, CreateRequest{UserID: "friend", ResourceID: res.ID, UnitID: unit.ID, Quantity: 1})
	require.NoError(t, err)
	_, err = coord.Confirm(ctx, first.Reservation.ID, "guest")
	require.NoError(t, err)
	_, err = coord.Cancel(ctx, first.Reservation.ID, "guest")
	require.NoError(t, err)

	coord.Close()
	assert.Equal(t, []models.EventType{
		models.EventBookingCreated,
		models.EventBookingCreated,
		models.EventBookingConfirmed,
		models.EventBookingCancelled,
	}, n.types())

	_, err = coord.Cancel(ctx, second.Reservation.ID, "friend")
	require.NoError(t, err, "closing only stops event delivery")
	coord.Wait()
	assert.Len(t, n.types(), 4)
	assert.Equal(t, 0, h.reserved(t, unit.ID))
}

func TestCreate_TotalOverflowIsRejectedBeforeHolding(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 4, math.MaxInt64/2)
	ctx := context.Background()

	_, err := h.coord.Create(ctx, CreateRequest{UserID: "guest", ResourceID: res.ID, UnitID: unit.ID, Quantity: 4})
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
	assert.Equal(t, 0, h.reserved(t, unit.ID))

	list, err := h.store.ListReservationsByUser(ctx, "guest")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 1, h.metrics.get("create/invalid_argument"))
}

// Repeated create, confirm and cancel cycles return the unit to where it
// started, with exactly one reserve and one release audited per cycle.
func TestCreateConfirmCancel_RoundTripsWithoutDrift(t *testing.T) {
	h := newHarness(t, nil)
	res, unit := h.seedSlot(t, 3, 1000)
	ctx := context.Background()

	before, err := h.store.ListTransitions(ctx, unit.ID)
	require.NoError(t, err)
	start, err := h.coord.Ledger().Get(ctx, unit.ID)
	require.NoError(t, err)

	const cycles = 5
	for i := 1; i <= cycles; i++ {
		out, err := h.coord.Create(ctx, CreateRequest{UserID: "guest", ResourceID: res.ID, UnitID: unit.ID, Quantity: 3})
		require.NoError(t, err, "cycle %d", i)
		assert.Equal(t, 3, h.reserved(t, unit.ID), "cycle %d", i)

		_, err = h.coord.Confirm(ctx, out.Reservation.ID, "guest")
		require.NoError(t, err, "cycle %d", i)
		_, err = h.coord.Cancel(ctx, out.Reservation.ID, "guest")
		require.NoError(t, err, "cycle %d", i)

		assert.Equal(t, 0, h.reserved(t, unit.ID), "cycle %d", i)
		transitions, err := h.store.ListTransitions(ctx, unit.ID)
		require.NoError(t, err)
		assert.Len(t, transitions, len(before)+2*i, "cycle %d", i)

		u, err := h.coord.Ledger().Get(ctx, unit.ID)
		require.NoError(t, err)
		assert.Equal(t, start.Version+int64(2*i), u.Version, "cycle %d", i)
	}
}

func TestCreate_ClosedDuringIntentCancelsIt(t *testing.T) {
	gw := new(MockPaymentGateway)
	h := newHarness(t, gw)
	res, unit := h.seedSlot(t, 5, 1000)
	ctx := context.Background()

	gw.On("CreateIntent", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(*bank.IntentRequest)
			_, err := h.coord.Cancel(ctx, req.Metadata["reservation_id"], "guest")
			require.NoError(t, err)
		}).
		Return(&bank.Intent{ProviderReference: "pi_orphan", ClientSecret: "secret"}, nil)
	gw.On("Cancel", mock.Anything, "pi_orphan").Return(nil).Once()

	_, err := h.coord.Create(ctx, CreateRequest{UserID: "guest", ResourceID: res.ID, UnitID: unit.ID, Quantity: 2})
	assert.ErrorIs(t, err, status.ErrAlreadyProcessed)
	assert.Equal(t, 0, h.reserved(t, unit.ID))
	gw.AssertExpectations(t)
}
