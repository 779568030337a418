package models

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"festival-booking/internal/status"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoney_FromMajorIsExact(t *testing.T) {
	m, err := MoneyFromMajor(decimal.RequireFromString("12.50"), "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(1250), m.Amount)
	assert.Equal(t, "USD", m.Currency)
	assert.True(t, decimal.RequireFromString("12.5").Equal(m.Major()))

	yen, err := MoneyFromMajor(decimal.NewFromInt(3000), "JPY")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), yen.Amount)
}

func TestMoney_FromMajorRejectsSubMinorPrecision(t *testing.T) {
	_, err := MoneyFromMajor(decimal.RequireFromString("0.005"), "USD")
	require.Error(t, err)
	assert.Equal(t, status.KindInvalidArgument, status.KindOf(err))

	_, err = MoneyFromMajor(decimal.RequireFromString("1.5"), "JPY")
	assert.Error(t, err)
}

func TestMoney_Arithmetic(t *testing.T) {
	price := NewMoney(2500, "USD")
	qty, err := NewQuantity(3, 10)
	require.NoError(t, err)

	total, err := price.Mul(qty)
	require.NoError(t, err)
	assert.Equal(t, NewMoney(7500, "USD"), total)

	sum, err := Sum("USD", total, NewMoney(1, "USD"), NewMoney(99, "USD"))
	require.NoError(t, err)
	assert.Equal(t, int64(7600), sum.Amount)
	assert.Equal(t, "76.00 USD", sum.String())

	_, err = price.Add(NewMoney(1, "EUR"))
	assert.Equal(t, status.KindInvalidArgument, status.KindOf(err))
}

func TestMoney_RejectsOverflow(t *testing.T) {
	four, err := NewQuantity(4, 4)
	require.NoError(t, err)

	_, err = NewMoney(math.MaxInt64/2, "USD").Mul(four)
	assert.Equal(t, status.KindInvalidArgument, status.KindOf(err))
	_, err = NewMoney(math.MinInt64/2, "USD").Mul(four)
	assert.Equal(t, status.KindInvalidArgument, status.KindOf(err))

	edge, err := NewMoney(math.MaxInt64/4, "USD").Mul(four)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64/4*4), edge.Amount)

	_, err = NewMoney(math.MaxInt64, "USD").Add(NewMoney(1, "USD"))
	assert.Equal(t, status.KindInvalidArgument, status.KindOf(err))
	_, err = NewMoney(math.MinInt64, "USD").Add(NewMoney(-1, "USD"))
	assert.Equal(t, status.KindInvalidArgument, status.KindOf(err))

	_, err = Sum("USD", NewMoney(math.MaxInt64-1, "USD"), NewMoney(1, "USD"), NewMoney(1, "USD"))
	assert.Equal(t, status.KindInvalidArgument, status.KindOf(err))
}

func TestQuantity_Bounds(t *testing.T) {
	_, err := NewQuantity(0, 5)
	assert.Equal(t, status.KindInvalidArgument, status.KindOf(err))

	_, err = NewQuantity(-2, 5)
	assert.Equal(t, status.KindInvalidArgument, status.KindOf(err))

	_, err = NewQuantity(6, 5)
	assert.Equal(t, status.KindCapacityExceeded, status.KindOf(err))

	q, err := NewQuantity(5, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, q.Int())
}

func TestReservationStatus_Transitions(t *testing.T) {
	tests := []struct {
		status      ReservationStatus
		cancel      bool
		confirm     bool
		complete    bool
		terminal    bool
		failPayment bool
	}{
		{StatusPendingPayment, true, true, false, false, true},
		{StatusPending, true, true, false, false, true},
		{StatusConfirmed, true, false, true, false, false},
		{StatusCompleted, false, false, false, true, false},
		{StatusCancelled, false, false, false, true, false},
		{StatusPaymentFailed, false, false, false, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.True(t, tt.status.Valid())
			assert.Equal(t, tt.cancel, tt.status.CanBeCancelled())
			assert.Equal(t, tt.confirm, tt.status.CanBeConfirmed())
			assert.Equal(t, tt.complete, tt.status.CanBeCompleted())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.failPayment, tt.status.CanFailPayment())
		})
	}

	assert.False(t, ReservationStatus("shipped").Valid())
}

func TestInventoryUnit_Availability(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Minute)

	unit := InventoryUnit{Capacity: 10, Reserved: 4, Status: UnitOpen, StartsAt: &later}
	assert.Equal(t, 6, unit.Available())
	assert.True(t, unit.IsOpen(now))

	unit.StartsAt = &earlier
	assert.False(t, unit.IsOpen(now), "slot already started")

	unit.StartsAt = nil
	unit.Status = UnitClosed
	assert.False(t, unit.IsOpen(now))

	full := InventoryUnit{Capacity: 3, Reserved: 3, Status: UnitOpen}
	assert.Equal(t, 0, full.Available())
	assert.True(t, full.IsOpen(now), "a full unit is still open")
}

func TestReservation_Parties(t *testing.T) {
	r := Reservation{UserID: "guest-1", HostID: "host-1"}
	assert.True(t, r.IsParty("guest-1"))
	assert.True(t, r.IsParty("host-1"))
	assert.False(t, r.IsParty("someone"))
	assert.False(t, r.IsParty(""))

	assert.True(t, r.HoldsInventory())
	released := time.Now()
	r.ReleasedAt = &released
	assert.False(t, r.HoldsInventory())
}

func TestEventFor(t *testing.T) {
	tp, ok := EventFor(KindExperience, StatusConfirmed)
	require.True(t, ok)
	assert.Equal(t, EventBookingConfirmed, tp)

	tp, ok = EventFor(KindProduct, StatusCompleted)
	require.True(t, ok)
	assert.Equal(t, EventOrderDelivered, tp)

	tp, ok = EventFor(KindProduct, StatusPendingPayment)
	require.True(t, ok)
	assert.Equal(t, EventOrderCreated, tp)

	_, ok = EventFor(KindExperience, StatusPaymentFailed)
	assert.False(t, ok)
}

func TestEvent_CarriesDisplayFields(t *testing.T) {
	at := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	r := &Reservation{
		ID:            "res-1",
		UserID:        "guest-1",
		HostID:        "host-1",
		ResourceID:    "exp-1",
		ResourceTitle: "Sunrise Yoga",
		ResourceKind:  KindExperience,
		Quantity:      2,
		TotalPrice:    NewMoney(4000, "USD"),
		Status:        StatusConfirmed,
	}

	data, err := json.Marshal(NewEvent(EventBookingConfirmed, r, at))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "BookingConfirmed", decoded["type"])
	assert.Equal(t, "Sunrise Yoga", decoded["resource_title"])
	assert.Equal(t, float64(2), decoded["quantity"])
	assert.Equal(t, map[string]any{"amount": float64(4000), "currency": "USD"}, decoded["total"])
}
