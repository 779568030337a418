package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"festival-booking/internal/clock"
	"festival-booking/internal/services/bank"
	"festival-booking/internal/status"
	"festival-booking/internal/storage"
	"festival-booking/migrations"
	"festival-booking/models"

	"github.com/pocketbase/dbx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var testNow = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

const hostID = "host-1"

type harness struct {
	store    *storage.Store
	clock    *clock.Manual
	gateway  bank.Gateway
	cache    *memCache
	notifier *recordingNotifier
	metrics  *countingMetrics
	coord    *Coordinator
	catalog  *Catalog
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, gateway bank.Gateway) *harness {
	t.Helper()
	db, err := dbx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// :memory: databases are per connection.
	db.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Apply(context.Background(), db))

	if gateway == nil {
		gateway = bank.NewMockGateway()
	}

	h := &harness{
		clock:    clock.NewManual(testNow),
		gateway:  gateway,
		cache:    newMemCache(),
		notifier: &recordingNotifier{},
		metrics:  newCountingMetrics(),
	}
	h.store = storage.New(db, storage.WithClock(h.clock))
	h.coord = NewCoordinator(h.store, gateway,
		WithClock(h.clock),
		WithLogger(discardLogger()),
		WithCache(h.cache),
		WithNotifier(h.notifier),
		WithMetrics(h.metrics),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Jitter: time.Millisecond}),
	)
	h.catalog = NewCatalog(h.store, h.cache, discardLogger())
	t.Cleanup(h.coord.Close)
	return h
}

// seedSlot creates an active experience priced at price minor units with
// one slot of the given capacity starting a day after testNow.
func (h *harness) seedSlot(t *testing.T, capacity int, price int64) (*models.Resource, *models.InventoryUnit) {
	t.Helper()
	ctx := context.Background()

	res, err := h.catalog.CreateResource(ctx, hostID, NewResource{
		Kind:     models.KindExperience,
		Title:    "Lantern workshop",
		Price:    decimal.New(price, -2),
		Currency: "USD",
		Status:   models.ResourceActive,
	})
	require.NoError(t, err)

	starts := testNow.Add(24 * time.Hour)
	unit, err := h.catalog.CreateUnit(ctx, hostID, res.ID, NewUnit{StartsAt: &starts, Capacity: capacity})
	require.NoError(t, err)
	return res, unit
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func (h *harness) reserved(t *testing.T, unitID string) int {
	t.Helper()
	u, err := h.store.GetUnit(context.Background(), unitID)
	require.NoError(t, err)
	return u.Reserved
}

func (h *harness) reservation(t *testing.T, id string) *models.Reservation {
	t.Helper()
	r, err := h.store.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r
}

// hold writes a reservation in st together with its ledger hold, as if a
// create had stopped at that point.
func (h *harness) hold(t *testing.T, res *models.Resource, unit *models.InventoryUnit, userID string, qty int, st models.ReservationStatus, ref string) *models.Reservation {
	t.Helper()
	ctx := context.Background()
	now := h.clock.Now()

	r := &models.Reservation{
		ID:                "res-" + userID,
		UserID:            userID,
		ResourceID:        res.ID,
		UnitID:            unit.ID,
		HostID:            res.OwnerID,
		ResourceKind:      res.Kind,
		ResourceTitle:     res.Title,
		Quantity:          qty,
		UnitPrice:         res.UnitPrice,
		TotalPrice:        models.NewMoney(res.UnitPrice.Amount*int64(qty), res.UnitPrice.Currency),
		Status:            st,
		ProviderReference: ref,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, h.store.WithTx(ctx, func(ctx context.Context) error {
		current, err := h.store.GetUnit(ctx, unit.ID)
		if err != nil {
			return err
		}
		if _, err := h.store.ApplyDelta(ctx, unit.ID, current.Version, qty, r.ID, reasonReserve); err != nil {
			return err
		}
		return h.store.InsertReservation(ctx, r)
	}))
	return r
}

type memCache struct {
	mu          sync.Mutex
	data        map[string][]byte
	invalidated []string
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) GetJSON(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *memCache) SetJSON(_ context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = raw
	return nil
}

func (c *memCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
		c.invalidated = append(c.invalidated, k)
	}
	return nil
}

func (c *memCache) InvalidatePattern(_ context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
		}
	}
	c.invalidated = append(c.invalidated, pattern)
	return nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev models.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) types() []models.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.EventType, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int)}
}

func (m *countingMetrics) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *countingMetrics) TrackReservation(op, outcome string)  { m.inc(op + "/" + outcome) }
func (m *countingMetrics) TrackConflict()                       { m.inc("conflict") }
func (m *countingMetrics) TrackRetry()                          { m.inc("retry") }
func (m *countingMetrics) TrackSweep(st, outcome string)        { m.inc("sweep/" + st + "/" + outcome) }
func (m *countingMetrics) TrackSettlement(src, outcome string)  { m.inc("settlement/" + src + "/" + outcome) }
func (m *countingMetrics) TrackHold(st string, _ time.Duration) { m.inc("hold/" + st) }

// MockPaymentGateway is a scripted gateway.
type MockPaymentGateway struct {
	mock.Mock
}

func (m *MockPaymentGateway) Provider() bank.Provider {
	return bank.Provider("scripted")
}

func (m *MockPaymentGateway) CreateIntent(ctx context.Context, req *bank.IntentRequest) (*bank.Intent, error) {
	args := m.Called(ctx, req)
	intent, _ := args.Get(0).(*bank.Intent)
	return intent, args.Error(1)
}

func (m *MockPaymentGateway) GetStatus(ctx context.Context, reference string) (status.Outcome, error) {
	args := m.Called(ctx, reference)
	return args.Get(0).(status.Outcome), args.Error(1)
}

func (m *MockPaymentGateway) Refund(ctx context.Context, reference string, amount *models.Money) error {
	return m.Called(ctx, reference, amount).Error(0)
}

func (m *MockPaymentGateway) Cancel(ctx context.Context, reference string) error {
	return m.Called(ctx, reference).Error(0)
}

func (m *MockPaymentGateway) SetSettlementChannel(ch chan *status.Settlement) {}

func (m *MockPaymentGateway) Close(context.Context) error {
	return nil
}
