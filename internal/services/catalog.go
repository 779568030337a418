package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"festival-booking/internal/services/cache"
	"festival-booking/internal/status"
	"festival-booking/models"

	"github.com/shopspring/decimal"
)

// Catalog manages the resources hosts offer and their inventory units.
type Catalog struct {
	store Store
	cache Cache
	log   *slog.Logger
}

func NewCatalog(store Store, c Cache, log *slog.Logger) *Catalog {
	if c == nil {
		c = cache.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{store: store, cache: c, log: log}
}

type NewResource struct {
	Kind     models.ResourceKind   `json:"kind"`
	Title    string                `json:"title"`
	Price    decimal.Decimal       `json:"price"`
	Currency string                `json:"currency"`
	Status   models.ResourceStatus `json:"status,omitempty"`
	// Stock is the capacity of a product's single unit.
	Stock int `json:"stock,omitempty"`
}

type NewUnit struct {
	SlotKey  string     `json:"slot_key"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
	Capacity int        `json:"capacity"`
}

// CreateResource creates a resource owned by ownerID. A product gets its
// stock unit in the same transaction.
func (c *Catalog) CreateResource(ctx context.Context, ownerID string, in NewResource) (*models.Resource, error) {
	if ownerID == "" {
		return nil, status.New(status.KindForbidden, "authentication required")
	}
	if !in.Kind.Valid() {
		return nil, status.Newf(status.KindInvalidArgument, "unknown resource kind %q", in.Kind)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, status.New(status.KindInvalidArgument, "title is required")
	}
	if in.Currency == "" {
		return nil, status.New(status.KindInvalidArgument, "currency is required")
	}
	if !in.Price.IsPositive() {
		return nil, status.New(status.KindInvalidArgument, "price must be positive")
	}
	price, err := models.MoneyFromMajor(in.Price, in.Currency)
	if err != nil {
		return nil, err
	}
	st := in.Status
	if st == "" {
		st = models.ResourceDraft
	}
	if !st.Valid() {
		return nil, status.Newf(status.KindInvalidArgument, "unknown resource status %q", st)
	}
	if in.Kind == models.KindProduct && in.Stock <= 0 {
		return nil, status.New(status.KindInvalidArgument, "a product needs a positive stock")
	}

	r := &models.Resource{
		OwnerID:   ownerID,
		Kind:      in.Kind,
		Title:     title,
		UnitPrice: price,
		Status:    st,
	}
	err = c.store.WithTx(ctx, func(ctx context.Context) error {
		if err := c.store.CreateResource(ctx, r); err != nil {
			return err
		}
		if r.Kind != models.KindProduct {
			return nil
		}
		return c.store.CreateUnit(ctx, &models.InventoryUnit{
			ResourceID: r.ID,
			SlotKey:    models.StockSlotKey,
			Capacity:   in.Stock,
			Status:     models.UnitOpen,
		})
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("resource created", "resource_id", r.ID, "kind", r.Kind, "owner_id", ownerID)
	return r, nil
}

// UpdateResourceStatus changes a resource's status if it is still at
// expectedVersion.
func (c *Catalog) UpdateResourceStatus(ctx context.Context, actorID, id string, expectedVersion int64, to models.ResourceStatus) (*models.Resource, error) {
	if !to.Valid() {
		return nil, status.Newf(status.KindInvalidArgument, "unknown resource status %q", to)
	}
	if _, err := c.ownedResource(ctx, actorID, id); err != nil {
		return nil, err
	}

	r, err := c.store.UpdateResourceStatus(ctx, id, expectedVersion, to)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, id)
	return r, nil
}

func (c *Catalog) CreateUnit(ctx context.Context, actorID, resourceID string, in NewUnit) (*models.InventoryUnit, error) {
	r, err := c.ownedResource(ctx, actorID, resourceID)
	if err != nil {
		return nil, err
	}
	if in.Capacity <= 0 {
		return nil, status.New(status.KindInvalidArgument, "capacity must be positive")
	}
	if in.StartsAt != nil && in.EndsAt != nil && !in.EndsAt.After(*in.StartsAt) {
		return nil, status.New(status.KindInvalidArgument, "ends_at must be after starts_at")
	}

	key := strings.TrimSpace(in.SlotKey)
	if r.Kind == models.KindProduct {
		key = models.StockSlotKey
	} else if key == "" {
		if in.StartsAt == nil {
			return nil, status.New(status.KindInvalidArgument, "slot_key or starts_at is required")
		}
		key = in.StartsAt.UTC().Format(time.RFC3339)
	}

	u := &models.InventoryUnit{
		ResourceID: r.ID,
		SlotKey:    key,
		StartsAt:   in.StartsAt,
		EndsAt:     in.EndsAt,
		Capacity:   in.Capacity,
		Status:     models.UnitOpen,
	}
	if err := c.store.CreateUnit(ctx, u); err != nil {
		return nil, err
	}
	c.invalidate(ctx, r.ID)
	return u, nil
}

// DeleteUnit removes a unit that holds no reservations.
func (c *Catalog) DeleteUnit(ctx context.Context, actorID, unitID string) error {
	u, err := c.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	if _, err := c.ownedResource(ctx, actorID, u.ResourceID); err != nil {
		return err
	}
	if err := c.store.DeleteUnit(ctx, unitID); err != nil {
		return err
	}
	c.invalidate(ctx, u.ResourceID)
	return nil
}

// ListUnits returns a resource's units, read through the cache.
func (c *Catalog) ListUnits(ctx context.Context, resourceID string) ([]*models.InventoryUnit, error) {
	key := cache.ResourceUnitsKey(resourceID)

	var units []*models.InventoryUnit
	hit, err := c.cache.GetJSON(ctx, key, &units)
	if err != nil {
		c.log.Warn("cache read failed", "key", key, "error", err)
	}
	if hit {
		return units, nil
	}

	if _, err := c.store.GetResource(ctx, resourceID); err != nil {
		return nil, err
	}
	units, err = c.store.ListUnits(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetJSON(ctx, key, units); err != nil {
		c.log.Warn("cache write failed", "key", key, "error", err)
	}
	return units, nil
}

func (c *Catalog) ownedResource(ctx context.Context, actorID, id string) (*models.Resource, error) {
	r, err := c.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID == "" || r.OwnerID != actorID {
		return nil, status.New(status.KindForbidden, "only the owner can change this resource")
	}
	return r, nil
}

func (c *Catalog) invalidate(ctx context.Context, resourceID string) {
	if err := c.cache.InvalidatePattern(context.WithoutCancel(ctx), cache.ResourcePattern(resourceID)); err != nil {
		c.log.Warn("cache invalidation failed", "resource_id", resourceID, "error", err)
	}
}
