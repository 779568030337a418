package models

import "time"

type ResourceKind string

const (
	KindExperience ResourceKind = "experience"
	KindProduct    ResourceKind = "product"
)

func (k ResourceKind) Valid() bool {
	return k == KindExperience || k == KindProduct
}

type ResourceStatus string

const (
	ResourceDraft    ResourceStatus = "draft"
	ResourceActive   ResourceStatus = "active"
	ResourceSoldOut  ResourceStatus = "sold_out"
	ResourceArchived ResourceStatus = "archived"
)

func (s ResourceStatus) Valid() bool {
	switch s {
	case ResourceDraft, ResourceActive, ResourceSoldOut, ResourceArchived:
		return true
	}
	return false
}

// Resource is something a host sells: a bookable experience or a stocked product.
type Resource struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Kind      ResourceKind   `json:"kind"`
	Title     string         `json:"title"`
	UnitPrice Money          `json:"unit_price"`
	Status    ResourceStatus `json:"status"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (r *Resource) IsActive() bool {
	return r.Status == ResourceActive
}

type UnitStatus string

const (
	UnitOpen   UnitStatus = "open"
	UnitClosed UnitStatus = "closed"
)

// StockSlotKey is the slot key of the single inventory unit of a product.
const StockSlotKey = "stock"

// InventoryUnit is a time slot of an experience or the stock of a product.
type InventoryUnit struct {
	ID         string     `json:"id"`
	ResourceID string     `json:"resource_id"`
	SlotKey    string     `json:"slot_key"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	Capacity   int        `json:"capacity"`
	Reserved   int        `json:"reserved"`
	Version    int64      `json:"version"`
	Status     UnitStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Available is capacity minus reserved, never negative.
func (u *InventoryUnit) Available() int {
	if a := u.Capacity - u.Reserved; a > 0 {
		return a
	}
	return 0
}

// IsOpen reports whether the unit is open and its slot has not started.
func (u *InventoryUnit) IsOpen(now time.Time) bool {
	if u.Status != UnitOpen {
		return false
	}
	return u.StartsAt == nil || now.Before(*u.StartsAt)
}

// LedgerTransition is one committed capacity mutation of a unit.
type LedgerTransition struct {
	ID            string    `json:"id"`
	UnitID        string    `json:"unit_id"`
	ResourceID    string    `json:"resource_id"`
	Version       int64     `json:"version"`
	Delta         int       `json:"delta"`
	Reserved      int       `json:"reserved"`
	ReservationID string    `json:"reservation_id"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}
