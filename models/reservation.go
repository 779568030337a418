package models

import "time"

type ReservationStatus string

const (
	StatusPendingPayment ReservationStatus = "pending_payment"
	StatusPending        ReservationStatus = "pending"
	StatusConfirmed      ReservationStatus = "confirmed"
	StatusCompleted      ReservationStatus = "completed"
	StatusCancelled      ReservationStatus = "cancelled"
	StatusPaymentFailed  ReservationStatus = "payment_failed"
)

func (s ReservationStatus) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusPending, StatusConfirmed,
		StatusCompleted, StatusCancelled, StatusPaymentFailed:
		return true
	}
	return false
}

func (s ReservationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusPaymentFailed
}

func (s ReservationStatus) CanBeCancelled() bool {
	return s == StatusPendingPayment || s == StatusPending || s == StatusConfirmed
}

func (s ReservationStatus) CanBeConfirmed() bool {
	return s == StatusPendingPayment || s == StatusPending
}

func (s ReservationStatus) CanBeCompleted() bool {
	return s == StatusConfirmed
}

// CanFailPayment reports whether a failed settlement may still move the
// reservation to payment_failed.
func (s ReservationStatus) CanFailPayment() bool {
	return s == StatusPendingPayment || s == StatusPending
}

type Reservation struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	ResourceID        string            `json:"resource_id"`
	UnitID            string            `json:"unit_id"`
	HostID            string            `json:"host_id"`
	ResourceKind      ResourceKind      `json:"resource_kind"`
	ResourceTitle     string            `json:"resource_title"`
	Quantity          int               `json:"quantity"`
	UnitPrice         Money             `json:"unit_price"`
	TotalPrice        Money             `json:"total_price"`
	Status            ReservationStatus `json:"status"`
	ProviderReference string            `json:"provider_reference,omitempty"`
	IdempotencyHash   string            `json:"-"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	PendingAt         *time.Time        `json:"pending_at,omitempty"`
	ConfirmedAt       *time.Time        `json:"confirmed_at,omitempty"`
	CancelledAt       *time.Time        `json:"cancelled_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	FailedAt          *time.Time        `json:"failed_at,omitempty"`
	ReleasedAt        *time.Time        `json:"released_at,omitempty"`
}

// IsParty reports whether userID is the guest or the host of the reservation.
func (r *Reservation) IsParty(userID string) bool {
	return userID != "" && (userID == r.UserID || userID == r.HostID)
}

// HoldsInventory reports whether the reserved quantity is still counted in the ledger.
func (r *Reservation) HoldsInventory() bool {
	return r.ReleasedAt == nil && r.Status != StatusCompleted
}
