package models

import "time"

type EventType string

const (
	EventBookingCreated   EventType = "BookingCreated"
	EventBookingConfirmed EventType = "BookingConfirmed"
	EventBookingCancelled EventType = "BookingCancelled"
	EventBookingCompleted EventType = "BookingCompleted"

	EventOrderCreated   EventType = "OrderCreated"
	EventOrderPaid      EventType = "OrderPaid"
	EventOrderCancelled EventType = "OrderCancelled"
	EventOrderDelivered EventType = "OrderDelivered"
)

var eventsByKind = map[ResourceKind]map[ReservationStatus]EventType{
	KindExperience: {
		StatusPending:   EventBookingCreated,
		StatusConfirmed: EventBookingConfirmed,
		StatusCancelled: EventBookingCancelled,
		StatusCompleted: EventBookingCompleted,
	},
	KindProduct: {
		StatusPending:   EventOrderCreated,
		StatusConfirmed: EventOrderPaid,
		StatusCancelled: EventOrderCancelled,
		StatusCompleted: EventOrderDelivered,
	},
}

// EventFor names the notification for a reservation entering status.
// Statuses without a notification return false.
func EventFor(kind ResourceKind, s ReservationStatus) (EventType, bool) {
	if s == StatusPendingPayment {
		s = StatusPending
	}
	t, ok := eventsByKind[kind][s]
	return t, ok
}

// Event is the notification payload. Display fields are denormalised so
// receivers never have to read back.
type Event struct {
	Type          EventType         `json:"type"`
	ReservationID string            `json:"reservation_id"`
	UserID        string            `json:"user_id"`
	HostID        string            `json:"host_id"`
	ResourceID    string            `json:"resource_id"`
	ResourceTitle string            `json:"resource_title"`
	ResourceKind  ResourceKind      `json:"resource_kind"`
	Quantity      int               `json:"quantity"`
	Total         Money             `json:"total"`
	Status        ReservationStatus `json:"status"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

func NewEvent(t EventType, r *Reservation, at time.Time) Event {
	return Event{
		Type:          t,
		ReservationID: r.ID,
		UserID:        r.UserID,
		HostID:        r.HostID,
		ResourceID:    r.ResourceID,
		ResourceTitle: r.ResourceTitle,
		ResourceKind:  r.ResourceKind,
		Quantity:      r.Quantity,
		Total:         r.TotalPrice,
		Status:        r.Status,
		OccurredAt:    at,
	}
}
