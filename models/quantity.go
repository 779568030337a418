package models

import "festival-booking/internal/status"

// Quantity is a positive count validated against an availability snapshot.
type Quantity struct {
	n int
}

// NewQuantity accepts n only if 0 < n <= available.
func NewQuantity(n, available int) (Quantity, error) {
	if n <= 0 {
		return Quantity{}, status.Newf(status.KindInvalidArgument, "quantity must be positive, got %d", n)
	}
	if n > available {
		return Quantity{}, status.Newf(status.KindCapacityExceeded, "requested %d but only %d available", n, available)
	}
	return Quantity{n: n}, nil
}

func (q Quantity) Int() int {
	return q.n
}
