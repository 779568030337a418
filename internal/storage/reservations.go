package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"festival-booking/internal/status"
	"festival-booking/models"

	"github.com/pocketbase/dbx"
)

const reservationColumns = `id, user_id, resource_id, unit_id, host_id, resource_kind, resource_title,
	quantity, unit_price, total_price, currency, status, provider_reference, idempotency_hash,
	failure_reason, created_at, updated_at, pending_at, confirmed_at, cancelled_at, completed_at,
	failed_at, released_at`

type reservationRow struct {
	ID                string         `db:"id"`
	UserID            string         `db:"user_id"`
	ResourceID        string         `db:"resource_id"`
	UnitID            string         `db:"unit_id"`
	HostID            string         `db:"host_id"`
	ResourceKind      string         `db:"resource_kind"`
	ResourceTitle     string         `db:"resource_title"`
	Quantity          int            `db:"quantity"`
	UnitPrice         int64          `db:"unit_price"`
	TotalPrice        int64          `db:"total_price"`
	Currency          string         `db:"currency"`
	Status            string         `db:"status"`
	ProviderReference sql.NullString `db:"provider_reference"`
	IdempotencyHash   sql.NullString `db:"idempotency_hash"`
	FailureReason     string         `db:"failure_reason"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
	PendingAt         sql.NullInt64  `db:"pending_at"`
	ConfirmedAt       sql.NullInt64  `db:"confirmed_at"`
	CancelledAt       sql.NullInt64  `db:"cancelled_at"`
	CompletedAt       sql.NullInt64  `db:"completed_at"`
	FailedAt          sql.NullInt64  `db:"failed_at"`
	ReleasedAt        sql.NullInt64  `db:"released_at"`
}

func (r reservationRow) toModel() *models.Reservation {
	return &models.Reservation{
		ID:                r.ID,
		UserID:            r.UserID,
		ResourceID:        r.ResourceID,
		UnitID:            r.UnitID,
		HostID:            r.HostID,
		ResourceKind:      models.ResourceKind(r.ResourceKind),
		ResourceTitle:     r.ResourceTitle,
		Quantity:          r.Quantity,
		UnitPrice:         models.NewMoney(r.UnitPrice, r.Currency),
		TotalPrice:        models.NewMoney(r.TotalPrice, r.Currency),
		Status:            models.ReservationStatus(r.Status),
		ProviderReference: r.ProviderReference.String,
		IdempotencyHash:   r.IdempotencyHash.String,
		FailureReason:     r.FailureReason,
		CreatedAt:         fromMillis(r.CreatedAt),
		UpdatedAt:         fromMillis(r.UpdatedAt),
		PendingAt:         fromNullMillis(r.PendingAt),
		ConfirmedAt:       fromNullMillis(r.ConfirmedAt),
		CancelledAt:       fromNullMillis(r.CancelledAt),
		CompletedAt:       fromNullMillis(r.CompletedAt),
		FailedAt:          fromNullMillis(r.FailedAt),
		ReleasedAt:        fromNullMillis(r.ReleasedAt),
	}
}

// InsertReservation stores a new reservation. A second active reservation
// of the same unit by the same user, or a reused idempotency key, fails
// with AlreadyProcessed.
func (s *Store) InsertReservation(ctx context.Context, r *models.Reservation) error {
	_, err := s.builder(ctx).Insert("reservations", dbx.Params{
		"id":                 r.ID,
		"user_id":            r.UserID,
		"resource_id":        r.ResourceID,
		"unit_id":            r.UnitID,
		"host_id":            r.HostID,
		"resource_kind":      string(r.ResourceKind),
		"resource_title":     r.ResourceTitle,
		"quantity":           r.Quantity,
		"unit_price":         r.UnitPrice.Amount,
		"total_price":        r.TotalPrice.Amount,
		"currency":           r.TotalPrice.Currency,
		"status":             string(r.Status),
		"provider_reference": nullString(r.ProviderReference),
		"idempotency_hash":   nullString(r.IdempotencyHash),
		"failure_reason":     r.FailureReason,
		"created_at":         millis(r.CreatedAt),
		"updated_at":         millis(r.UpdatedAt),
		"pending_at":         nullMillis(r.PendingAt),
		"confirmed_at":       nullMillis(r.ConfirmedAt),
		"cancelled_at":       nullMillis(r.CancelledAt),
		"completed_at":       nullMillis(r.CompletedAt),
		"failed_at":          nullMillis(r.FailedAt),
		"released_at":        nullMillis(r.ReleasedAt),
	}).WithContext(ctx).Execute()
	if isUniqueViolation(err) {
		return status.Wrap(status.KindAlreadyProcessed, err, "an active reservation for this slot already exists")
	}
	if err != nil {
		return fmt.Errorf("storage: insert reservation: %w", err)
	}
	return nil
}

func (s *Store) getReservationBy(ctx context.Context, where string, params dbx.Params) (*models.Reservation, error) {
	var row reservationRow
	if err := s.query(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE `+where, params).One(&row); err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := s.getReservationBy(ctx, `id = {:id}`, dbx.Params{"id": id})
	if err != nil {
		return nil, notFoundOr(err, "reservation", id)
	}
	return r, nil
}

func (s *Store) FindReservationByProviderReference(ctx context.Context, ref string) (*models.Reservation, error) {
	r, err := s.getReservationBy(ctx, `provider_reference = {:ref}`, dbx.Params{"ref": ref})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.Wrap(status.KindNotFound, status.ErrRefCodeNotFound, fmt.Sprintf("no reservation for provider reference %s", ref))
	}
	if err != nil {
		return nil, fmt.Errorf("storage: find by provider reference: %w", err)
	}
	return r, nil
}

// FindReservationByIdempotencyHash returns nil, nil when no reservation matches.
func (s *Store) FindReservationByIdempotencyHash(ctx context.Context, userID, hash string) (*models.Reservation, error) {
	r, err := s.getReservationBy(ctx, `user_id = {:uid} AND idempotency_hash = {:hash}`, dbx.Params{"uid": userID, "hash": hash})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: find by idempotency key: %w", err)
	}
	return r, nil
}

// TransitionReservation writes r only if the stored status is still from.
// A reservation that moved on in the meantime fails with AlreadyProcessed.
func (s *Store) TransitionReservation(ctx context.Context, r *models.Reservation, from models.ReservationStatus) error {
	r.UpdatedAt = s.now()

	res, err := s.query(ctx, `UPDATE reservations SET
			status = {:status},
			provider_reference = {:ref},
			failure_reason = {:reason},
			updated_at = {:updated},
			pending_at = {:pending},
			confirmed_at = {:confirmed},
			cancelled_at = {:cancelled},
			completed_at = {:completed},
			failed_at = {:failed}
		WHERE id = {:id} AND status = {:from}`,
		dbx.Params{
			"id":        r.ID,
			"from":      string(from),
			"status":    string(r.Status),
			"ref":       nullString(r.ProviderReference),
			"reason":    r.FailureReason,
			"updated":   millis(r.UpdatedAt),
			"pending":   nullMillis(r.PendingAt),
			"confirmed": nullMillis(r.ConfirmedAt),
			"cancelled": nullMillis(r.CancelledAt),
			"completed": nullMillis(r.CompletedAt),
			"failed":    nullMillis(r.FailedAt),
		}).Execute()
	if isUniqueViolation(err) {
		return status.Wrap(status.KindAlreadyProcessed, err, "provider reference already in use")
	}
	if err != nil {
		return fmt.Errorf("storage: update reservation %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update reservation %s: %w", r.ID, err)
	}
	if n == 0 {
		current, err := s.GetReservation(ctx, r.ID)
		if err != nil {
			return err
		}
		return status.Newf(status.KindAlreadyProcessed, "reservation %s is already %s", r.ID, current.Status)
	}
	return nil
}

// MarkReleased sets released_at once. It reports false when the
// reservation's inventory was already returned.
func (s *Store) MarkReleased(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.query(ctx, `UPDATE reservations SET released_at = {:at}, updated_at = {:at}
		WHERE id = {:id} AND released_at IS NULL`, dbx.Params{"id": id, "at": millis(at)}).Execute()
	if err != nil {
		return false, fmt.Errorf("storage: mark reservation %s released: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: mark reservation %s released: %w", id, err)
	}
	return n == 1, nil
}

func (s *Store) listReservations(ctx context.Context, where string, params dbx.Params, suffix string) ([]*models.Reservation, error) {
	var rows []reservationRow
	err := s.query(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE `+where+` `+suffix, params).All(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list reservations: %w", err)
	}
	out := make([]*models.Reservation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (s *Store) ListReservationsByUser(ctx context.Context, userID string) ([]*models.Reservation, error) {
	return s.listReservations(ctx, `user_id = {:uid}`, dbx.Params{"uid": userID}, `ORDER BY created_at DESC`)
}

func (s *Store) ListReservationsByHost(ctx context.Context, hostID string) ([]*models.Reservation, error) {
	return s.listReservations(ctx, `host_id = {:hid}`, dbx.Params{"hid": hostID}, `ORDER BY created_at DESC`)
}

// ListStaleReservations returns reservations in st that still hold
// inventory and were last touched before the cutoff, oldest first.
func (s *Store) ListStaleReservations(ctx context.Context, st models.ReservationStatus, before time.Time, limit int) ([]*models.Reservation, error) {
	return s.listReservations(ctx,
		`status = {:status} AND released_at IS NULL AND updated_at < {:before}`,
		dbx.Params{"status": string(st), "before": millis(before), "limit": limit},
		`ORDER BY updated_at LIMIT {:limit}`)
}
