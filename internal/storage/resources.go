package storage

import (
	"context"
	"fmt"

	"festival-booking/internal/status"
	"festival-booking/models"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
)

type resourceRow struct {
	ID        string `db:"id"`
	OwnerID   string `db:"owner_id"`
	Kind      string `db:"kind"`
	Title     string `db:"title"`
	UnitPrice int64  `db:"unit_price"`
	Currency  string `db:"currency"`
	Status    string `db:"status"`
	Version   int64  `db:"version"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r resourceRow) toModel() *models.Resource {
	return &models.Resource{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Kind:      models.ResourceKind(r.Kind),
		Title:     r.Title,
		UnitPrice: models.NewMoney(r.UnitPrice, r.Currency),
		Status:    models.ResourceStatus(r.Status),
		Version:   r.Version,
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

func (s *Store) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	var row resourceRow
	err := s.query(ctx, `SELECT id, owner_id, kind, title, unit_price, currency, status, version, created_at, updated_at
		FROM resources WHERE id = {:id}`, dbx.Params{"id": id}).One(&row)
	if err != nil {
		return nil, notFoundOr(err, "resource", id)
	}
	return row.toModel(), nil
}

func (s *Store) CreateResource(ctx context.Context, r *models.Resource) error {
	now := s.now()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.builder(ctx).Insert("resources", dbx.Params{
		"id":         r.ID,
		"owner_id":   r.OwnerID,
		"kind":       string(r.Kind),
		"title":      r.Title,
		"unit_price": r.UnitPrice.Amount,
		"currency":   r.UnitPrice.Currency,
		"status":     string(r.Status),
		"version":    r.Version,
		"created_at": millis(now),
		"updated_at": millis(now),
	}).WithContext(ctx).Execute()
	if isUniqueViolation(err) {
		return status.Wrap(status.KindAlreadyProcessed, err, fmt.Sprintf("resource %s already exists", r.ID))
	}
	if err != nil {
		return fmt.Errorf("storage: create resource: %w", err)
	}
	return nil
}

// UpdateResourceStatus changes the status only if the resource is still at
// expectedVersion.
func (s *Store) UpdateResourceStatus(ctx context.Context, id string, expectedVersion int64, to models.ResourceStatus) (*models.Resource, error) {
	res, err := s.query(ctx, `UPDATE resources SET status = {:status}, version = version + 1, updated_at = {:now}
		WHERE id = {:id} AND version = {:version}`,
		dbx.Params{"id": id, "status": string(to), "version": expectedVersion, "now": millis(s.now())}).Execute()
	if err != nil {
		return nil, fmt.Errorf("storage: update resource %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("storage: update resource %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.GetResource(ctx, id); err != nil {
			return nil, err
		}
		return nil, status.Wrap(status.KindConcurrencyConflict, status.ErrConcurrencyConflict,
			fmt.Sprintf("resource %s changed since version %d", id, expectedVersion))
	}
	return s.GetResource(ctx, id)
}
