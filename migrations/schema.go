package migrations

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
)

// trackingTable records applied booking schema versions. It lives beside
// pocketbase's own _migrations table so the same statements can run
// against an external Postgres database.
const trackingTable = "booking_schema_migrations"

type migration struct {
	version string
	up      []string
	down    []string
}

// Statements stay within the SQL subset shared by SQLite and Postgres.
// Timestamps are unix milliseconds.
var all = []migration{
	{
		version: "0001_inventory",
		up: []string{
			`CREATE TABLE IF NOT EXISTS resources (
				id         TEXT PRIMARY KEY,
				owner_id   TEXT NOT NULL,
				kind       TEXT NOT NULL,
				title      TEXT NOT NULL,
				unit_price BIGINT NOT NULL CHECK (unit_price >= 0),
				currency   TEXT NOT NULL,
				status     TEXT NOT NULL,
				version    BIGINT NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_resources_owner ON resources (owner_id)`,
			`CREATE TABLE IF NOT EXISTS inventory_units (
				id          TEXT PRIMARY KEY,
				resource_id TEXT NOT NULL REFERENCES resources (id),
				slot_key    TEXT NOT NULL,
				starts_at   BIGINT NULL,
				ends_at     BIGINT NULL,
				capacity    INTEGER NOT NULL CHECK (capacity >= 0),
				reserved    INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0 AND reserved <= capacity),
				version     BIGINT NOT NULL DEFAULT 0,
				status      TEXT NOT NULL,
				created_at  BIGINT NOT NULL,
				updated_at  BIGINT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_inventory_units_slot ON inventory_units (resource_id, slot_key)`,
			`CREATE TABLE IF NOT EXISTS ledger_transitions (
				id             TEXT PRIMARY KEY,
				unit_id        TEXT NOT NULL,
				resource_id    TEXT NOT NULL,
				version        BIGINT NOT NULL,
				delta          INTEGER NOT NULL,
				reserved       INTEGER NOT NULL,
				reservation_id TEXT NOT NULL DEFAULT '',
				reason         TEXT NOT NULL,
				created_at     BIGINT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_transitions_unit_version ON ledger_transitions (unit_id, version)`,
		},
		down: []string{
			`DROP TABLE IF EXISTS ledger_transitions`,
			`DROP TABLE IF EXISTS inventory_units`,
			`DROP TABLE IF EXISTS resources`,
		},
	},
	{
		version: "0002_reservations",
		up: []string{
			`CREATE TABLE IF NOT EXISTS reservations (
				id                 TEXT PRIMARY KEY,
				user_id            TEXT NOT NULL,
				resource_id        TEXT NOT NULL,
				unit_id            TEXT NOT NULL,
				host_id            TEXT NOT NULL,
				resource_kind      TEXT NOT NULL,
				resource_title     TEXT NOT NULL,
				quantity           INTEGER NOT NULL CHECK (quantity > 0),
				unit_price         BIGINT NOT NULL,
				total_price        BIGINT NOT NULL,
				currency           TEXT NOT NULL,
				status             TEXT NOT NULL,
				provider_reference TEXT NULL,
				idempotency_hash   TEXT NULL,
				failure_reason     TEXT NOT NULL DEFAULT '',
				created_at         BIGINT NOT NULL,
				updated_at         BIGINT NOT NULL,
				pending_at         BIGINT NULL,
				confirmed_at       BIGINT NULL,
				cancelled_at       BIGINT NULL,
				completed_at       BIGINT NULL,
				failed_at          BIGINT NULL,
				released_at        BIGINT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_active_per_user
				ON reservations (user_id, unit_id)
				WHERE status IN ('pending_payment', 'pending', 'confirmed')`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_idempotency
				ON reservations (user_id, idempotency_hash)
				WHERE idempotency_hash IS NOT NULL`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_provider_reference
				ON reservations (provider_reference)
				WHERE provider_reference IS NOT NULL`,
			`CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations (user_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_reservations_host ON reservations (host_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_reservations_sweep ON reservations (status, updated_at)`,
		},
		down: []string{
			`DROP TABLE IF EXISTS reservations`,
		},
	},
}

// Apply runs every migration not yet recorded in the tracking table.
// When db is a *dbx.DB each migration runs in its own transaction.
func Apply(ctx context.Context, db dbx.Builder) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`, trackingTable)
	if _, err := db.NewQuery(create).WithContext(ctx).Execute(); err != nil {
		return fmt.Errorf("migrations: create tracking table: %w", err)
	}

	for _, mig := range all {
		applied, err := isApplied(ctx, db, mig.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		run := func(b dbx.Builder) error {
			for _, stmt := range mig.up {
				if _, err := b.NewQuery(stmt).WithContext(ctx).Execute(); err != nil {
					return fmt.Errorf("migrations: %s: %w", mig.version, err)
				}
			}
			_, err := b.Insert(trackingTable, dbx.Params{
				"version":    mig.version,
				"applied_at": time.Now().UnixMilli(),
			}).WithContext(ctx).Execute()
			return err
		}

		if err := inTx(ctx, db, run); err != nil {
			return err
		}
	}
	return nil
}

// Revert rolls back every applied migration in reverse order.
func Revert(ctx context.Context, db dbx.Builder) error {
	for i := len(all) - 1; i >= 0; i-- {
		mig := all[i]
		applied, err := isApplied(ctx, db, mig.version)
		if err != nil || !applied {
			continue
		}

		run := func(b dbx.Builder) error {
			for _, stmt := range mig.down {
				if _, err := b.NewQuery(stmt).WithContext(ctx).Execute(); err != nil {
					return fmt.Errorf("migrations: revert %s: %w", mig.version, err)
				}
			}
			_, err := b.Delete(trackingTable, dbx.HashExp{"version": mig.version}).WithContext(ctx).Execute()
			return err
		}

		if err := inTx(ctx, db, run); err != nil {
			return err
		}
	}
	return nil
}

func isApplied(ctx context.Context, db dbx.Builder, version string) (bool, error) {
	var n int
	err := db.NewQuery(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE version = {:version}", trackingTable)).
		WithContext(ctx).
		Bind(dbx.Params{"version": version}).
		Row(&n)
	if err != nil {
		return false, fmt.Errorf("migrations: check %s: %w", version, err)
	}
	return n > 0, nil
}

func inTx(ctx context.Context, db dbx.Builder, fn func(b dbx.Builder) error) error {
	if d, ok := db.(*dbx.DB); ok {
		return d.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
			return fn(tx)
		})
	}
	return fn(db)
}
