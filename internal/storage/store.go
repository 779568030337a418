package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"festival-booking/internal/clock"
	"festival-booking/internal/status"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pocketbase/dbx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store persists resources, inventory units, reservations and the ledger
// audit trail through dbx, so it runs on pocketbase's SQLite database or on
// an external Postgres database.
type Store struct {
	db    *dbx.DB
	clock clock.Clock
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(db *dbx.DB, opts ...Option) *Store {
	s := &Store{db: db, clock: clock.NewSystem()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPostgres opens dsn with the pgx stdlib driver and wraps it for dbx.
func OpenPostgres(ctx context.Context, dsn string) (*dbx.DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}

	return dbx.NewFromDB(sqlDB, "postgres"), nil
}

func (s *Store) DB() *dbx.DB {
	return s.db
}

type txKey struct{}

// WithTx runs fn inside a transaction carried by the context. Nested calls
// join the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	return s.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func txFromContext(ctx context.Context) *dbx.Tx {
	tx, _ := ctx.Value(txKey{}).(*dbx.Tx)
	return tx
}

// builder returns the transaction in ctx, or the database.
func (s *Store) builder(ctx context.Context) dbx.Builder {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

func (s *Store) query(ctx context.Context, stmt string, params dbx.Params) *dbx.Query {
	q := s.builder(ctx).NewQuery(stmt).WithContext(ctx)
	if params != nil {
		q = q.Bind(params)
	}
	return q
}

func (s *Store) now() time.Time {
	return s.clock.Now()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func notFoundOr(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return status.Wrap(status.KindNotFound, err, fmt.Sprintf("%s %s not found", what, id))
	}
	return fmt.Errorf("storage: load %s %s: %w", what, id, err)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
