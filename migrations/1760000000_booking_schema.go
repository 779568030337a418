package migrations

import (
	"context"
	"os"

	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// The booking tables live in pocketbase's SQLite database unless an
// external Postgres database is configured, in which case startup applies
// the same schema there.
func init() {
	m.Register(func(app core.App) error {
		if os.Getenv("DATABASE_URL") != "" {
			return nil
		}
		return Apply(context.Background(), app.DB())
	}, func(app core.App) error {
		if os.Getenv("DATABASE_URL") != "" {
			return nil
		}
		return Revert(context.Background(), app.DB())
	})
}
