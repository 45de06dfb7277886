package observability

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	sharederrors "github.com/jordigilh/wrenchbot/pkg/shared/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending migration in migrations/ to db.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return sharederrors.FailedTo("set migration dialect", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return sharederrors.FailedTo("apply migrations", err)
	}
	return nil
}
