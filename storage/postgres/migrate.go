package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations. goose needs database/sql,
// so the pool is bridged through the pgx stdlib driver.
func (s *Storage) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer func(db *sql.DB) {
		_ = db.Close()
	}(db)

	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{log: s.config.Logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose's Printf-style output to the entitlement logger.
type gooseLogger struct {
	log entitlement.Logger
}

func (l *gooseLogger) Fatalf(format string, v ...any) {
	if l.log != nil {
		l.log.Error(fmt.Sprintf(format, v...))
	}
}

func (l *gooseLogger) Printf(format string, v ...any) {
	if l.log != nil {
		l.log.Info(fmt.Sprintf(format, v...))
	}
}
