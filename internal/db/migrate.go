package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies ("up"), rolls back one step ("down"), or reports
// ("status") the embedded schema migrations.
func Migrate(ctx context.Context, sqlDB *sql.DB, direction string, logger *zap.Logger) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(zapGooseLogger{logger.Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	var err error
	switch direction {
	case "up":
		err = goose.UpContext(ctx, sqlDB, "migrations")
	case "down":
		err = goose.DownContext(ctx, sqlDB, "migrations")
	case "status":
		err = goose.StatusContext(ctx, sqlDB, "migrations")
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}

type zapGooseLogger struct{ s *zap.SugaredLogger }

func (l zapGooseLogger) Fatalf(format string, v ...interface{}) { l.s.Errorf(format, v...) }
func (l zapGooseLogger) Printf(format string, v ...interface{}) { l.s.Infof(format, v...) }
