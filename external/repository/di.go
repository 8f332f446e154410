package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxseedlab/storypoker/internal/config"
	"github.com/foxseedlab/storypoker/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"
)

const (
	poolInitTimeout = 15 * time.Second
	poolMaxConns    = 4
	applicationName = "storypoker"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*pgxpool.Pool, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return openPool(cfg.DatabaseURL, cfg.ChangeChannel)
	})
	do.Provide(injector, func(i do.Injector) (repository.Repository, error) {
		return NewPostgresRepository(do.MustInvoke[*pgxpool.Pool](i)), nil
	})
}

// openPool connects a small pool for one client process and makes sure the
// schema and its change triggers exist.
func openPool(databaseURL, changeChannel string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), poolInitTimeout)
	defer cancel()

	pc, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	pc.MaxConns = poolMaxConns
	if _, ok := pc.ConnConfig.RuntimeParams["application_name"]; !ok {
		pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	p, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := RunMigration(ctx, p, changeChannel); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	slog.Debug("database pool ready", "max_conns", pc.MaxConns, "change_channel", changeChannel)
	return p, nil
}
