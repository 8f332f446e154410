package realtime

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxseedlab/storypoker/internal/config"
	"github.com/foxseedlab/storypoker/internal/realtime"
	"github.com/samber/do/v2"
)

const channelInitTimeout = 15 * time.Second

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (realtime.ChangeFeed, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewPostgresChangeFeed(cfg.DatabaseURL, cfg.ChangeChannel), nil
	})
	do.Provide(injector, func(i do.Injector) (realtime.Channel, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ctx, cancel := context.WithTimeout(context.Background(), channelInitTimeout)
		defer cancel()

		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open presence database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping presence database: %w", err)
		}
		if err := MigratePresence(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run presence migration: %w", err)
		}
		return NewPostgresChannel(db, ChannelOptions{
			DatabaseURL:     cfg.DatabaseURL,
			Topic:           cfg.BroadcastChannel,
			PresenceTTL:     cfg.PresenceTTL,
			RefreshInterval: cfg.PresenceRefreshInterval,
		}), nil
	})
}
