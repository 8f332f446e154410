package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/storypoker/internal/realtime"
	"github.com/jackc/pgx/v5"
)

const (
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

// PostgresChangeFeed listens on the channel the row triggers notify. It holds
// one dedicated connection outside the pool and reconnects when it drops.
type PostgresChangeFeed struct {
	databaseURL string
	channel     string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPostgresChangeFeed(databaseURL, channel string) realtime.ChangeFeed {
	return &PostgresChangeFeed{databaseURL: databaseURL, channel: channel}
}

func (f *PostgresChangeFeed) Subscribe(ctx context.Context, handler func(realtime.Change)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return nil
	}

	conn, err := f.listen(ctx)
	if err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(loopCtx, conn, handler, f.done)

	slog.Info("change feed subscribed", "channel", f.channel)
	return nil
}

func (f *PostgresChangeFeed) Unsubscribe(ctx context.Context) error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		slog.Info("change feed unsubscribed", "channel", f.channel)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *PostgresChangeFeed) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, f.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect change feed: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("failed to listen on %s: %w", f.channel, err)
	}
	return conn, nil
}

func (f *PostgresChangeFeed) run(ctx context.Context, conn *pgx.Conn, handler func(realtime.Change), done chan struct{}) {
	defer close(done)
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			_ = conn.Close(context.Background())
			if ctx.Err() != nil {
				return
			}
			slog.Warn("change feed connection lost; reconnecting", "channel", f.channel, "error", err)
			if conn = f.reconnect(ctx); conn == nil {
				return
			}
			continue
		}

		change, err := decodeChange(n.Payload)
		if err != nil {
			slog.Warn("dropping change notification", "channel", f.channel, "error", err)
			continue
		}
		handler(change)
	}
}

// reconnect retries with doubling delay until it succeeds or ctx ends, in
// which case it returns nil.
func (f *PostgresChangeFeed) reconnect(ctx context.Context) *pgx.Conn {
	delay := minReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		conn, err := f.listen(ctx)
		if err == nil {
			slog.Info("change feed reconnected", "channel", f.channel)
			return conn
		}
		delay = min(delay*2, maxReconnectDelay)
		slog.Error("failed to reconnect change feed", "channel", f.channel, "retry_in", delay, "error", err)
	}
}
