package poker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/foxseedlab/storypoker/internal/realtime"
)

// ChangeFeedListener turns durable-store notifications into validated events.
type ChangeFeedListener struct {
	feed realtime.ChangeFeed

	mu         sync.Mutex
	subscribed bool
}

func NewChangeFeedListener(feed realtime.ChangeFeed) *ChangeFeedListener {
	return &ChangeFeedListener{feed: feed}
}

// Listen subscribes once; later calls return nil without resubscribing.
func (l *ChangeFeedListener) Listen(ctx context.Context, deliver func(Event)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribed {
		return nil
	}

	err := l.feed.Subscribe(ctx, func(change realtime.Change) {
		ev, err := decodeChange(change)
		if err != nil {
			slog.Warn("dropping change notification", "table", change.Table, "type", change.Type, "error", err)
			return
		}
		if ev == nil {
			return
		}
		deliver(ev)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe change feed: %w", ErrTransport, err)
	}
	l.subscribed = true
	return nil
}

func (l *ChangeFeedListener) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.subscribed {
		return nil
	}
	l.subscribed = false
	if err := l.feed.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("%w: unsubscribe change feed: %w", ErrTransport, err)
	}
	return nil
}
