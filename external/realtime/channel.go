package realtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/storypoker/internal/realtime"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	presenceChannelSuffix = "_presence"
	listenerPingInterval  = 90 * time.Second
	// expired leases linger this long before cleanup so peers with skewed
	// clocks still see them expire first
	expiredLeaseGrace = 30 * time.Second
)

var errNotSubscribed = errors.New("channel is not subscribed")

// PostgresChannel carries broadcasts as NOTIFY messages on one Postgres
// channel and presence as lease rows. A second notify channel tells peers to
// refresh their presence snapshot right away instead of on the next poll.
type PostgresChannel struct {
	db              *sql.DB
	databaseURL     string
	topic           string
	presenceChannel string
	store           *presenceStore
	ttl             time.Duration
	refreshInterval time.Duration
	now             func() time.Time

	mu                sync.Mutex
	broadcastHandlers map[string][]func([]byte)
	syncHandlers      []func([]realtime.Participant)
	listener          *pq.Listener
	cancel            context.CancelFunc
	workers           sync.WaitGroup
	self              *presenceLease
	stopRenew         context.CancelFunc

	// serializes snapshot reads so an older one never lands after a newer one
	refreshMu sync.Mutex
}

type ChannelOptions struct {
	DatabaseURL     string
	Topic           string
	PresenceTTL     time.Duration
	RefreshInterval time.Duration
}

func NewPostgresChannel(db *sql.DB, opts ChannelOptions) *PostgresChannel {
	return &PostgresChannel{
		db:                db,
		databaseURL:       opts.DatabaseURL,
		topic:             opts.Topic,
		presenceChannel:   opts.Topic + presenceChannelSuffix,
		store:             newPresenceStore(db, opts.Topic),
		ttl:               opts.PresenceTTL,
		refreshInterval:   opts.RefreshInterval,
		now:               time.Now,
		broadcastHandlers: make(map[string][]func([]byte)),
	}
}

func (c *PostgresChannel) RegisterBroadcastHandler(event string, handler func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastHandlers[event] = append(c.broadcastHandlers[event], handler)
}

func (c *PostgresChannel) RegisterPresenceSyncHandler(handler func([]realtime.Participant)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncHandlers = append(c.syncHandlers, handler)
}

// Subscribe starts listening for broadcasts and presence changes and pushes
// an initial presence snapshot. Subscribing twice is a no-op.
func (c *PostgresChannel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		return nil
	}

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}
	listener := pq.NewListener(c.databaseURL, minReconnectDelay, maxReconnectDelay, c.onListenerEvent)
	for _, ch := range []string{c.topic, c.presenceChannel} {
		if err := listener.Listen(ch); err != nil {
			_ = listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", ch, err)
		}
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	c.listener = listener
	c.cancel = cancel
	c.workers.Add(2)
	go c.dispatchWorker(workerCtx, listener)
	go c.refreshPresenceWorker(workerCtx)

	slog.Info("channel subscribed", "topic", c.topic)
	return nil
}

// Unsubscribe drops the own presence lease, stops the workers and closes the
// listener. It is safe to call more than once.
func (c *PostgresChannel) Unsubscribe(ctx context.Context) error {
	if err := c.Untrack(ctx); err != nil {
		slog.Warn("failed to untrack on unsubscribe", "topic", c.topic, "error", err)
	}

	c.mu.Lock()
	listener, cancel := c.listener, c.cancel
	c.listener, c.cancel = nil, nil
	c.mu.Unlock()
	if listener == nil {
		return nil
	}

	cancel()
	err := listener.Close()
	c.workers.Wait()
	if err != nil {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	slog.Info("channel unsubscribed", "topic", c.topic)
	return nil
}

// Send publishes a broadcast to every subscriber of the topic, this client
// included. Subscribers that are offline never see it.
func (c *PostgresChannel) Send(ctx context.Context, event string, payload []byte) error {
	if !c.subscribed() {
		return errNotSubscribed
	}
	msg, err := encodeEnvelope(c.topic, event, payload)
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", c.topic, msg); err != nil {
		return fmt.Errorf("failed to notify %s: %w", c.topic, err)
	}
	return nil
}

// Track writes a presence lease for self under a fresh ref and keeps it
// renewed until Untrack. Tracking again replaces the previous lease.
func (c *PostgresChannel) Track(ctx context.Context, self realtime.Participant) error {
	if !c.subscribed() {
		return errNotSubscribed
	}
	if err := c.Untrack(ctx); err != nil {
		return err
	}

	self.Ref = uuid.NewString()
	if self.OnlineAt.IsZero() {
		self.OnlineAt = c.now()
	}
	lease := presenceLease{Participant: self, ExpiresAt: c.now().Add(c.ttl)}
	if err := c.store.Set(ctx, lease); err != nil {
		return err
	}

	renewCtx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	c.self = &lease
	c.stopRenew = stop
	c.workers.Add(1)
	c.mu.Unlock()
	go c.renewLeaseWorker(renewCtx, lease)

	c.announcePresence(ctx)
	slog.Info("presence tracked", "topic", c.topic, "ref", self.Ref, "participant_id", self.UUID)
	return nil
}

func (c *PostgresChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	lease, stop := c.self, c.stopRenew
	c.self, c.stopRenew = nil, nil
	c.mu.Unlock()
	if lease == nil {
		return nil
	}

	stop()
	if err := c.store.Delete(ctx, lease.Participant.Ref); err != nil {
		return err
	}
	c.announcePresence(ctx)
	slog.Info("presence untracked", "topic", c.topic, "ref", lease.Participant.Ref)
	return nil
}

func (c *PostgresChannel) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener != nil
}

func (c *PostgresChannel) announcePresence(ctx context.Context) {
	if _, err := c.db.ExecContext(ctx, "SELECT pg_notify($1, '')", c.presenceChannel); err != nil {
		slog.Warn("failed to announce presence change", "topic", c.topic, "error", err)
	}
}

func (c *PostgresChannel) onListenerEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventDisconnected:
		slog.Warn("channel listener disconnected", "topic", c.topic, "error", err)
	case pq.ListenerEventReconnected:
		slog.Info("channel listener reconnected", "topic", c.topic)
	case pq.ListenerEventConnectionAttemptFailed:
		slog.Error("channel listener connection attempt failed", "topic", c.topic, "error", err)
	}
}

// dispatchWorker fans notifications out to the registered handlers.
func (c *PostgresChannel) dispatchWorker(ctx context.Context, listener *pq.Listener) {
	defer c.workers.Done()
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// reconnected; anything sent meanwhile is lost
				c.refreshPresence(ctx)
				continue
			}
			switch n.Channel {
			case c.topic:
				c.dispatchBroadcast(n.Extra)
			case c.presenceChannel:
				c.refreshPresence(ctx)
			}
		case <-ticker.C:
			go func() {
				_ = listener.Ping()
			}()
		}
	}
}

func (c *PostgresChannel) dispatchBroadcast(raw string) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		slog.Warn("dropping broadcast", "topic", c.topic, "error", err)
		return
	}
	if env.Topic != c.topic {
		return
	}
	c.mu.Lock()
	handlers := append([]func([]byte){}, c.broadcastHandlers[env.Event]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(env.Payload)
	}
}

// refreshPresenceWorker polls the lease table so expired peers disappear
// even when nobody announces a change.
func (c *PostgresChannel) refreshPresenceWorker(ctx context.Context) {
	defer c.workers.Done()
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	c.refreshPresence(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshPresence(ctx)
			if n, err := c.store.DeleteExpired(ctx, c.now().Add(-expiredLeaseGrace)); err != nil {
				slog.Error("failed to clean up expired presence", "topic", c.topic, "error", err)
			} else if n > 0 {
				slog.Debug("expired presence removed", "topic", c.topic, "count", n)
			}
		}
	}
}

func (c *PostgresChannel) refreshPresence(ctx context.Context) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	participants, err := c.store.ListActive(ctx, c.now())
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to refresh presence", "topic", c.topic, "error", err)
		}
		return
	}
	c.mu.Lock()
	handlers := append([]func([]realtime.Participant){}, c.syncHandlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(participants)
	}
}

// renewLeaseWorker extends the own lease at a third of its ttl.
func (c *PostgresChannel) renewLeaseWorker(ctx context.Context, lease presenceLease) {
	defer c.workers.Done()
	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lease.ExpiresAt = c.now().Add(c.ttl)
			renewed, err := c.store.Renew(ctx, lease.Participant.Ref, lease.ExpiresAt)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("failed to renew presence", "topic", c.topic, "ref", lease.Participant.Ref, "error", err)
				}
				continue
			}
			if !renewed {
				if err := c.store.Set(ctx, lease); err != nil {
					slog.Error("failed to restore presence", "topic", c.topic, "ref", lease.Participant.Ref, "error", err)
					continue
				}
				c.announcePresence(ctx)
			}
		}
	}
}

// Shutdown lets the DI container release the channel and its pool.
func (c *PostgresChannel) Shutdown(ctx context.Context) error {
	return errors.Join(c.Unsubscribe(ctx), c.db.Close())
}
