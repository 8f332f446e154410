package realtime

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/foxseedlab/storypoker/internal/realtime"
	"github.com/foxseedlab/storypoker/internal/testdb"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openChannel(t *testing.T, dbURL, topic string) *PostgresChannel {
	t.Helper()
	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	require.NoError(t, MigratePresence(context.Background(), db))

	c := NewPostgresChannel(db, ChannelOptions{
		DatabaseURL:     dbURL,
		Topic:           topic,
		PresenceTTL:     3 * time.Second,
		RefreshInterval: 200 * time.Millisecond,
	})
	t.Cleanup(func() {
		_ = c.Shutdown(context.Background())
	})
	return c
}

func TestPostgresChannel_Integration(t *testing.T) {
	dbURL := testdb.SchemaURL(t)
	ctx := context.Background()

	t.Run("should deliver broadcasts to every subscriber", func(t *testing.T) {
		topic := testdb.Channel("bc")
		sender := openChannel(t, dbURL, topic)
		receiver := openChannel(t, dbURL, topic)
		got := make(chan []byte, 4)
		receiver.RegisterBroadcastHandler("vote", func(p []byte) {
			select {
			case got <- p:
			default:
			}
		})
		require.NoError(t, sender.Subscribe(ctx))
		require.NoError(t, receiver.Subscribe(ctx))

		require.NoError(t, sender.Send(ctx, "vote", []byte(`{"storyPoints":"8"}`)))

		select {
		case p := <-got:
			assert.JSONEq(t, `{"storyPoints":"8"}`, string(p))
		case <-time.After(5 * time.Second):
			t.Fatal("broadcast was not delivered")
		}
	})

	t.Run("should refuse to send before subscribing", func(t *testing.T) {
		c := openChannel(t, dbURL, testdb.Channel("bc"))

		assert.ErrorIs(t, c.Send(ctx, "vote", []byte(`{}`)), errNotSubscribed)
		assert.ErrorIs(t, c.Track(ctx, realtime.Participant{UUID: uuid.NewString(), Name: "x"}), errNotSubscribed)
	})

	t.Run("should push full presence snapshots", func(t *testing.T) {
		topic := testdb.Channel("pr")
		alice := openChannel(t, dbURL, topic)
		bob := openChannel(t, dbURL, topic)
		snapshots := make(chan []realtime.Participant, 64)
		alice.RegisterPresenceSyncHandler(func(ps []realtime.Participant) {
			select {
			case snapshots <- ps:
			default:
			}
		})
		require.NoError(t, alice.Subscribe(ctx))
		require.NoError(t, bob.Subscribe(ctx))

		bobID := uuid.NewString()
		require.NoError(t, bob.Track(ctx, realtime.Participant{UUID: bobID, Name: "Bob"}))
		waitFor(t, snapshots, func(ps []realtime.Participant) bool {
			return len(ps) == 1 && ps[0].UUID == bobID && ps[0].Ref != ""
		})

		require.NoError(t, bob.Unsubscribe(ctx))
		waitFor(t, snapshots, func(ps []realtime.Participant) bool { return len(ps) == 0 })
	})
}

func TestPostgresChangeFeed_Integration(t *testing.T) {
	dbURL := testdb.SchemaURL(t)
	ctx := context.Background()
	channel := testdb.Channel("changes")

	feed := NewPostgresChangeFeed(dbURL, channel)
	got := make(chan realtime.Change, 4)
	require.NoError(t, feed.Subscribe(ctx, func(c realtime.Change) {
		select {
		case got <- c:
		default:
		}
	}))
	t.Cleanup(func() {
		_ = feed.Unsubscribe(context.Background())
	})

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	payload := fmt.Sprintf(`{"table":"rooms","type":"UPDATE","new":{"id":1,"version":%d}}`, 2)
	_, err = db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	require.NoError(t, err)

	select {
	case c := <-got:
		assert.Equal(t, "rooms", c.Table)
		assert.Equal(t, realtime.ChangeUpdate, c.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("change was not delivered")
	}

	require.NoError(t, feed.Unsubscribe(ctx))
	require.NoError(t, feed.Unsubscribe(ctx))
}

func waitFor(t *testing.T, ch <-chan []realtime.Participant, match func([]realtime.Participant) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ps := <-ch:
			if match(ps) {
				return
			}
		case <-deadline:
			t.Fatal("expected presence snapshot did not arrive")
		}
	}
}
