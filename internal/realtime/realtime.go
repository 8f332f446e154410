package realtime

import (
	"context"
	"encoding/json"
	"time"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one row-level notification from the durable store. NewRow is the
// full row after the change.
type Change struct {
	Table  string          `json:"table"`
	Type   ChangeType      `json:"type"`
	NewRow json.RawMessage `json:"new"`
}

// Participant is one connected client as seen through presence. Ref is assigned
// per connection by the transport, so one person may appear under several refs.
type Participant struct {
	Ref      string    `json:"presence_ref"`
	UUID     string    `json:"uuid"`
	Name     string    `json:"name"`
	OnlineAt time.Time `json:"online_at"`
}

// ChangeFeed delivers inserts and updates of the durable store at least once.
// Unsubscribe is safe to call more than once.
type ChangeFeed interface {
	Subscribe(ctx context.Context, handler func(Change)) error
	Unsubscribe(ctx context.Context) error
}

// Channel is a shared topic carrying best-effort broadcasts and presence.
// Handlers must be registered before Subscribe.
type Channel interface {
	Subscribe(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
	Send(ctx context.Context, event string, payload []byte) error
	RegisterBroadcastHandler(event string, handler func(payload []byte))
	// RegisterPresenceSyncHandler receives the complete set of connected
	// participants on every sync, never a delta.
	RegisterPresenceSyncHandler(handler func([]Participant))
	Track(ctx context.Context, self Participant) error
	Untrack(ctx context.Context) error
}
