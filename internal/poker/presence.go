package poker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/storypoker/internal/realtime"
)

type PresenceState int

const (
	PresenceDisconnected PresenceState = iota
	PresenceJoining
	PresenceJoined
)

func (s PresenceState) String() string {
	switch s {
	case PresenceJoining:
		return "joining"
	case PresenceJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

// PresenceTracker mirrors the set of connected participants. Every sync
// replaces the whole set. Presence is independent of room loading, so the
// tracker keeps its own lock instead of running on the session loop.
type PresenceTracker struct {
	channel realtime.Channel
	now     func() time.Time

	mu           sync.Mutex
	state        PresenceState
	self         realtime.Participant
	participants map[string]realtime.Participant
	onChange     func([]realtime.Participant)
}

func NewPresenceTracker(channel realtime.Channel) *PresenceTracker {
	t := &PresenceTracker{
		channel:      channel,
		now:          time.Now,
		participants: make(map[string]realtime.Participant),
	}
	channel.RegisterPresenceSyncHandler(t.OnSync)
	return t
}

// OnChange registers a callback invoked after every applied sync.
func (t *PresenceTracker) OnChange(fn func([]realtime.Participant)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Join subscribes the shared channel and tracks self once the subscription
// is live. A second Join while joining or joined is a no-op.
func (t *PresenceTracker) Join(ctx context.Context, name, participantID string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(participantID) == "" {
		return fmt.Errorf("%w: name and participant id are required", ErrValidation)
	}

	t.mu.Lock()
	if t.state != PresenceDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.state = PresenceJoining
	t.mu.Unlock()

	if err := t.channel.Subscribe(ctx); err != nil {
		t.setState(PresenceDisconnected)
		return fmt.Errorf("%w: subscribe presence channel: %w", ErrTransport, err)
	}

	self := realtime.Participant{
		UUID:     participantID,
		Name:     name,
		OnlineAt: t.now().UTC(),
	}
	if err := t.channel.Track(ctx, self); err != nil {
		if uerr := t.channel.Unsubscribe(ctx); uerr != nil {
			slog.Warn("failed to unsubscribe after track error", "error", uerr)
		}
		t.setState(PresenceDisconnected)
		return fmt.Errorf("%w: track presence: %w", ErrTransport, err)
	}

	t.mu.Lock()
	if t.state != PresenceJoining {
		t.mu.Unlock()
		if err := t.channel.Untrack(ctx); err != nil {
			slog.Warn("failed to untrack after leaving mid-join", "error", err)
		}
		return fmt.Errorf("%w: left while joining", ErrTransport)
	}
	t.state = PresenceJoined
	t.self = self
	t.mu.Unlock()

	slog.Info("joined presence channel", "participant_id", participantID, "name", name)
	return nil
}

// Leave untracks and unsubscribes. It is safe to call repeatedly.
func (t *PresenceTracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	if t.state == PresenceDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.channel.Untrack(ctx); err != nil {
		// unsubscribing drops the entry as well
		slog.Warn("failed to untrack presence", "error", err)
	}
	err := t.channel.Unsubscribe(ctx)

	t.mu.Lock()
	t.state = PresenceDisconnected
	t.self = realtime.Participant{}
	clear(t.participants)
	t.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: unsubscribe presence channel: %w", ErrTransport, err)
	}
	slog.Info("left presence channel")
	return nil
}

// OnSync replaces the participant set with a full snapshot.
func (t *PresenceTracker) OnSync(snapshot []realtime.Participant) {
	t.mu.Lock()
	clear(t.participants)
	for _, p := range snapshot {
		if p.Ref == "" {
			continue
		}
		t.participants[p.Ref] = p
	}
	fn := t.onChange
	list := t.sortedLocked()
	t.mu.Unlock()

	if fn != nil {
		fn(list)
	}
}

func (t *PresenceTracker) State() PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *PresenceTracker) Self() (realtime.Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self, t.state == PresenceJoined
}

// Participants returns the current set ordered by join time.
func (t *PresenceTracker) Participants() []realtime.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedLocked()
}

func (t *PresenceTracker) sortedLocked() []realtime.Participant {
	list := make([]realtime.Participant, 0, len(t.participants))
	for _, p := range t.participants {
		list = append(list, p)
	}
	slices.SortFunc(list, func(a, b realtime.Participant) int {
		if c := a.OnlineAt.Compare(b.OnlineAt); c != 0 {
			return c
		}
		return strings.Compare(a.Ref, b.Ref)
	})
	return list
}

func (t *PresenceTracker) setState(state PresenceState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}
