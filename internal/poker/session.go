package poker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/storypoker/internal/auth"
	"github.com/foxseedlab/storypoker/internal/config"
	"github.com/foxseedlab/storypoker/internal/realtime"
	"github.com/foxseedlab/storypoker/internal/repository"
	"github.com/foxseedlab/storypoker/internal/webhook"
)

const (
	eventQueueSize    = 256
	resultSendTimeout = 10 * time.Second
	maxPendingEvents  = 256
)

// Snapshot is a consistent copy of the session state for rendering.
type Snapshot struct {
	Status       RoomStatus
	Room         repository.Room
	Votes        map[string]VoteEntry
	Tally        Tally
	Presence     PresenceState
	Self         realtime.Participant
	Participants []realtime.Participant
}

// Session is one client's view of one room. Inbound notifications and write
// completions run one at a time on the session loop, which is the only
// goroutine touching the room store and the ledger. Repository and transport
// calls happen in the caller's goroutine.
type Session struct {
	cfg      *config.Config
	repo     repository.Repository
	auth     auth.Authenticator
	results  webhook.Sender
	listener *ChangeFeedListener
	relay    *BroadcastRelay
	presence *PresenceTracker
	now      func() time.Time

	// loop-owned
	rooms      *RoomStateStore
	ledger     *VoteLedger
	generation uint64
	userID     string
	onUpdate   func(Event)
	// room being loaded and the changes for it seen since the reads began
	loadingRoom int64
	pending     []Event

	events    chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	// result sends in flight; only the loop adds to it
	sends sync.WaitGroup
}

func NewSession(cfg *config.Config, repo repository.Repository, authn auth.Authenticator, feed realtime.ChangeFeed, channel realtime.Channel, results webhook.Sender) *Session {
	s := &Session{
		cfg:      cfg,
		repo:     repo,
		auth:     authn,
		results:  results,
		listener: NewChangeFeedListener(feed),
		relay:    NewBroadcastRelay(channel),
		presence: NewPresenceTracker(channel),
		now:      time.Now,
		events:   make(chan func(), eventQueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.ledger = NewVoteLedger(func() (int, bool) { return s.rooms.VotingOpen() })
	s.rooms = NewRoomStateStore(s.ledger.Reset)

	s.relay.OnVote(func(msg VoteBroadcast) { s.deliver(msg) })
	s.presence.OnChange(func(ps []realtime.Participant) { s.deliver(PresenceSynced{Participants: ps}) })

	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// exec runs fn on the loop and waits for it to finish.
func (s *Session) exec(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		fn()
		close(finished)
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.events <- task:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) deliver(ev Event) {
	if !s.post(func() { s.apply(ev) }) {
		slog.Debug("session closed; dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

// OnUpdate registers a callback run on the session loop after every applied
// event. It must not block.
func (s *Session) OnUpdate(fn func(Event)) {
	s.post(func() { s.onUpdate = fn })
}

func (s *Session) notify(ev Event) {
	if s.onUpdate != nil {
		s.onUpdate(ev)
	}
}

// Start subscribes the change feed. It is safe to call more than once.
func (s *Session) Start(ctx context.Context) error {
	userID, err := s.auth.CurrentUserID(ctx)
	if err != nil {
		if !errors.Is(err, auth.ErrNotAuthenticated) {
			return fmt.Errorf("%w: resolve current user: %w", ErrTransport, err)
		}
		userID = ""
	}
	if err := s.exec(ctx, func() { s.userID = userID }); err != nil {
		return err
	}
	return s.listener.Listen(ctx, s.deliver)
}

func (s *Session) apply(ev Event) {
	s.holdForLoad(ev)
	switch e := ev.(type) {
	case RoomUpdated:
		s.applyRoomUpdate(e.Room, true)
	case VoteInserted:
		if e.Vote.RoomID != s.rooms.RoomID() {
			return
		}
		s.ledger.RecordDurable(e.Vote.ParticipantID, e.Vote.Value, e.Vote.StoryVersion, e.Vote.ID)
	case VoteBroadcast:
		if e.RoomID != s.rooms.RoomID() {
			return
		}
		s.ledger.RecordEphemeral(e.ParticipantID, e.Value, e.StoryVersion)
	case PresenceSynced:
	}
	s.notify(ev)
}

// applyRoomUpdate merges an update and, when asked, posts the results of a
// round that the update closed. Out-of-order updates never post results.
func (s *Session) applyRoomUpdate(updated repository.Room, publish bool) {
	_, wasOpen := s.rooms.VotingOpen()
	if s.rooms.ApplyRemoteUpdate(updated) {
		slog.Info("new story started", "room_id", updated.ID, "version", updated.Version)
	}
	held, _ := s.rooms.Room()
	if _, open := s.rooms.VotingOpen(); publish && wasOpen && !open && held.Version == updated.Version {
		s.publishResults()
	}
}

// holdForLoad keeps durable changes of the room being loaded so they can be
// replayed on top of what the reads returned.
func (s *Session) holdForLoad(ev Event) {
	if s.loadingRoom == 0 {
		return
	}
	var roomID int64
	switch e := ev.(type) {
	case RoomUpdated:
		roomID = e.Room.ID
	case VoteInserted:
		roomID = e.Vote.RoomID
	default:
		return
	}
	if roomID != s.loadingRoom {
		return
	}
	if len(s.pending) >= maxPendingEvents {
		slog.Warn("too many changes while loading; dropping the oldest", "room_id", roomID)
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, ev)
}

func (s *Session) beginLoad(roomID int64) {
	s.loadingRoom = roomID
	s.pending = nil
}

// finishLoad replays the held changes and stops holding. A concurrent load of
// another room keeps its own buffer.
func (s *Session) finishLoad(roomID int64, replay bool) int {
	if s.loadingRoom != roomID {
		return 0
	}
	held := s.pending
	s.loadingRoom = 0
	s.pending = nil
	if !replay {
		return 0
	}
	for _, ev := range held {
		switch e := ev.(type) {
		case RoomUpdated:
			s.applyRoomUpdate(e.Room, false)
		case VoteInserted:
			s.ledger.RecordDurable(e.Vote.ParticipantID, e.Vote.Value, e.Vote.StoryVersion, e.Vote.ID)
		}
	}
	return len(held)
}

// LoadRoom reads the room and the votes of its current story and installs
// both. Changes to the room that arrive during the reads are replayed on top.
// A failed read leaves the previous state in place.
func (s *Session) LoadRoom(ctx context.Context, roomID int64) error {
	if roomID <= 0 {
		return fmt.Errorf("%w: room id must be positive", ErrValidation)
	}
	if err := s.exec(ctx, func() { s.beginLoad(roomID) }); err != nil {
		return err
	}
	abort := func() {
		// best effort; the next load resets the buffer anyway
		s.post(func() { s.finishLoad(roomID, false) })
	}

	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		abort()
		return fmt.Errorf("%w: load room %d: %w", ErrTransport, roomID, err)
	}
	if room == nil {
		if err := s.exec(ctx, func() {
			s.finishLoad(roomID, false)
			s.switchRoom(roomID)
			s.rooms.MarkNotFound(roomID)
		}); err != nil {
			return err
		}
		return fmt.Errorf("%w: room %d", ErrNotFound, roomID)
	}
	votes, err := s.repo.ListVotes(ctx, room.ID, room.Version)
	if err != nil {
		abort()
		return fmt.Errorf("%w: load votes of room %d: %w", ErrTransport, roomID, err)
	}
	return s.exec(ctx, func() {
		s.switchRoom(room.ID)
		s.rooms.Loaded(*room)
		seeded := s.ledger.Seed(votes)
		replayed := s.finishLoad(room.ID, true)
		held, _ := s.rooms.Room()
		slog.Info("room loaded", "room_id", held.ID, "version", held.Version, "voting_enabled", held.VotingEnabled, "votes", seeded, "replayed", replayed)
		s.notify(RoomUpdated{Room: held})
	})
}

func (s *Session) switchRoom(roomID int64) {
	if s.rooms.RoomID() != roomID {
		s.generation++
	}
}

// CreateRoom inserts a room owned by the signed-in user. It does not load it.
func (s *Session) CreateRoom(ctx context.Context) (*repository.Room, error) {
	userID, err := s.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	room, err := s.repo.CreateRoom(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: create room: %w", ErrWrite, err)
	}
	slog.Info("room created", "room_id", room.ID, "owner_id", room.OwnerID)
	return room, nil
}

// StartStory bumps the story version and clears the votes in one write
// guarded by the held version. The change feed carries the result back.
func (s *Session) StartStory(ctx context.Context, story string) error {
	var input repository.StartStoryInput
	err := s.asModerator(ctx, func(rooms *RoomStateStore) error {
		var err error
		input, err = rooms.NextStory(story)
		return err
	})
	if err != nil {
		return err
	}
	room, err := s.repo.StartStory(ctx, input)
	if err != nil {
		return fmt.Errorf("%w: start story in room %d: %w", ErrWrite, input.RoomID, err)
	}
	slog.Info("story start written", "room_id", room.ID, "version", room.Version)
	return nil
}

func (s *Session) ToggleVoting(ctx context.Context) error {
	var input repository.UpdateVotingInput
	err := s.asModerator(ctx, func(rooms *RoomStateStore) error {
		var err error
		input, err = rooms.ToggledVoting()
		return err
	})
	if err != nil {
		return err
	}
	if err := s.repo.UpdateVoting(ctx, input); err != nil {
		return fmt.Errorf("%w: toggle voting in room %d: %w", ErrWrite, input.RoomID, err)
	}
	slog.Info("voting toggle written", "room_id", input.RoomID, "voting_enabled", input.VotingEnabled)
	return nil
}

func (s *Session) asModerator(ctx context.Context, build func(*RoomStateStore) error) error {
	userID, err := s.currentUser(ctx)
	if err != nil {
		return err
	}
	var (
		owner    string
		buildErr error
	)
	if err := s.exec(ctx, func() {
		room, ok := s.rooms.Room()
		if !ok {
			buildErr = ErrRoomNotLoaded
			return
		}
		owner = room.OwnerID
		buildErr = build(s.rooms)
	}); err != nil {
		return err
	}
	if buildErr != nil {
		return buildErr
	}
	if !strings.EqualFold(owner, userID) {
		return ErrNotModerator
	}
	return nil
}

func (s *Session) currentUser(ctx context.Context) (string, error) {
	userID, err := s.auth.CurrentUserID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return userID, nil
}

// CastVote shows the vote locally, broadcasts a preview and persists it. The
// call is a silent no-op while voting is closed. If the insert fails the
// local entry stays unconfirmed.
func (s *Session) CastVote(ctx context.Context, value string) error {
	value = strings.TrimSpace(value)
	if !slices.Contains(s.cfg.VoteDeck, value) {
		return fmt.Errorf("%w: %q", ErrInvalidVote, value)
	}
	self, joined := s.presence.Self()
	if !joined {
		return ErrNotJoined
	}

	var (
		version int
		cast    bool
		roomID  int64
		gen     uint64
	)
	if err := s.exec(ctx, func() {
		version, cast = s.ledger.CastLocal(value)
		roomID = s.rooms.RoomID()
		gen = s.generation
		if cast {
			s.notify(VoteBroadcast{RoomID: roomID, ParticipantID: self.UUID, Value: value, StoryVersion: version})
		}
	}); err != nil {
		return err
	}
	if !cast {
		slog.Debug("vote ignored; voting is closed", "room_id", roomID)
		return nil
	}

	msg := VoteBroadcast{RoomID: roomID, ParticipantID: self.UUID, Value: value, StoryVersion: version}
	if err := s.relay.SendVote(ctx, msg); err != nil {
		slog.Warn("failed to broadcast vote", "room_id", roomID, "error", err)
	}

	vote, err := s.repo.InsertVote(ctx, repository.InsertVoteInput{
		RoomID:        roomID,
		ParticipantID: self.UUID,
		Value:         value,
		StoryVersion:  version,
	})
	if err != nil {
		return fmt.Errorf("%w: insert vote in room %d: %w", ErrWrite, roomID, err)
	}

	err = s.exec(ctx, func() {
		if s.generation != gen {
			return
		}
		if s.ledger.Confirm(*vote) {
			s.notify(VoteInserted{Vote: *vote})
		}
	})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// Join enters the shared channel as participantID. Joining again is a no-op.
func (s *Session) Join(ctx context.Context, name, participantID string) error {
	if err := s.presence.Join(ctx, name, participantID); err != nil {
		return err
	}
	self, ok := s.presence.Self()
	if !ok {
		return nil
	}
	return s.exec(ctx, func() { s.ledger.SetSelf(self.UUID) })
}

func (s *Session) Leave(ctx context.Context) error {
	err := s.presence.Leave(ctx)
	if xerr := s.exec(ctx, func() {
		s.generation++
		s.ledger.SetSelf("")
	}); xerr != nil && !errors.Is(xerr, ErrSessionClosed) {
		return errors.Join(err, xerr)
	}
	return err
}

// Snapshot copies the current state off the loop.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := s.exec(ctx, func() {
		snap.Status = s.rooms.Status()
		snap.Room, _ = s.rooms.Room()
		snap.Votes = s.ledger.Snapshot()
	}); err != nil {
		return Snapshot{}, err
	}
	snap.Tally = ComputeTally(valuesOf(snap.Votes), s.cfg.VoteDeck)
	snap.Presence = s.presence.State()
	snap.Self, _ = s.presence.Self()
	snap.Participants = s.presence.Participants()
	return snap, nil
}

// Deck is the configured set of cards.
func (s *Session) Deck() []string {
	return slices.Clone(s.cfg.VoteDeck)
}

// publishResults posts the tally of a round that just closed. Only the
// moderator's session sends it.
func (s *Session) publishResults() {
	room, ok := s.rooms.Room()
	if !ok || s.userID == "" || !strings.EqualFold(room.OwnerID, s.userID) {
		return
	}
	entries := s.ledger.Snapshot()
	tally := ComputeTally(valuesOf(entries), s.cfg.VoteDeck)

	payload := webhook.ResultPayload{
		RoomID:       room.ID,
		Story:        room.Story,
		StoryVersion: room.Version,
		Average:      tally.Average,
		Total:        tally.Total,
		ClosedAt:     s.now().UTC(),
	}
	for _, b := range tally.Distribution {
		payload.Distribution = append(payload.Distribution, webhook.ResultBucket{Value: b.Value, Count: b.Count})
	}
	for pid, e := range entries {
		payload.Votes = append(payload.Votes, webhook.ResultVote{ParticipantID: pid, Value: e.Value})
	}
	slices.SortFunc(payload.Votes, func(a, b webhook.ResultVote) int {
		return strings.Compare(a.ParticipantID, b.ParticipantID)
	})

	s.sends.Add(1)
	go func() {
		defer s.sends.Done()
		ctx, cancel := context.WithTimeout(context.Background(), resultSendTimeout)
		defer cancel()
		if err := s.results.SendResult(ctx, payload); err != nil {
			slog.Error("failed to send result webhook", "room_id", payload.RoomID, "version", payload.StoryVersion, "error", err)
			return
		}
		slog.Info("result webhook sent", "room_id", payload.RoomID, "version", payload.StoryVersion, "votes", payload.Total)
	}()
}

// Close leaves the channel, drops the change feed and stops the loop. It is
// idempotent.
func (s *Session) Close(ctx context.Context) error {
	errs := []error{
		s.presence.Leave(ctx),
		s.listener.Close(ctx),
	}
	s.closeOnce.Do(func() { close(s.done) })

	waited := make(chan struct{})
	go func() {
		<-s.stopped
		s.sends.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// Shutdown lets the DI container close the session.
func (s *Session) Shutdown(ctx context.Context) error {
	return s.Close(ctx)
}
