package poker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/storypoker/internal/config"
	"github.com/foxseedlab/storypoker/internal/realtime"
	"github.com/foxseedlab/storypoker/internal/repository"
	"github.com/foxseedlab/storypoker/internal/webhook"
)

const (
	ownerID = "0f8fad5b-d9cb-469f-a165-70867728950e"
	aliceID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	bobID   = "16fd2706-8baf-433b-82eb-8c7fada847da"
)

type mockRepository struct {
	mu         sync.Mutex
	rooms      map[int64]repository.Room
	votes      []repository.Vote
	nextVoteID int64

	getErr    error
	listErr   error
	insertErr error
	startErr  error
	updateErr error

	// afterList runs once ListVotes has read, outside the lock
	afterList func()
	// insertStarted and insertRelease hold InsertVote until the test lets go
	insertStarted chan struct{}
	insertRelease chan struct{}

	insertCalls []repository.InsertVoteInput
	startCalls  []repository.StartStoryInput
	updateCalls []repository.UpdateVotingInput
}

func newMockRepository(rooms ...repository.Room) *mockRepository {
	m := &mockRepository{rooms: make(map[int64]repository.Room)}
	for _, r := range rooms {
		m.rooms[r.ID] = r
	}
	return m
}

func (m *mockRepository) CreateRoom(_ context.Context, ownerID string) (*repository.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := int64(len(m.rooms) + 1)
	room := repository.Room{ID: id, OwnerID: ownerID, Version: 1, CreatedAt: time.Now()}
	m.rooms[id] = room
	return &room, nil
}

func (m *mockRepository) GetRoom(_ context.Context, id int64) (*repository.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	room, ok := m.rooms[id]
	if !ok {
		return nil, nil
	}
	return &room, nil
}

func (m *mockRepository) UpdateVoting(_ context.Context, input repository.UpdateVotingInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls = append(m.updateCalls, input)
	if m.updateErr != nil {
		return m.updateErr
	}
	room := m.rooms[input.RoomID]
	room.VotingEnabled = input.VotingEnabled
	m.rooms[input.RoomID] = room
	return nil
}

func (m *mockRepository) StartStory(_ context.Context, input repository.StartStoryInput) (*repository.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls = append(m.startCalls, input)
	if m.startErr != nil {
		return nil, m.startErr
	}
	room := m.rooms[input.RoomID]
	if room.Version != input.ExpectedVersion {
		return nil, repository.ErrVersionConflict
	}
	room.Story = input.Story
	room.Version++
	room.VotingEnabled = true
	m.rooms[input.RoomID] = room
	m.votes = nil
	return &room, nil
}

func (m *mockRepository) InsertVote(_ context.Context, input repository.InsertVoteInput) (*repository.Vote, error) {
	if m.insertStarted != nil {
		close(m.insertStarted)
		<-m.insertRelease
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls = append(m.insertCalls, input)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	m.nextVoteID++
	vote := repository.Vote{
		ID:            m.nextVoteID,
		RoomID:        input.RoomID,
		ParticipantID: input.ParticipantID,
		Value:         input.Value,
		StoryVersion:  input.StoryVersion,
		CreatedAt:     time.Now(),
	}
	m.votes = append(m.votes, vote)
	return &vote, nil
}

func (m *mockRepository) ListVotes(_ context.Context, roomID int64, storyVersion int) ([]repository.Vote, error) {
	m.mu.Lock()
	if m.listErr != nil {
		m.mu.Unlock()
		return nil, m.listErr
	}
	var out []repository.Vote
	for i := len(m.votes) - 1; i >= 0; i-- {
		v := m.votes[i]
		if v.RoomID == roomID && v.StoryVersion == storyVersion {
			out = append(out, v)
		}
	}
	after := m.afterList
	m.mu.Unlock()
	if after != nil {
		after()
	}
	return out, nil
}

func (m *mockRepository) insertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.insertCalls)
}

type mockFeed struct {
	mu           sync.Mutex
	handler      func(realtime.Change)
	subscribeErr error
	subscribes   int
	unsubscribes int
}

func (m *mockFeed) Subscribe(_ context.Context, handler func(realtime.Change)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribes++
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.handler = handler
	return nil
}

func (m *mockFeed) Unsubscribe(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribes++
	m.handler = nil
	return nil
}

func (m *mockFeed) emit(t *testing.T, table string, typ realtime.ChangeType, row any) {
	t.Helper()
	b, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("failed to encode row: %v", err)
	}
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		t.Fatal("change feed is not subscribed")
	}
	h(realtime.Change{Table: table, Type: typ, NewRow: b})
}

type sentMessage struct {
	event   string
	payload []byte
}

type mockChannel struct {
	mu           sync.Mutex
	handlers     map[string][]func([]byte)
	syncHandlers []func([]realtime.Participant)
	subscribed   bool
	tracked      *realtime.Participant
	sent         []sentMessage

	subscribeErr error
	trackErr     error
	sendErr      error
	onTrack      func()
	subscribes   int
	unsubscribes int
	untracks     int
}

func newMockChannel() *mockChannel {
	return &mockChannel{handlers: make(map[string][]func([]byte))}
}

func (m *mockChannel) Subscribe(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribes++
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscribed = true
	return nil
}

func (m *mockChannel) Unsubscribe(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribes++
	m.subscribed = false
	m.tracked = nil
	return nil
}

// Send loops the message back like the real channel does.
func (m *mockChannel) Send(_ context.Context, event string, payload []byte) error {
	m.mu.Lock()
	if m.sendErr != nil {
		m.mu.Unlock()
		return m.sendErr
	}
	if !m.subscribed {
		m.mu.Unlock()
		return errors.New("channel is not subscribed")
	}
	m.sent = append(m.sent, sentMessage{event: event, payload: payload})
	hs := append([]func([]byte){}, m.handlers[event]...)
	m.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (m *mockChannel) RegisterBroadcastHandler(event string, handler func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

func (m *mockChannel) RegisterPresenceSyncHandler(handler func([]realtime.Participant)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncHandlers = append(m.syncHandlers, handler)
}

func (m *mockChannel) Track(_ context.Context, self realtime.Participant) error {
	m.mu.Lock()
	if m.trackErr != nil {
		m.mu.Unlock()
		return m.trackErr
	}
	m.tracked = &self
	hook := m.onTrack
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (m *mockChannel) Untrack(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.untracks++
	m.tracked = nil
	return nil
}

// inject delivers a broadcast as if a peer had sent it.
func (m *mockChannel) inject(event string, payload []byte) {
	m.mu.Lock()
	hs := append([]func([]byte){}, m.handlers[event]...)
	m.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}

func (m *mockChannel) sync(participants ...realtime.Participant) {
	m.mu.Lock()
	hs := append([]func([]realtime.Participant){}, m.syncHandlers...)
	m.mu.Unlock()
	for _, h := range hs {
		h(participants)
	}
}

func (m *mockChannel) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type mockAuth struct {
	userID string
	err    error
}

func (m *mockAuth) CurrentUserID(_ context.Context) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.userID, nil
}

type mockSender struct {
	results chan webhook.ResultPayload
	err     error
}

func newMockSender() *mockSender {
	return &mockSender{results: make(chan webhook.ResultPayload, 8)}
}

func (m *mockSender) SendResult(_ context.Context, payload webhook.ResultPayload) error {
	m.results <- payload
	return m.err
}

type testEnv struct {
	session *Session
	repo    *mockRepository
	feed    *mockFeed
	channel *mockChannel
	auth    *mockAuth
	sender  *mockSender
}

func testConfig() *config.Config {
	return &config.Config{
		Env:                     "test",
		DatabaseURL:             "postgres://localhost/storypoker_test",
		VoteDeck:                []string{"0", "1", "2", "3", "5", "8", "13", "20", "40", "100", "?"},
		PresenceTTL:             15 * time.Second,
		PresenceRefreshInterval: 2 * time.Second,
		ChangeChannel:           "storypoker_changes",
		BroadcastChannel:        "storypoker_broadcast",
	}
}

func openRoom(id int64, version int) repository.Room {
	return repository.Room{ID: id, OwnerID: ownerID, Story: "story", VotingEnabled: true, Version: version}
}

func newTestEnv(t *testing.T, userID string, rooms ...repository.Room) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:    newMockRepository(rooms...),
		feed:    &mockFeed{},
		channel: newMockChannel(),
		auth:    &mockAuth{userID: userID},
		sender:  newMockSender(),
	}
	env.session = NewSession(testConfig(), env.repo, env.auth, env.feed, env.channel, env.sender)
	t.Cleanup(func() {
		_ = env.session.Close(context.Background())
	})
	if err := env.session.Start(context.Background()); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	return env
}

func (e *testEnv) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := e.session.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("failed to take snapshot: %v", err)
	}
	return snap
}
