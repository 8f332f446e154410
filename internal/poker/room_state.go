package poker

import (
	"strings"

	"github.com/foxseedlab/storypoker/internal/repository"
)

type RoomStatus int

const (
	RoomNotLoaded RoomStatus = iota
	RoomLoaded
	RoomNotFound
)

func (s RoomStatus) String() string {
	switch s {
	case RoomLoaded:
		return "loaded"
	case RoomNotFound:
		return "not_found"
	default:
		return "not_loaded"
	}
}

// RoomStateStore holds the locally known room record. It is owned by the
// session loop and never touched from any other goroutine.
type RoomStateStore struct {
	status RoomStatus
	roomID int64
	room   repository.Room
	// reset runs before a newer story replaces the held record.
	reset func()
}

func NewRoomStateStore(reset func()) *RoomStateStore {
	if reset == nil {
		reset = func() {}
	}
	return &RoomStateStore{reset: reset}
}

func (s *RoomStateStore) Status() RoomStatus {
	return s.status
}

// RoomID is the id of the room last requested, loaded or not.
func (s *RoomStateStore) RoomID() int64 {
	return s.roomID
}

func (s *RoomStateStore) Room() (repository.Room, bool) {
	if s.status != RoomLoaded {
		return repository.Room{}, false
	}
	return s.room, true
}

// VotingOpen reports the held story version and whether votes are accepted.
func (s *RoomStateStore) VotingOpen() (int, bool) {
	if s.status != RoomLoaded {
		return 0, false
	}
	return s.room.Version, s.room.VotingEnabled
}

// Loaded installs a freshly read room. Reading the room that is already held
// goes through ApplyRemoteUpdate so a slow read never regresses the version.
func (s *RoomStateStore) Loaded(room repository.Room) {
	if s.status == RoomLoaded && s.room.ID == room.ID {
		s.ApplyRemoteUpdate(room)
		return
	}
	if s.status == RoomLoaded {
		s.reset()
	}
	s.status = RoomLoaded
	s.roomID = room.ID
	s.room = room
}

func (s *RoomStateStore) MarkNotFound(roomID int64) {
	if s.status == RoomLoaded {
		s.reset()
	}
	s.status = RoomNotFound
	s.roomID = roomID
	s.room = repository.Room{}
}

// ApplyRemoteUpdate merges a change-feed room record and reports whether it
// started a new story. Records for other rooms are ignored. A higher version
// resets the ledger and replaces the record, an equal version replaces it, and
// a lower version may only carry the voting flag.
func (s *RoomStateStore) ApplyRemoteUpdate(updated repository.Room) bool {
	if s.status != RoomLoaded || updated.ID != s.room.ID {
		return false
	}
	switch {
	case updated.Version > s.room.Version:
		s.reset()
		s.room = updated
		return true
	case updated.Version == s.room.Version:
		s.room = updated
	default:
		s.room.VotingEnabled = updated.VotingEnabled
	}
	return false
}

// NextStory builds the write that starts a new story on top of the held
// version. Local state is left alone; the change feed delivers the result.
func (s *RoomStateStore) NextStory(story string) (repository.StartStoryInput, error) {
	if s.status != RoomLoaded {
		return repository.StartStoryInput{}, ErrRoomNotLoaded
	}
	story = strings.TrimSpace(story)
	if story == "" {
		return repository.StartStoryInput{}, ErrEmptyStory
	}
	return repository.StartStoryInput{
		RoomID:          s.room.ID,
		Story:           story,
		ExpectedVersion: s.room.Version,
	}, nil
}

func (s *RoomStateStore) ToggledVoting() (repository.UpdateVotingInput, error) {
	if s.status != RoomLoaded {
		return repository.UpdateVotingInput{}, ErrRoomNotLoaded
	}
	return repository.UpdateVotingInput{
		RoomID:        s.room.ID,
		VotingEnabled: !s.room.VotingEnabled,
	}, nil
}
