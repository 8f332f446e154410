package repository

import (
	"context"
	"errors"
)

// ErrVersionConflict is returned by StartStory when the room moved past the
// expected version before the update landed.
var ErrVersionConflict = errors.New("room version conflict")

type StartStoryInput struct {
	RoomID          int64
	Story           string
	ExpectedVersion int
}

type UpdateVotingInput struct {
	RoomID        int64
	VotingEnabled bool
}

type InsertVoteInput struct {
	RoomID        int64
	ParticipantID string
	Value         string
	StoryVersion  int
}

type RoomRepository interface {
	CreateRoom(ctx context.Context, ownerID string) (*Room, error)
	// GetRoom returns nil, nil when the room does not exist.
	GetRoom(ctx context.Context, roomID int64) (*Room, error)
	UpdateVoting(ctx context.Context, input UpdateVotingInput) error
	// StartStory bumps the version, opens voting and deletes the room's votes in
	// one transaction.
	StartStory(ctx context.Context, input StartStoryInput) (*Room, error)
}

type VoteRepository interface {
	InsertVote(ctx context.Context, input InsertVoteInput) (*Vote, error)
	// ListVotes returns the votes of one story version, newest first.
	ListVotes(ctx context.Context, roomID int64, storyVersion int) ([]Vote, error)
}

type Repository interface {
	RoomRepository
	VoteRepository
}
