package repository

import "time"

const (
	TableRooms = "rooms"
	TableVotes = "votes"
)

// Room is the durable room row. Version starts at 1 and only grows when a new
// story is started.
type Room struct {
	ID            int64     `json:"id"`
	OwnerID       string    `json:"user_id"`
	Story         string    `json:"story"`
	VotingEnabled bool      `json:"voting_enabled"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Vote is one cast of one participant. Every cast is a new row; the newest row
// per participant is the current vote.
type Vote struct {
	ID            int64     `json:"id"`
	RoomID        int64     `json:"room_id"`
	ParticipantID string    `json:"user_id"`
	Value         string    `json:"vote"`
	StoryVersion  int       `json:"story_version"`
	CreatedAt     time.Time `json:"created_at"`
}
