package webhook

import (
	"context"
	"time"
)

type ResultBucket struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type ResultVote struct {
	ParticipantID string `json:"participant_id"`
	Value         string `json:"value"`
}

// ResultPayload is posted once per closed voting round.
type ResultPayload struct {
	RoomID       int64          `json:"room_id"`
	Story        string         `json:"story"`
	StoryVersion int            `json:"story_version"`
	Average      string         `json:"average"`
	Total        int            `json:"total"`
	Distribution []ResultBucket `json:"distribution"`
	Votes        []ResultVote   `json:"votes"`
	ClosedAt     time.Time      `json:"closed_at"`
}

type Sender interface {
	SendResult(ctx context.Context, payload ResultPayload) error
}
