package poker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/foxseedlab/storypoker/internal/realtime"
	"github.com/foxseedlab/storypoker/internal/repository"
)

// Event is one validated inbound notification. Raw transport payloads are
// decoded into exactly one of the concrete kinds below before they reach the
// session loop.
type Event interface {
	isEvent()
}

type RoomUpdated struct {
	Room repository.Room
}

type VoteInserted struct {
	Vote repository.Vote
}

type VoteBroadcast struct {
	RoomID        int64  `json:"room_id"`
	ParticipantID string `json:"uuid"`
	Value         string `json:"storyPoints"`
	StoryVersion  int    `json:"version"`
}

type PresenceSynced struct {
	Participants []realtime.Participant
}

func (RoomUpdated) isEvent()    {}
func (VoteInserted) isEvent()   {}
func (VoteBroadcast) isEvent()  {}
func (PresenceSynced) isEvent() {}

var errMalformedPayload = errors.New("malformed payload")

// decodeChange maps a change-feed notification to an Event. Changes this
// client does not consume (room inserts, deletes, other tables) yield nil, nil.
func decodeChange(change realtime.Change) (Event, error) {
	switch {
	case change.Table == repository.TableRooms && change.Type == realtime.ChangeUpdate:
		var room repository.Room
		if err := json.Unmarshal(change.NewRow, &room); err != nil {
			return nil, fmt.Errorf("%w: room row: %w", errMalformedPayload, err)
		}
		if room.ID <= 0 || room.Version < 1 {
			return nil, fmt.Errorf("%w: room row id=%d version=%d", errMalformedPayload, room.ID, room.Version)
		}
		return RoomUpdated{Room: room}, nil
	case change.Table == repository.TableVotes && change.Type == realtime.ChangeInsert:
		var vote repository.Vote
		if err := json.Unmarshal(change.NewRow, &vote); err != nil {
			return nil, fmt.Errorf("%w: vote row: %w", errMalformedPayload, err)
		}
		if vote.RoomID <= 0 || strings.TrimSpace(vote.ParticipantID) == "" || vote.Value == "" {
			return nil, fmt.Errorf("%w: vote row id=%d", errMalformedPayload, vote.ID)
		}
		return VoteInserted{Vote: vote}, nil
	default:
		return nil, nil
	}
}

func decodeVoteBroadcast(payload []byte) (VoteBroadcast, error) {
	var msg VoteBroadcast
	if err := json.Unmarshal(payload, &msg); err != nil {
		return VoteBroadcast{}, fmt.Errorf("%w: vote broadcast: %w", errMalformedPayload, err)
	}
	if msg.RoomID <= 0 || strings.TrimSpace(msg.ParticipantID) == "" || msg.Value == "" || msg.StoryVersion < 1 {
		return VoteBroadcast{}, fmt.Errorf("%w: vote broadcast is missing fields", errMalformedPayload)
	}
	return msg, nil
}
