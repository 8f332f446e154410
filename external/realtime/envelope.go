package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/foxseedlab/storypoker/internal/realtime"
)

// Postgres rejects NOTIFY payloads of 8000 bytes or more.
const maxNotifyPayload = 7999

var errPayloadTooLarge = errors.New("notification payload too large")

// envelope wraps one broadcast on the shared notify channel.
type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(topic, event string, payload []byte) (string, error) {
	if !json.Valid(payload) {
		return "", fmt.Errorf("broadcast payload for %q is not json", event)
	}
	b, err := json.Marshal(envelope{Topic: topic, Event: event, Payload: payload})
	if err != nil {
		return "", err
	}
	if len(b) > maxNotifyPayload {
		return "", fmt.Errorf("%w: %d bytes", errPayloadTooLarge, len(b))
	}
	return string(b), nil
}

func decodeEnvelope(raw string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return envelope{}, fmt.Errorf("failed to decode broadcast: %w", err)
	}
	if env.Event == "" {
		return envelope{}, errors.New("broadcast without event")
	}
	return env, nil
}

// decodeChange parses a trigger notification into a row change.
func decodeChange(raw string) (realtime.Change, error) {
	var c realtime.Change
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return realtime.Change{}, fmt.Errorf("failed to decode change: %w", err)
	}
	if c.Table == "" || c.Type == "" {
		return realtime.Change{}, errors.New("change without table or type")
	}
	return c, nil
}
