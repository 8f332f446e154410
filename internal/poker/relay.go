package poker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/foxseedlab/storypoker/internal/realtime"
)

const voteBroadcastEvent = "vote"

// BroadcastRelay sends and receives low-latency vote previews on the shared
// channel. Delivery is best effort; the durable insert is what counts.
type BroadcastRelay struct {
	channel realtime.Channel
}

func NewBroadcastRelay(channel realtime.Channel) *BroadcastRelay {
	return &BroadcastRelay{channel: channel}
}

// OnVote registers the handler for validated vote broadcasts. Malformed
// payloads are logged and dropped.
func (r *BroadcastRelay) OnVote(deliver func(VoteBroadcast)) {
	r.channel.RegisterBroadcastHandler(voteBroadcastEvent, func(payload []byte) {
		msg, err := decodeVoteBroadcast(payload)
		if err != nil {
			slog.Warn("dropping vote broadcast", "error", err)
			return
		}
		deliver(msg)
	})
}

func (r *BroadcastRelay) SendVote(ctx context.Context, msg VoteBroadcast) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode vote broadcast: %w", ErrTransport, err)
	}
	if err := r.channel.Send(ctx, voteBroadcastEvent, payload); err != nil {
		return fmt.Errorf("%w: send vote broadcast: %w", ErrTransport, err)
	}
	return nil
}
