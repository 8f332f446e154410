package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/foxseedlab/storypoker/internal/poker"
)

const clearScreen = "\033[2J\033[H"

// renderStatus draws one frame of the join screen. Peer votes stay hidden
// while voting is open.
func renderStatus(w io.Writer, snap poker.Snapshot, deck []string, now time.Time) {
	switch snap.Status {
	case poker.RoomNotFound:
		fmt.Fprintf(w, "Room not found\n")
	case poker.RoomNotLoaded:
		fmt.Fprintf(w, "Loading room...\n")
	default:
		state := "closed"
		if snap.Room.VotingEnabled {
			state = "open"
		}
		story := snap.Room.Story
		if story == "" {
			story = "(no story yet)"
		}
		fmt.Fprintf(w, "Room %d  story %q (v%d)  voting %s\n", snap.Room.ID, story, snap.Room.Version, state)
	}
	fmt.Fprintf(w, "You: %s  presence: %s\n", displayName(snap.Self.Name), snap.Presence)

	fmt.Fprintf(w, "\nParticipants (%d)\n", len(snap.Participants))
	for _, p := range snap.Participants {
		fmt.Fprintf(w, "  %-16s joined %-16s %s\n", displayName(p.Name), humanize.RelTime(p.OnlineAt, now, "ago", "from now"), voteCell(snap, p.UUID))
	}

	fmt.Fprintf(w, "\nVotes: %d  Average: %s\n", snap.Tally.Total, averageCell(snap))
	if !snap.Room.VotingEnabled && len(snap.Tally.Distribution) > 0 {
		cells := make([]string, 0, len(snap.Tally.Distribution))
		for _, b := range snap.Tally.Distribution {
			cells = append(cells, fmt.Sprintf("%s x%d", b.Value, b.Count))
		}
		fmt.Fprintf(w, "  %s\n", strings.Join(cells, "  "))
	}

	fmt.Fprintf(w, "\nControls:\n")
	fmt.Fprintf(w, "  %s\n", deckLegend(deck))
	fmt.Fprintf(w, "  [t] Toggle voting (moderator)\n")
	fmt.Fprintf(w, "  [r] Reload room\n")
	fmt.Fprintf(w, "  [q] Quit\n")
}

func voteCell(snap poker.Snapshot, participantID string) string {
	e, ok := snap.Votes[participantID]
	switch {
	case !ok:
		return "-"
	case participantID == snap.Self.UUID && !e.Confirmed:
		return e.Value + " (saving)"
	case participantID == snap.Self.UUID || !snap.Room.VotingEnabled:
		return e.Value
	default:
		return "voted"
	}
}

func averageCell(snap poker.Snapshot) string {
	if snap.Room.VotingEnabled {
		return "hidden until voting closes"
	}
	return snap.Tally.Average
}

func displayName(name string) string {
	if name == "" {
		return "(anonymous)"
	}
	return name
}

// deckLegend lists the hot key of every card. The first ten cards sit on the
// digit keys; a card that is a single character is also its own key.
func deckLegend(deck []string) string {
	cells := make([]string, 0, len(deck))
	for i, card := range deck {
		if key, ok := cardKey(i, card); ok {
			cells = append(cells, fmt.Sprintf("[%c] %s", key, card))
		}
	}
	return strings.Join(cells, " ")
}

func cardKey(index int, card string) (rune, bool) {
	if index < 10 {
		return rune('0' + index), true
	}
	if r := []rune(card); len(r) == 1 && (r[0] < '0' || r[0] > '9') {
		return r[0], true
	}
	return 0, false
}

// cardForKey resolves a pressed key back to a card.
func cardForKey(deck []string, key rune) (string, bool) {
	for i, card := range deck {
		if k, ok := cardKey(i, card); ok && k == key {
			return card, true
		}
	}
	return "", false
}
