package poker

import (
	"maps"

	"github.com/foxseedlab/storypoker/internal/repository"
)

type VoteSource int

const (
	SourceEphemeral VoteSource = iota
	SourceDurable
)

func (s VoteSource) String() string {
	if s == SourceDurable {
		return "durable"
	}
	return "ephemeral"
}

// VoteEntry is the current vote of one participant for one story version.
type VoteEntry struct {
	Value        string
	StoryVersion int
	Source       VoteSource
	// Confirmed is false while this client's own cast waits for the insert.
	Confirmed bool
	// RowID orders durable rows of one participant; zero for ephemeral entries.
	RowID int64
}

// VoteGate reports the held story version and whether voting is open. It
// returns false whenever no room is loaded.
type VoteGate func() (storyVersion int, open bool)

// VoteLedger merges durable and ephemeral votes into one entry per
// participant. Durable entries always win over ephemeral ones, and entries
// tagged with a story version other than the held one are dropped.
type VoteLedger struct {
	gate    VoteGate
	entries map[string]VoteEntry

	selfID       string
	lastSelfVote string
}

func NewVoteLedger(gate VoteGate) *VoteLedger {
	return &VoteLedger{
		gate:    gate,
		entries: make(map[string]VoteEntry),
	}
}

// SetSelf names the participant whose casts originate from this client.
func (l *VoteLedger) SetSelf(participantID string) {
	l.selfID = participantID
}

func (l *VoteLedger) accepts(storyVersion int) bool {
	version, open := l.gate()
	return open && storyVersion == version
}

// RecordDurable applies a persisted vote row. A row older than the durable
// entry already held for the participant is ignored.
func (l *VoteLedger) RecordDurable(participantID, value string, storyVersion int, rowID int64) bool {
	if !l.accepts(storyVersion) {
		return false
	}
	return l.putDurable(participantID, value, storyVersion, rowID)
}

func (l *VoteLedger) putDurable(participantID, value string, storyVersion int, rowID int64) bool {
	if cur, ok := l.entries[participantID]; ok && cur.Source == SourceDurable && cur.RowID > rowID {
		return false
	}
	l.entries[participantID] = VoteEntry{
		Value:        value,
		StoryVersion: storyVersion,
		Source:       SourceDurable,
		Confirmed:    true,
		RowID:        rowID,
	}
	return true
}

// RecordEphemeral applies a broadcast vote. It only fills an empty slot,
// except for the echo of this client's latest cast, which may refresh an
// ephemeral entry. It never touches a durable entry.
func (l *VoteLedger) RecordEphemeral(participantID, value string, storyVersion int) bool {
	if !l.accepts(storyVersion) {
		return false
	}
	cur, ok := l.entries[participantID]
	if ok {
		echo := participantID == l.selfID && value == l.lastSelfVote
		if !echo || cur.Source == SourceDurable {
			return false
		}
		cur.Value = value
		l.entries[participantID] = cur
		return true
	}
	l.entries[participantID] = VoteEntry{
		Value:        value,
		StoryVersion: storyVersion,
		Source:       SourceEphemeral,
		Confirmed:    true,
	}
	return true
}

// CastLocal records this client's own vote ahead of the durable write and
// returns the story version the vote belongs to.
func (l *VoteLedger) CastLocal(value string) (int, bool) {
	version, open := l.gate()
	if !open || l.selfID == "" {
		return 0, false
	}
	l.lastSelfVote = value
	l.entries[l.selfID] = VoteEntry{
		Value:        value,
		StoryVersion: version,
		Source:       SourceEphemeral,
	}
	return version, true
}

// Confirm promotes this client's cast once the insert was acknowledged. It is
// a no-op if the story moved on or a newer row already landed.
func (l *VoteLedger) Confirm(vote repository.Vote) bool {
	version, _ := l.gate()
	if vote.StoryVersion != version || vote.ParticipantID != l.selfID {
		return false
	}
	cur, ok := l.entries[vote.ParticipantID]
	if ok && cur.Source == SourceEphemeral && cur.Value != vote.Value {
		// a later cast is still in flight
		return false
	}
	return l.putDurable(vote.ParticipantID, vote.Value, vote.StoryVersion, vote.ID)
}

// Seed installs the durable votes of a freshly loaded room. Voting may already
// be closed, so only the version tag is checked.
func (l *VoteLedger) Seed(votes []repository.Vote) int {
	version, _ := l.gate()
	if version == 0 {
		return 0
	}
	n := 0
	for _, v := range votes {
		if v.StoryVersion != version {
			continue
		}
		if l.putDurable(v.ParticipantID, v.Value, v.StoryVersion, v.ID) {
			n++
		}
	}
	return n
}

func (l *VoteLedger) Reset() {
	clear(l.entries)
	l.lastSelfVote = ""
}

func (l *VoteLedger) Len() int {
	return len(l.entries)
}

func (l *VoteLedger) Entry(participantID string) (VoteEntry, bool) {
	e, ok := l.entries[participantID]
	return e, ok
}

func (l *VoteLedger) Snapshot() map[string]VoteEntry {
	return maps.Clone(l.entries)
}
