package realtime

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxseedlab/storypoker/internal/realtime"
)

var (
	createPresenceTableSQL = `
CREATE TABLE IF NOT EXISTS presence (
    ref         UUID          PRIMARY KEY,
    topic       VARCHAR       NOT NULL,
    user_id     UUID          NOT NULL,
    name        VARCHAR       NOT NULL,
    online_at   TIMESTAMPTZ   NOT NULL,
    expires_at  TIMESTAMPTZ   NOT NULL
);`

	createPresenceIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_presence_topic_expires
ON presence (topic, expires_at);`

	listPresenceSQL = `
SELECT ref::text, user_id::text, name, online_at
FROM presence
WHERE topic = $1 AND expires_at > $2
ORDER BY online_at ASC, ref ASC;`

	setPresenceSQL = `
INSERT INTO presence (ref, topic, user_id, name, online_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (ref)
DO UPDATE SET
    name = EXCLUDED.name,
    expires_at = EXCLUDED.expires_at;`

	renewPresenceSQL = `
UPDATE presence
SET expires_at = $2
WHERE ref = $1;`

	deletePresenceSQL = `
DELETE FROM presence
WHERE ref = $1;`

	deleteExpiredPresenceSQL = `
DELETE FROM presence
WHERE topic = $1 AND expires_at < $2;`
)

// presenceLease is one tracked connection. It stays visible until it is
// deleted or its lease runs out without renewal.
type presenceLease struct {
	Participant realtime.Participant
	ExpiresAt   time.Time
}

type presenceStore struct {
	db    *sql.DB
	topic string
}

func newPresenceStore(db *sql.DB, topic string) *presenceStore {
	return &presenceStore{db: db, topic: topic}
}

// MigratePresence creates the presence lease table.
func MigratePresence(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createPresenceTableSQL); err != nil {
		return fmt.Errorf("failed to create presence table: %w", err)
	}
	if _, err := db.ExecContext(ctx, createPresenceIndexSQL); err != nil {
		return fmt.Errorf("failed to create presence index: %w", err)
	}
	return nil
}

// ListActive returns the unexpired participants of the topic.
func (s *presenceStore) ListActive(ctx context.Context, now time.Time) ([]realtime.Participant, error) {
	rows, err := s.db.QueryContext(ctx, listPresenceSQL, s.topic, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	defer rows.Close()

	var participants []realtime.Participant
	for rows.Next() {
		var p realtime.Participant
		if err := rows.Scan(&p.Ref, &p.UUID, &p.Name, &p.OnlineAt); err != nil {
			return nil, fmt.Errorf("failed to scan presence: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return participants, nil
}

func (s *presenceStore) Set(ctx context.Context, lease presenceLease) error {
	p := lease.Participant
	if _, err := s.db.ExecContext(ctx, setPresenceSQL, p.Ref, s.topic, p.UUID, p.Name, p.OnlineAt, lease.ExpiresAt); err != nil {
		return fmt.Errorf("failed to set presence %s: %w", p.Ref, err)
	}
	return nil
}

// Renew extends the lease. A lease that was already cleaned up is reported
// so the caller can write it again.
func (s *presenceStore) Renew(ctx context.Context, ref string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, renewPresenceSQL, ref, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to renew presence %s: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to renew presence %s: %w", ref, err)
	}
	return n > 0, nil
}

func (s *presenceStore) Delete(ctx context.Context, ref string) error {
	if _, err := s.db.ExecContext(ctx, deletePresenceSQL, ref); err != nil {
		return fmt.Errorf("failed to delete presence %s: %w", ref, err)
	}
	return nil
}

func (s *presenceStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteExpiredPresenceSQL, s.topic, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired presence: %w", err)
	}
	return res.RowsAffected()
}
