package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		id BIGSERIAL PRIMARY KEY,
		user_id UUID NOT NULL,
		story TEXT NOT NULL DEFAULT '',
		voting_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL DEFAULT 1 CHECK (version >= 1),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS votes (
		id BIGSERIAL PRIMARY KEY,
		room_id BIGINT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id UUID NOT NULL,
		vote TEXT NOT NULL,
		story_version INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_votes_room_version ON votes (room_id, story_version, id DESC)`,
}

// changeTriggerStatements publishes every insert or update on rooms and votes to
// the change channel as {"table","type","new"}.
func changeTriggerStatements(changeChannel string) []string {
	channel := strings.ReplaceAll(changeChannel, "'", "''")
	return []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION storypoker_notify_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('%s', json_build_object(
		'table', TG_TABLE_NAME,
		'type', TG_OP,
		'new', row_to_json(NEW)
	)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`, channel),
		`DROP TRIGGER IF EXISTS rooms_notify_change ON rooms`,
		`CREATE TRIGGER rooms_notify_change AFTER INSERT OR UPDATE ON rooms
			FOR EACH ROW EXECUTE FUNCTION storypoker_notify_change()`,
		`DROP TRIGGER IF EXISTS votes_notify_change ON votes`,
		`CREATE TRIGGER votes_notify_change AFTER INSERT ON votes
			FOR EACH ROW EXECUTE FUNCTION storypoker_notify_change()`,
	}
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool, changeChannel string) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		statements := append(append([]string{}, migrationStatements...), changeTriggerStatements(changeChannel)...)
		for _, s := range statements {
			stmt := strings.TrimSpace(s)
			if stmt == "" {
				continue
			}
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration statement failed: %w", err)
			}
		}
		return nil
	})
}
