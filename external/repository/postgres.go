package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxseedlab/storypoker/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

const roomColumns = `id, user_id::text, story, voting_enabled, version, created_at`

func scanRoom(row pgx.Row) (*repository.Room, error) {
	var r repository.Room
	if err := row.Scan(&r.ID, &r.OwnerID, &r.Story, &r.VotingEnabled, &r.Version, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *PostgresRepository) CreateRoom(ctx context.Context, ownerID string) (*repository.Room, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO rooms (user_id) VALUES ($1) RETURNING `+roomColumns,
		ownerID)
	return scanRoom(row)
}

func (r *PostgresRepository) GetRoom(ctx context.Context, roomID int64) (*repository.Room, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`,
		roomID)
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

func (r *PostgresRepository) UpdateVoting(ctx context.Context, input repository.UpdateVotingInput) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE rooms SET voting_enabled = $2 WHERE id = $1`,
		input.RoomID, input.VotingEnabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("room %d: %w", input.RoomID, pgx.ErrNoRows)
	}
	return nil
}

func (r *PostgresRepository) StartStory(ctx context.Context, input repository.StartStoryInput) (*repository.Room, error) {
	var updated *repository.Room
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`UPDATE rooms SET story = $2, voting_enabled = TRUE, version = version + 1
			 WHERE id = $1 AND version = $3
			 RETURNING `+roomColumns,
			input.RoomID, input.Story, input.ExpectedVersion)
		room, err := scanRoom(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repository.ErrVersionConflict
			}
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM votes WHERE room_id = $1`, input.RoomID); err != nil {
			return err
		}
		updated = room
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PostgresRepository) InsertVote(ctx context.Context, input repository.InsertVoteInput) (*repository.Vote, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO votes (room_id, user_id, vote, story_version)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, room_id, user_id::text, vote, story_version, created_at`,
		input.RoomID, input.ParticipantID, input.Value, input.StoryVersion)
	var v repository.Vote
	if err := row.Scan(&v.ID, &v.RoomID, &v.ParticipantID, &v.Value, &v.StoryVersion, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *PostgresRepository) ListVotes(ctx context.Context, roomID int64, storyVersion int) ([]repository.Vote, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, room_id, user_id::text, vote, story_version, created_at
		 FROM votes WHERE room_id = $1 AND story_version = $2 ORDER BY id DESC`,
		roomID, storyVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Vote
	for rows.Next() {
		var v repository.Vote
		if err := rows.Scan(&v.ID, &v.RoomID, &v.ParticipantID, &v.Value, &v.StoryVersion, &v.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}
