package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	realtimeimpl "github.com/foxseedlab/storypoker/external/realtime"
	"github.com/foxseedlab/storypoker/internal/realtime"
	"github.com/foxseedlab/storypoker/internal/repository"
	"github.com/foxseedlab/storypoker/internal/testdb"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepository(t *testing.T) (repository.Repository, string, string) {
	t.Helper()
	dbURL := testdb.SchemaURL(t)
	channel := testdb.Channel("changes")
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, RunMigration(ctx, pool, channel))
	return NewPostgresRepository(pool), dbURL, channel
}

func TestPostgresRepository_Rooms(t *testing.T) {
	repo, _, _ := setupRepository(t)
	ctx := context.Background()
	owner := uuid.NewString()

	t.Run("should create a closed room at version 1", func(t *testing.T) {
		room, err := repo.CreateRoom(ctx, owner)

		require.NoError(t, err)
		assert.Equal(t, owner, room.OwnerID)
		assert.Equal(t, 1, room.Version)
		assert.False(t, room.VotingEnabled)
		assert.Empty(t, room.Story)
	})

	t.Run("should return nil for a missing room", func(t *testing.T) {
		room, err := repo.GetRoom(ctx, 987654)

		require.NoError(t, err)
		assert.Nil(t, room)
	})

	t.Run("should toggle voting", func(t *testing.T) {
		room, err := repo.CreateRoom(ctx, owner)
		require.NoError(t, err)

		require.NoError(t, repo.UpdateVoting(ctx, repository.UpdateVotingInput{RoomID: room.ID, VotingEnabled: true}))

		got, err := repo.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		assert.True(t, got.VotingEnabled)
	})

	t.Run("should fail to toggle a missing room", func(t *testing.T) {
		err := repo.UpdateVoting(ctx, repository.UpdateVotingInput{RoomID: 987654, VotingEnabled: true})

		assert.Error(t, err)
	})
}

func TestPostgresRepository_StartStory(t *testing.T) {
	repo, _, _ := setupRepository(t)
	ctx := context.Background()

	room, err := repo.CreateRoom(ctx, uuid.NewString())
	require.NoError(t, err)
	voter := uuid.NewString()
	_, err = repo.InsertVote(ctx, repository.InsertVoteInput{RoomID: room.ID, ParticipantID: voter, Value: "5", StoryVersion: 1})
	require.NoError(t, err)

	t.Run("should bump the version, open voting and clear votes", func(t *testing.T) {
		updated, err := repo.StartStory(ctx, repository.StartStoryInput{RoomID: room.ID, Story: "search", ExpectedVersion: 1})

		require.NoError(t, err)
		assert.Equal(t, 2, updated.Version)
		assert.True(t, updated.VotingEnabled)
		assert.Equal(t, "search", updated.Story)
		votes, err := repo.ListVotes(ctx, room.ID, 1)
		require.NoError(t, err)
		assert.Empty(t, votes)
	})

	t.Run("should reject a stale expected version", func(t *testing.T) {
		_, err := repo.StartStory(ctx, repository.StartStoryInput{RoomID: room.ID, Story: "late", ExpectedVersion: 1})

		assert.True(t, errors.Is(err, repository.ErrVersionConflict))
		got, err := repo.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, "search", got.Story)
	})
}

func TestPostgresRepository_Votes(t *testing.T) {
	repo, _, _ := setupRepository(t)
	ctx := context.Background()

	room, err := repo.CreateRoom(ctx, uuid.NewString())
	require.NoError(t, err)
	voter := uuid.NewString()
	for _, v := range []string{"3", "8"} {
		_, err := repo.InsertVote(ctx, repository.InsertVoteInput{RoomID: room.ID, ParticipantID: voter, Value: v, StoryVersion: 1})
		require.NoError(t, err)
	}
	_, err = repo.InsertVote(ctx, repository.InsertVoteInput{RoomID: room.ID, ParticipantID: voter, Value: "1", StoryVersion: 2})
	require.NoError(t, err)

	t.Run("should list votes of one story newest first", func(t *testing.T) {
		votes, err := repo.ListVotes(ctx, room.ID, 1)

		require.NoError(t, err)
		require.Len(t, votes, 2)
		assert.Equal(t, "8", votes[0].Value)
		assert.Equal(t, voter, votes[0].ParticipantID)
		assert.Greater(t, votes[0].ID, votes[1].ID)
	})

	t.Run("should keep votes of other rooms apart", func(t *testing.T) {
		other, err := repo.CreateRoom(ctx, uuid.NewString())
		require.NoError(t, err)

		votes, err := repo.ListVotes(ctx, other.ID, 1)

		require.NoError(t, err)
		assert.Empty(t, votes)
	})
}

func TestChangeTriggers_PublishRows(t *testing.T) {
	repo, dbURL, channel := setupRepository(t)
	ctx := context.Background()

	feed := realtimeimpl.NewPostgresChangeFeed(dbURL, channel)
	changes := make(chan realtime.Change, 8)
	require.NoError(t, feed.Subscribe(ctx, func(c realtime.Change) {
		select {
		case changes <- c:
		default:
		}
	}))
	t.Cleanup(func() {
		_ = feed.Unsubscribe(context.Background())
	})

	room, err := repo.CreateRoom(ctx, uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, repo.UpdateVoting(ctx, repository.UpdateVotingInput{RoomID: room.ID, VotingEnabled: true}))
	_, err = repo.InsertVote(ctx, repository.InsertVoteInput{RoomID: room.ID, ParticipantID: uuid.NewString(), Value: "13", StoryVersion: 1})
	require.NoError(t, err)

	want := []struct {
		table string
		typ   realtime.ChangeType
	}{
		{repository.TableRooms, realtime.ChangeInsert},
		{repository.TableRooms, realtime.ChangeUpdate},
		{repository.TableVotes, realtime.ChangeInsert},
	}
	for _, w := range want {
		select {
		case c := <-changes:
			assert.Equal(t, w.table, c.Table)
			assert.Equal(t, w.typ, c.Type)
			if c.Table == repository.TableRooms && c.Type == realtime.ChangeUpdate {
				var row repository.Room
				require.NoError(t, json.Unmarshal(c.NewRow, &row))
				assert.True(t, row.VotingEnabled)
				assert.Equal(t, room.ID, row.ID)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("missing %s %s notification", w.typ, w.table)
		}
	}
}
