package auth

import (
	"context"
	"testing"

	"github.com/foxseedlab/storypoker/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthenticator(t *testing.T) {
	t.Run("should return configured user id", func(t *testing.T) {
		a, err := NewStaticAuthenticator("7B0E4C52-2F61-4A8E-9A52-0D6F3F0B9C11")
		require.NoError(t, err)

		id, err := a.CurrentUserID(context.Background())

		require.NoError(t, err)
		assert.Equal(t, "7b0e4c52-2f61-4a8e-9a52-0d6f3f0b9c11", id)
	})

	t.Run("should report unauthenticated when unset", func(t *testing.T) {
		a, err := NewStaticAuthenticator("")
		require.NoError(t, err)

		_, err = a.CurrentUserID(context.Background())

		assert.ErrorIs(t, err, auth.ErrNotAuthenticated)
	})

	t.Run("should reject malformed id", func(t *testing.T) {
		_, err := NewStaticAuthenticator("not-a-uuid")

		assert.Error(t, err)
	})
}
