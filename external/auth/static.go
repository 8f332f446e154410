package auth

import (
	"context"
	"fmt"

	"github.com/foxseedlab/storypoker/internal/auth"
	"github.com/google/uuid"
)

// StaticAuthenticator reports a user id fixed at startup, typically the one the
// external sign-in flow stored in AUTH_USER_ID.
type StaticAuthenticator struct {
	userID string
}

func NewStaticAuthenticator(userID string) (auth.Authenticator, error) {
	if userID == "" {
		return &StaticAuthenticator{}, nil
	}
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("AUTH_USER_ID is not a uuid: %w", err)
	}
	return &StaticAuthenticator{userID: parsed.String()}, nil
}

func (a *StaticAuthenticator) CurrentUserID(_ context.Context) (string, error) {
	if a.userID == "" {
		return "", auth.ErrNotAuthenticated
	}
	return a.userID, nil
}
