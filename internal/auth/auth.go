package auth

import (
	"context"
	"errors"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// Authenticator resolves the signed-in user. The sign-in flow itself lives
// outside this module.
type Authenticator interface {
	CurrentUserID(ctx context.Context) (string, error)
}
