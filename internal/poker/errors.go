package poker

import (
	"errors"
	"fmt"
)

var (
	ErrTransport  = errors.New("transport error")
	ErrWrite      = errors.New("write rejected")
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")

	ErrNotModerator  = fmt.Errorf("%w: caller is not the room moderator", ErrValidation)
	ErrInvalidVote   = fmt.Errorf("%w: vote is not a card of the deck", ErrValidation)
	ErrEmptyStory    = fmt.Errorf("%w: story must not be empty", ErrValidation)
	ErrNotJoined     = fmt.Errorf("%w: join the channel before voting", ErrValidation)
	ErrRoomNotLoaded = fmt.Errorf("%w: no room is loaded", ErrValidation)

	ErrSessionClosed = errors.New("session is closed")
)
