package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/storypoker/internal/config"
	"github.com/joho/godotenv"
)

type envConfig struct {
	Env                     string        `env:"ENV" envDefault:"production"`
	DatabaseURL             string        `env:"DATABASE_URL,required"`
	AuthUserID              string        `env:"AUTH_USER_ID"`
	VoteDeck                []string      `env:"VOTE_DECK" envSeparator:"," envDefault:"0,1,2,3,5,8,13,20,40,100,?"`
	PresenceTTL             time.Duration `env:"PRESENCE_TTL" envDefault:"15s"`
	PresenceRefreshInterval time.Duration `env:"PRESENCE_REFRESH_INTERVAL" envDefault:"2s"`
	ChangeChannel           string        `env:"CHANGE_CHANNEL" envDefault:"storypoker_changes"`
	BroadcastChannel        string        `env:"BROADCAST_CHANNEL" envDefault:"storypoker_broadcast"`
	ResultWebhookURL        string        `env:"RESULT_WEBHOOK_URL"`
}

// Load reads an optional .env file from the working directory and then the
// process environment. Variables already set in the environment take precedence.
func Load() (*internalconfig.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                     raw.Env,
		DatabaseURL:             raw.DatabaseURL,
		AuthUserID:              raw.AuthUserID,
		VoteDeck:                raw.VoteDeck,
		PresenceTTL:             raw.PresenceTTL,
		PresenceRefreshInterval: raw.PresenceRefreshInterval,
		ChangeChannel:           raw.ChangeChannel,
		BroadcastChannel:        raw.BroadcastChannel,
		ResultWebhookURL:        raw.ResultWebhookURL,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
