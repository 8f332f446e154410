package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Env                     string
	DatabaseURL             string
	AuthUserID              string
	VoteDeck                []string
	PresenceTTL             time.Duration
	PresenceRefreshInterval time.Duration
	ChangeChannel           string
	BroadcastChannel        string
	ResultWebhookURL        string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if len(c.VoteDeck) == 0 {
		return fmt.Errorf("VOTE_DECK must contain at least one card")
	}
	seen := make(map[string]struct{}, len(c.VoteDeck))
	for _, card := range c.VoteDeck {
		card = strings.TrimSpace(card)
		if card == "" {
			return fmt.Errorf("VOTE_DECK contains an empty card")
		}
		if _, dup := seen[card]; dup {
			return fmt.Errorf("VOTE_DECK contains duplicate card %q", card)
		}
		seen[card] = struct{}{}
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("PRESENCE_TTL must be positive, got %s", c.PresenceTTL)
	}
	if c.PresenceRefreshInterval <= 0 || c.PresenceRefreshInterval >= c.PresenceTTL {
		return fmt.Errorf("PRESENCE_REFRESH_INTERVAL must be positive and shorter than PRESENCE_TTL, got %s", c.PresenceRefreshInterval)
	}
	if c.ChangeChannel == c.BroadcastChannel {
		return fmt.Errorf("CHANGE_CHANNEL and BROADCAST_CHANNEL must differ")
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "CHANGE_CHANNEL", value: c.ChangeChannel},
		{name: "BROADCAST_CHANNEL", value: c.BroadcastChannel},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
