package poker

import (
	"github.com/foxseedlab/storypoker/internal/auth"
	"github.com/foxseedlab/storypoker/internal/config"
	"github.com/foxseedlab/storypoker/internal/realtime"
	"github.com/foxseedlab/storypoker/internal/repository"
	"github.com/foxseedlab/storypoker/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Session, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		authn := do.MustInvoke[auth.Authenticator](i)
		feed := do.MustInvoke[realtime.ChangeFeed](i)
		channel := do.MustInvoke[realtime.Channel](i)
		results := do.MustInvoke[webhook.Sender](i)
		return NewSession(cfg, repo, authn, feed, channel, results), nil
	})
}
