package auth

import (
	"github.com/foxseedlab/storypoker/internal/auth"
	"github.com/foxseedlab/storypoker/internal/config"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (auth.Authenticator, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewStaticAuthenticator(c.AuthUserID)
	})
}
