package session

import (
	"github.com/samber/do/v2"

	"github.com/foxseedlab/denwaban/internal/assistant"
	"github.com/foxseedlab/denwaban/internal/audit"
	"github.com/foxseedlab/denwaban/internal/config"
	"github.com/foxseedlab/denwaban/internal/credential"
	"github.com/foxseedlab/denwaban/internal/ratelimit"
	"github.com/foxseedlab/denwaban/internal/registry"
	"github.com/foxseedlab/denwaban/internal/repository"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*registry.Registry, error) {
		return registry.NewRegistry(), nil
	})
	do.Provide(injector, func(i do.Injector) (*ratelimit.Limiter, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return ratelimit.NewLimiter(cfg.RateLimitMaxAttempts, cfg.RateLimitWindow), nil
	})
	do.Provide(injector, func(i do.Injector) (*credential.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		reg := do.MustInvoke[*registry.Registry](i)
		return credential.NewStore(repo, reg, cfg.CredentialTTL), nil
	})
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		creds := do.MustInvoke[*credential.Store](i)
		limiter := do.MustInvoke[*ratelimit.Limiter](i)
		reg := do.MustInvoke[*registry.Registry](i)
		ai := do.MustInvoke[assistant.Client](i)
		auditPub := do.MustInvoke[audit.Publisher](i)
		return NewManager(cfg, repo, creds, limiter, reg, ai, auditPub), nil
	})
	do.Provide(injector, func(i do.Injector) (*CleanupScheduler, error) {
		cfg := do.MustInvoke[*config.Config](i)
		manager := do.MustInvoke[*Manager](i)
		limiter := do.MustInvoke[*ratelimit.Limiter](i)
		return NewCleanupScheduler(manager, limiter, cfg.CleanupInterval), nil
	})
}
