package audit

import (
	"github.com/samber/do/v2"

	"github.com/foxseedlab/denwaban/internal/audit"
	"github.com/foxseedlab/denwaban/internal/config"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (audit.Publisher, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.AuditAMQPURL == "" {
			return NopPublisher{}, nil
		}
		return NewAMQPPublisher(cfg.AuditAMQPURL, cfg.AuditExchange)
	})
}
