package assistant

import (
	"github.com/samber/do/v2"

	"github.com/foxseedlab/denwaban/internal/assistant"
	"github.com/foxseedlab/denwaban/internal/config"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (assistant.Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewHTTPClient(cfg.AssistantURL), nil
	})
}
