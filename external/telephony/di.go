package telephony

import (
	"github.com/samber/do/v2"

	"github.com/foxseedlab/denwaban/internal/conference"
	"github.com/foxseedlab/denwaban/internal/config"
	"github.com/foxseedlab/denwaban/internal/session"
	"github.com/foxseedlab/denwaban/internal/telephony"
	"github.com/foxseedlab/denwaban/internal/voicechannel"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (telephony.CallController, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewRESTController(cfg.TelephonyAPIURL, cfg.TelephonyAPIToken), nil
	})
	do.Provide(injector, func(i do.Injector) (*conference.Orchestrator, error) {
		cfg := do.MustInvoke[*config.Config](i)
		controller := do.MustInvoke[telephony.CallController](i)
		manager := do.MustInvoke[*session.Manager](i)
		orchestrator := conference.NewOrchestrator(cfg, controller, manager)
		// Rooms must not outlive their session, however it ends.
		manager.OnFinalized(orchestrator.ReleaseFor)
		return orchestrator, nil
	})
	do.Provide(injector, func(i do.Injector) (*MediaHandler, error) {
		cfg := do.MustInvoke[*config.Config](i)
		manager := do.MustInvoke[*session.Manager](i)
		dialer := do.MustInvoke[voicechannel.Dialer](i)
		orchestrator := do.MustInvoke[*conference.Orchestrator](i)
		return NewMediaHandler(cfg, manager, dialer, orchestrator), nil
	})
	do.Provide(injector, func(i do.Injector) (*StatusHandler, error) {
		orchestrator := do.MustInvoke[*conference.Orchestrator](i)
		return NewStatusHandler(orchestrator), nil
	})
}
