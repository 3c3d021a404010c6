package voicechannel

import (
	"github.com/samber/do/v2"

	"github.com/foxseedlab/denwaban/internal/config"
	"github.com/foxseedlab/denwaban/internal/voicechannel"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (voicechannel.Dialer, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewWSDialer(cfg.VoiceChannelURL, cfg.VoiceChannelToken), nil
	})
}
