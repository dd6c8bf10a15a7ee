package capture

import (
	"github.com/kikulab/kikitori/internal/capture"
	"github.com/kikulab/kikitori/internal/config"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (capture.SourceFactory, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.AudioInput == config.AudioInputOpusFeed {
			return NewOpusFeedFactory(), nil
		}
		return NewMicrophoneFactory(), nil
	})
}
