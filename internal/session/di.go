package session

import (
	"github.com/kikulab/kikitori/internal/capture"
	"github.com/kikulab/kikitori/internal/config"
	"github.com/kikulab/kikitori/internal/normalize"
	"github.com/kikulab/kikitori/internal/repository"
	"github.com/kikulab/kikitori/internal/transcriber"
	"github.com/kikulab/kikitori/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Controller, error) {
		cfg := do.MustInvoke[*config.Config](i)
		openSource := do.MustInvoke[capture.SourceFactory](i)
		dialer := do.MustInvoke[transcriber.Dialer](i)
		normalizer := do.MustInvoke[normalize.Normalizer](i)
		repo := do.MustInvoke[repository.Repository](i)
		wh := do.MustInvoke[webhook.Sender](i)
		return NewController(cfg, openSource, dialer, normalizer, repo, wh), nil
	})
}
