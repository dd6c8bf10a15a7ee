package transcriber

import (
	"fmt"

	"github.com/kikulab/kikitori/internal/config"
	"github.com/kikulab/kikitori/internal/transcriber"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (transcriber.Dialer, error) {
		c := do.MustInvoke[*config.Config](i)
		switch c.Provider {
		case config.ProviderSoniox:
			return NewSonioxDialer(SonioxConfig{
				WebsocketURL: c.SonioxWebsocketURL,
				APIKey:       c.SonioxAPIKey,
				Model:        c.SonioxModel,
			}), nil
		case config.ProviderCloudSpeech:
			return NewCloudSpeechDialer(CloudSpeechConfig{
				ProjectID:       c.GoogleCloudProjectID,
				CredentialsJSON: c.GoogleCloudCredentialsJSON,
				Location:        c.GoogleCloudSpeechLocation,
				Model:           c.GoogleCloudSpeechModel,
			}), nil
		default:
			return nil, fmt.Errorf("unknown STT provider %q", c.Provider)
		}
	})
}
