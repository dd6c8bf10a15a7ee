package normalize

import (
	"github.com/kikulab/kikitori/internal/config"
	"github.com/kikulab/kikitori/internal/normalize"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (normalize.Normalizer, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if len(cfg.DictionaryPaths) == 0 {
			return normalize.Identity{}, nil
		}
		n, err := NewDictionaryNormalizer(cfg.DictionaryPaths)
		if err != nil {
			return nil, err
		}
		return n, nil
	})
}
