package normalize

// Normalizer substitutes romanized words with their native-script
// equivalents. Implementations are pure and safe for concurrent use.
type Normalizer interface {
	Apply(text string) string
}

// Identity returns text unchanged. Used when no dictionaries are configured.
type Identity struct{}

func (Identity) Apply(text string) string { return text }
