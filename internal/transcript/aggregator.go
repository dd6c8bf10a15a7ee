package transcript

import (
	"fmt"
	"strings"

	"github.com/kikulab/kikitori/internal/transcriber"
)

// Merge folds one response batch into the transcript state.
//
// Final tokens are appended to finalLog in arrival order; the backend emits
// each final token exactly once, so finalLog only ever grows. The interim
// buffer is replaced wholesale by the batch's non-final tokens: the backend
// resends its full outstanding hypothesis on every message, so accumulating
// across batches would duplicate text. A batch without non-final tokens
// therefore clears the buffer. Tokens with empty text are skipped.
func Merge(finalLog, interim []transcriber.Token, batch transcriber.ResponseBatch) ([]transcriber.Token, []transcriber.Token) {
	next := interim[:0:0]
	for _, tok := range batch.Tokens {
		if tok.Text == "" {
			continue
		}
		if tok.IsFinal {
			finalLog = append(finalLog, tok)
			continue
		}
		next = append(next, tok)
	}
	return finalLog, next
}

// RenderOptions tune how a token sequence is rendered to text.
type RenderOptions struct {
	// MinLanguagesForTags suppresses inline language tags until this many
	// distinct languages have been seen in the session. The default of 2
	// keeps monolingual transcripts free of tags.
	MinLanguagesForTags int

	// TokenSeparator is inserted between token texts. Soniox tokens carry
	// their own leading spaces, so the default is the empty string; other
	// backends may need " ".
	TokenSeparator string
}

// DefaultMinLanguagesForTags only tags once a second language appears.
const DefaultMinLanguagesForTags = 2

// Renderer turns an ordered token sequence into annotated transcript text.
type Renderer struct {
	opts RenderOptions
}

func NewRenderer(opts RenderOptions) *Renderer {
	if opts.MinLanguagesForTags <= 0 {
		opts.MinLanguagesForTags = DefaultMinLanguagesForTags
	}
	return &Renderer{opts: opts}
}

// Render walks tokens in order, tracking the current speaker and language.
//
// A speaker change emits a paragraph break (after the first speaker) and a
// speaker label, and resets the tracked language so the new speaker's
// language is retagged even when it matches the previous speaker's. A
// language change emits an inline tag, prefixed for translated tokens, once
// enough distinct languages have been seen; the token text directly after a
// tag has its leading whitespace trimmed. Tokens without speaker or
// language inherit the tracked values silently.
//
// knownLanguages seeds the distinct-language count with codes seen earlier
// in the session (for example in interim tokens that were since replaced).
func (r *Renderer) Render(tokens []transcriber.Token, knownLanguages []string) string {
	seen := make(map[string]struct{}, len(knownLanguages))
	for _, lang := range knownLanguages {
		if lang != "" {
			seen[lang] = struct{}{}
		}
	}

	var (
		b               strings.Builder
		currentSpeaker  string
		currentLanguage string
		first           = true
	)
	for _, tok := range tokens {
		text := tok.Text
		if text == "" {
			continue
		}

		if tok.Speaker != "" && tok.Speaker != currentSpeaker {
			if currentSpeaker != "" {
				b.WriteString("\n\n")
			}
			currentSpeaker = tok.Speaker
			currentLanguage = ""
			fmt.Fprintf(&b, "Speaker %s:", currentSpeaker)
		}

		if tok.Language != "" {
			seen[tok.Language] = struct{}{}
		}
		if tok.Language != "" && tok.Language != currentLanguage {
			currentLanguage = tok.Language
			if len(seen) >= r.opts.MinLanguagesForTags {
				prefix := ""
				if tok.TranslationStatus == transcriber.TranslationStatusTranslation {
					prefix = "[Translation] "
				}
				fmt.Fprintf(&b, "\n%s[%s] ", prefix, currentLanguage)
				text = strings.TrimLeft(text, " \t")
			}
		}

		if !first && r.opts.TokenSeparator != "" {
			b.WriteString(r.opts.TokenSeparator)
		}
		b.WriteString(text)
		first = false
	}
	return b.String()
}

// Languages returns the distinct language codes in tokens, in first-seen
// order, skipping codes already present in known.
func Languages(tokens []transcriber.Token, known []string) []string {
	seen := make(map[string]struct{}, len(known))
	for _, lang := range known {
		seen[lang] = struct{}{}
	}
	var out []string
	for _, tok := range tokens {
		if tok.Language == "" {
			continue
		}
		if _, ok := seen[tok.Language]; ok {
			continue
		}
		seen[tok.Language] = struct{}{}
		out = append(out, tok.Language)
	}
	return out
}
