package normalize

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/kikulab/kikitori/internal/normalize"
)

// wordPattern matches romanized words in place, leaving whitespace,
// punctuation and annotation markup untouched.
var wordPattern = regexp.MustCompile(`[\p{L}\p{N}']+`)

// DictionaryNormalizer substitutes romanized words with native-script
// equivalents using CSV dictionaries of `romanized,native` rows. Lookup is
// case-insensitive; unknown words pass through unchanged.
type DictionaryNormalizer struct {
	mappings map[string]string
}

// NewDictionaryNormalizer loads the given dictionary files. A missing file
// is logged and skipped so a partially configured deployment still runs;
// a malformed file is an error. Earlier files win on duplicate keys.
func NewDictionaryNormalizer(paths []string) (*DictionaryNormalizer, error) {
	mappings := make(map[string]string)
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Warn("dictionary file not found; skipping", "path", path)
				continue
			}
			return nil, fmt.Errorf("open dictionary %s: %w", path, err)
		}
		if err := loadDictionary(f, mappings); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("load dictionary %s: %w", path, err)
		}
		_ = f.Close()
		slog.Info("dictionary loaded", "path", path, "entries", len(mappings))
	}
	return &DictionaryNormalizer{mappings: mappings}, nil
}

func loadDictionary(r io.Reader, into map[string]string) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if len(record) < 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(record[0]))
		value := strings.TrimSpace(record[1])
		if key == "" || value == "" {
			continue
		}
		if _, exists := into[key]; !exists {
			into[key] = value
		}
	}
}

func (n *DictionaryNormalizer) Apply(text string) string {
	if len(n.mappings) == 0 {
		return text
	}
	return wordPattern.ReplaceAllStringFunc(text, func(word string) string {
		if native, ok := n.mappings[strings.ToLower(word)]; ok {
			return native
		}
		return word
	})
}

var _ normalize.Normalizer = (*DictionaryNormalizer)(nil)
