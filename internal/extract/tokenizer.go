package extract

import (
	"strings"
	"sync"
	"unicode"

	"github.com/go-ego/gse"
)

// Tokenizer splits text into keyword candidates. Shared by the rule-based
// extractor and keyword retrieval so both sides segment queries and
// summaries the same way.
type Tokenizer interface {
	Tokens(text string) []string
}

// GseTokenizer segments Chinese text with the gse dictionary, falling back
// to rune bigrams when the dictionary produces nothing usable.
type GseTokenizer struct {
	once sync.Once
	seg  gse.Segmenter
	err  error
}

// NewGseTokenizer returns a tokenizer that lazily loads the embedded
// dictionary on first use.
func NewGseTokenizer() *GseTokenizer {
	return &GseTokenizer{}
}

func (t *GseTokenizer) Tokens(text string) []string {
	t.once.Do(func() {
		t.err = t.seg.LoadDict()
	})
	if t.err != nil {
		return Bigrams(text)
	}
	out := make([]string, 0, 8)
	for _, w := range t.seg.Cut(text, true) {
		w = strings.TrimSpace(w)
		if w == "" || isPunct(w) {
			continue
		}
		out = append(out, w)
	}
	if len(out) == 0 {
		return Bigrams(text)
	}
	return out
}

// Bigrams returns overlapping two-rune windows over the CJK and
// alphanumeric runes of text. It is the dictionary-free fallback.
func Bigrams(text string) []string {
	runes := make([]rune, 0, len(text))
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			runes = append(runes, r)
		}
	}
	if len(runes) == 0 {
		return nil
	}
	if len(runes) == 1 {
		return []string{string(runes)}
	}
	out := make([]string, 0, len(runes)-1)
	for i := 0; i+1 < len(runes); i++ {
		out = append(out, string(runes[i:i+2]))
	}
	return out
}

func isPunct(s string) bool {
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
