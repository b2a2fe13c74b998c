package rewrite

import (
	"bufio"
	_ "embed"
	"strings"
	"sync"
)

//go:embed slangs.txt
var slangs string

var (
	defaultWordsOnce sync.Once
	defaultWords     *Wordlist
)

// Wordlist is a case-insensitive set of offending words.
type Wordlist struct {
	set map[string]struct{}
}

func NewWordlist(words ...string) *Wordlist {
	w := &Wordlist{set: make(map[string]struct{}, len(words))}
	for _, word := range words {
		word = strings.TrimSpace(word)
		if word != "" {
			w.set[strings.ToLower(word)] = struct{}{}
		}
	}
	return w
}

// DefaultWords returns the embedded slang list, loaded on first use.
func DefaultWords() *Wordlist {
	defaultWordsOnce.Do(func() {
		var words []string
		sc := bufio.NewScanner(strings.NewReader(slangs))
		for sc.Scan() {
			words = append(words, sc.Text())
		}
		defaultWords = NewWordlist(words...)
	})
	return defaultWords
}

func (w *Wordlist) Contains(word string) bool {
	if w == nil {
		return false
	}
	_, ok := w.set[strings.ToLower(word)]
	return ok
}

func (w *Wordlist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.set)
}

// scrub drops offending words from text. The second result reports whether
// anything was removed; untouched text is returned as is.
func (w *Wordlist) scrub(text string) (string, bool) {
	fields := strings.Fields(text)
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		if !w.Contains(f) {
			kept = append(kept, f)
		}
	}
	if len(kept) == len(fields) {
		return text, false
	}

	out := strings.Join(kept, " ")
	if out == "" {
		if strings.TrimSpace(text) != text {
			return " ", true
		}
		return "", true
	}
	if strings.TrimLeft(text, " \t\r\n\f") != text {
		out = " " + out
	}
	if strings.TrimRight(text, " \t\r\n\f") != text {
		out += " "
	}
	return out, true
}
