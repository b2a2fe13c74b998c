package rewrite

import (
	"math/rand"
	"net/url"
	"sort"
	"strings"
)

// Rules selects the optional stages of Process. Link mapping and head
// injection always run when Mapper and Inject are set.
type Rules struct {
	StripEmbeds     bool
	FilterWords     bool
	SubstituteMedia bool

	Words  *Wordlist
	Rand   *rand.Rand
	Base   *url.URL
	Mapper LinkMapper
	Inject string
}

// Stats counts what a Process call changed.
type Stats struct {
	Stripped    int
	Scrubbed    int
	Substituted int
	Links       int
	Injected    bool
}

// Process runs the pipeline over a UTF-8 html page: strip and substitute,
// scrub words, map links against the page's own base, inject, render.
func Process(page string, rules Rules) (string, Stats, error) {
	var st Stats
	d, err := ParseString(page)
	if err != nil {
		return "", st, err
	}
	if rules.StripEmbeds {
		st.Stripped = d.StripEmbeds()
	}
	if rules.SubstituteMedia {
		st.Substituted = d.SubstituteMedia(rules.Rand)
	}
	if rules.FilterWords {
		words := rules.Words
		if words == nil {
			words = DefaultWords()
		}
		st.Scrubbed = d.FilterWords(words)
	}
	st.Links = d.RewriteLinks(rules.Base, rules.Mapper)
	st.Injected = d.InjectHead(rules.Inject)

	out, err := d.Render()
	return out, st, err
}

// Script is a piece of javascript injected at the top of every page.
// Lower priorities are injected first.
type Script struct {
	Source   string
	Priority int
}

// ScriptPayload renders scripts as script elements, ordered by priority;
// scripts with equal priority keep their registration order.
func ScriptPayload(scripts []Script) string {
	if len(scripts) == 0 {
		return ""
	}
	sorted := make([]Script, len(scripts))
	copy(sorted, scripts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	var b strings.Builder
	for _, s := range sorted {
		b.WriteString(`<script type="text/javascript">`)
		b.WriteString(s.Source)
		b.WriteString("</script>")
	}
	return b.String()
}
