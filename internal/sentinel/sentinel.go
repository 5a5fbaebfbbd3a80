// Package sentinel decides whether a captured registry page represents a
// fatal state (expired session, maintenance, access denial) that should stop
// the whole scraping job.
package sentinel

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Verdict is the outcome of classifying a page.
type Verdict int

// Possible verdicts.
const (
	OK Verdict = iota
	Fatal
)

func (v Verdict) String() string {
	if v == Fatal {
		return "fatal"
	}
	return "ok"
}

// DefaultKeywords are the signatures the registry shows on failure pages.
var DefaultKeywords = []string{
	"no data",
	"session expired",
	"error",
	"maintenance",
	"not available",
	"temporarily unavailable",
	"try again later",
	"invalid",
	"unauthorized",
	"forbidden",
	"user validation required to continue",
}

// Sentinel matches page content against a keyword set. Matching is a
// case-insensitive substring test, so legitimate content containing one of
// the words is also reported as fatal.
type Sentinel struct {
	keywords        []string
	visibleTextOnly bool
}

// Option tunes a Sentinel.
type Option func(*Sentinel)

// WithVisibleTextOnly classifies only the text a user would see, dropping
// markup, scripts and styles before matching.
func WithVisibleTextOnly(enabled bool) Option {
	return func(s *Sentinel) { s.visibleTextOnly = enabled }
}

// New builds a Sentinel. An empty keyword list falls back to DefaultKeywords.
func New(keywords []string, opts ...Option) *Sentinel {
	normalized := normalizeKeywords(keywords)
	if len(normalized) == 0 {
		normalized = normalizeKeywords(DefaultKeywords)
	}
	s := &Sentinel{keywords: normalized}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keywords returns the normalized keyword set.
func (s *Sentinel) Keywords() []string {
	return append([]string(nil), s.keywords...)
}

// Classify reports Fatal when the page text contains any keyword.
func (s *Sentinel) Classify(pageText string) Verdict {
	if _, ok := s.Match(pageText); ok {
		return Fatal
	}
	return OK
}

// Match returns the first keyword found in the page text.
func (s *Sentinel) Match(pageText string) (string, bool) {
	text := pageText
	if s.visibleTextOnly {
		text = VisibleText(pageText)
	}
	lower := strings.ToLower(text)
	for _, kw := range s.keywords {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

// VisibleText extracts the rendered text of an HTML document. Input that
// cannot be parsed is returned unchanged.
func VisibleText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, noscript, template").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{})
	for _, kw := range in {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
