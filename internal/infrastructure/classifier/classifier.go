package classifier

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cloudflare/ahocorasick"

	"github.com/kirillkom/doc-intake/internal/core/countrypack"
	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/core/ports"
)

// minTextRunes is the shortest text worth scoring.
const minTextRunes = 3

type Option func(*Classifier)

func WithStrategy(s ports.ScoringStrategy) Option {
	return func(c *Classifier) {
		if s != nil {
			c.strategy = s
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Classifier scores text against weighted keywords and patterns per document
// type. The matcher is built once and shared read-only across goroutines.
type Classifier struct {
	matcher     *ahocorasick.Matcher
	dict        []string
	hits        [][]weightedKeyword
	patterns    []pattern
	corrections ports.CorrectionStore
	strategy    ports.ScoringStrategy
	logger      *slog.Logger
}

// New builds a classifier from the built-in rules plus extra keywords, usually
// the merged country pack keywords. corrections may be nil.
func New(extra map[domain.DocType][]string, corrections ports.CorrectionStore, opts ...Option) *Classifier {
	weights := map[string]map[domain.DocType]float64{}
	put := func(dt domain.DocType, word string, w float64) {
		key := countrypack.FoldKey(word)
		if key == "" {
			return
		}
		if weights[key] == nil {
			weights[key] = map[domain.DocType]float64{}
		}
		if w > weights[key][dt] {
			weights[key][dt] = w
		}
	}
	for dt, words := range builtinKeywords {
		for word, w := range words {
			put(dt, word, w)
		}
	}
	for dt, words := range extra {
		for _, word := range words {
			put(dt, word, PackKeywordWeight)
		}
	}

	c := &Classifier{
		patterns:    builtinPatterns,
		corrections: corrections,
		strategy:    MarginStrategy{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	words := make([]string, 0, len(weights))
	for w := range weights {
		words = append(words, w)
	}
	sort.Strings(words)
	for _, w := range words {
		// Padding makes every dictionary entry match whole words only.
		c.dict = append(c.dict, " "+w+" ")
		var entries []weightedKeyword
		for _, dt := range domain.KnownDocTypes {
			if weight, ok := weights[w][dt]; ok {
				entries = append(entries, weightedKeyword{docType: dt, weight: weight})
			}
		}
		c.hits = append(c.hits, entries)
	}
	c.matcher = ahocorasick.NewStringMatcher(c.dict)
	return c
}

// Classify scores text for tenantID. Near-empty text is unknown with zero
// confidence; correction lookups are best-effort.
func (c *Classifier) Classify(ctx context.Context, tenantID, text string) (domain.Classification, error) {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < minTextRunes {
		return domain.Classification{DocType: domain.DocTypeUnknown}, nil
	}
	if err := ctx.Err(); err != nil {
		return domain.Classification{}, err
	}

	evidence := c.Evidence(text)

	stats := domain.NewCorrectionStats()
	if c.corrections != nil && len(evidence) > 0 {
		s, err := c.corrections.Stats(ctx, tenantID)
		if err != nil {
			c.logger.Warn("classifier_corrections_unavailable", "tenant_id", tenantID, "error", err)
		} else {
			stats = s
		}
	}
	return c.strategy.Score(evidence, stats), nil
}

// Evidence returns the raw per-type score before any correction bias.
func (c *Classifier) Evidence(text string) map[domain.DocType]float64 {
	evidence := map[domain.DocType]float64{}

	folded := " " + countrypack.FoldKey(text) + " "
	for _, idx := range c.matcher.MatchThreadSafe([]byte(folded)) {
		for _, hit := range c.hits[idx] {
			evidence[hit.docType] += hit.weight
		}
	}

	upper := strings.ToUpper(text)
	for _, p := range c.patterns {
		if p.re.MatchString(upper) {
			for dt, w := range p.weights {
				evidence[dt] += w
			}
		}
	}
	return evidence
}
