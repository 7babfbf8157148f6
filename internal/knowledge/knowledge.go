// Package knowledge finds grounding text for a conversation in the user's
// knowledge bases.
//
// A search runs a case-insensitive substring match over the title,
// description and content of every base the user may read (active, and either
// public or created by the user), ranks the hits, and renders the best of
// them as a context block for the live backend:
//
//	Title A: ...excerpt around the match...
//
//	Title B: excerpt...
package knowledge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/umindsales/magus/internal/observe"
)

// Ranking and excerpt parameters.
const (
	DefaultMaxResults = 5
	ExcerptLength     = 200
	excerptLead       = 50
	titleWeight       = 10
	descriptionWeight = 5
)

// ErrEmptyQuery is returned when the search text is blank.
var ErrEmptyQuery = errors.New("knowledge: query is required")

// Base is one knowledge base a user can search.
type Base struct {
	ID          string
	Title       string
	Description string
	Content     string
}

// Query describes a search.
type Query struct {
	Text string

	// UserID selects the private bases the caller may read in addition to
	// public ones. Empty means public bases only.
	UserID string

	// BaseIDs restricts the search to these bases. Empty searches all.
	BaseIDs []string
}

// Result is one ranked hit.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Excerpt string `json:"relevantContent"`
	Score   int    `json:"score"`
}

// Answer is the outcome of a search.
type Answer struct {
	Results []Result

	// Context is the rendered grounding block; empty when nothing matched.
	Context string

	// Searched is the number of accessible bases considered.
	Searched int
}

// Source lists the bases a user may read. Implementations must only return
// active bases that are public or owned by q.UserID, restricted to q.BaseIDs
// when it is non-empty.
type Source interface {
	Accessible(ctx context.Context, q Query) ([]Base, error)
}

// Service searches one or more sources.
type Service struct {
	sources    []Source
	maxResults int
}

// Option configures a [Service].
type Option func(*Service)

// WithMaxResults caps the number of results; values below 1 are ignored.
func WithMaxResults(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// NewService returns a Service over sources. Sources are queried
// concurrently; bases with the same ID are kept once.
func NewService(sources []Source, opts ...Option) *Service {
	s := &Service{sources: sources, maxResults: DefaultMaxResults}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search runs q against every source.
func (s *Service) Search(ctx context.Context, q Query) (a Answer, err error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return Answer{}, ErrEmptyQuery
	}

	ctx, span := observe.StartSpan(ctx, "knowledge.search", trace.WithAttributes(
		attribute.Int("magus.knowledge.sources", len(s.sources)),
	))
	defer func() {
		span.SetAttributes(
			attribute.Int("magus.knowledge.searched", a.Searched),
			attribute.Int("magus.knowledge.results", len(a.Results)),
		)
		observe.EndSpan(span, err)
	}()

	found := make([][]Base, len(s.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range s.sources {
		g.Go(func() error {
			bases, err := src.Accessible(gctx, q)
			if err != nil {
				return fmt.Errorf("knowledge: source %d: %w", i, err)
			}
			found[i] = bases
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return Answer{}, err
	}

	var bases []Base
	seen := make(map[string]bool)
	for _, list := range found {
		for _, b := range list {
			if b.ID != "" && seen[b.ID] {
				continue
			}
			seen[b.ID] = true
			bases = append(bases, b)
		}
	}

	results := Rank(bases, q.Text, s.maxResults)
	return Answer{Results: results, Context: Render(results), Searched: len(bases)}, nil
}

// ContextFor returns the rendered context for text, or "" when nothing
// matched.
func (s *Service) ContextFor(ctx context.Context, userID, text string) (string, error) {
	a, err := s.Search(ctx, Query{Text: text, UserID: userID})
	if err != nil {
		return "", err
	}
	return a.Context, nil
}

// ── Ranking ──────────────────────────────────────────────────────────────────

// Rank returns the bases matching query, best first, at most limit of them.
// Ties keep input order.
func Rank(bases []Base, query string, limit int) []Result {
	q := strings.ToLower(query)
	if q == "" {
		return nil
	}
	var results []Result
	for _, b := range bases {
		if !matches(b, q) {
			continue
		}
		results = append(results, Result{
			ID:      b.ID,
			Title:   b.Title,
			Excerpt: Excerpt(b.Content, query, ExcerptLength),
			Score:   Score(b, query),
		})
	}
	slices.SortStableFunc(results, func(a, b Result) int { return cmp.Compare(b.Score, a.Score) })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func matches(b Base, lowerQuery string) bool {
	return strings.Contains(strings.ToLower(b.Content), lowerQuery) ||
		strings.Contains(strings.ToLower(b.Title), lowerQuery) ||
		strings.Contains(strings.ToLower(b.Description), lowerQuery)
}

// Score weighs a title match 10, a description match 5, and adds one per
// occurrence in the content.
func Score(b Base, query string) int {
	q := strings.ToLower(query)
	if q == "" {
		return 0
	}
	score := 0
	if strings.Contains(strings.ToLower(b.Title), q) {
		score += titleWeight
	}
	if strings.Contains(strings.ToLower(b.Description), q) {
		score += descriptionWeight
	}
	return score + strings.Count(strings.ToLower(b.Content), q)
}

// Excerpt returns up to maxLen characters of content starting a little before
// the first match of query, marking cut ends with "...". Without a match it
// returns the head of content.
func Excerpt(content, query string, maxLen int) string {
	runes := []rune(content)
	idx := indexFold(content, query)
	if idx < 0 {
		if len(runes) <= maxLen {
			return content
		}
		return string(runes[:maxLen]) + "..."
	}

	start := max(0, idx-excerptLead)
	end := min(len(runes), start+maxLen)
	var sb strings.Builder
	if start > 0 {
		sb.WriteString("...")
	}
	sb.WriteString(string(runes[start:end]))
	if end < len(runes) {
		sb.WriteString("...")
	}
	return sb.String()
}

// indexFold returns the rune index of the first case-insensitive occurrence of
// sub in s, or -1.
func indexFold(s, sub string) int {
	if sub == "" {
		return -1
	}
	lower := strings.ToLower(s)
	i := strings.Index(lower, strings.ToLower(sub))
	if i < 0 {
		return -1
	}
	return min(utf8.RuneCountInString(lower[:i]), utf8.RuneCountInString(s))
}

// Render joins results as "title: excerpt" blocks separated by blank lines.
func Render(results []Result) string {
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = r.Title + ": " + r.Excerpt
	}
	return strings.Join(blocks, "\n\n")
}

// ── Static source ────────────────────────────────────────────────────────────

// Static is an in-memory Source of bases readable by everyone, such as those
// listed in the configuration file.
type Static []Base

var _ Source = Static(nil)

// Accessible implements Source.
func (s Static) Accessible(_ context.Context, q Query) ([]Base, error) {
	if len(q.BaseIDs) == 0 {
		return slices.Clone(s), nil
	}
	var out []Base
	for _, b := range s {
		if slices.Contains(q.BaseIDs, b.ID) {
			out = append(out, b)
		}
	}
	return out, nil
}
