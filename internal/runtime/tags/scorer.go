package tags

import (
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/l0p7/listingkit/internal/config"
	"github.com/l0p7/listingkit/internal/expr"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	MaxTags  = 13
	MinScore = 1
	MaxScore = 10

	categoryBonus = 1
	categoryFloor = 9
)

type ScoredTag struct {
	Text       string `json:"text"`
	Score      int    `json:"score"`
	Decoration string `json:"decoration"`
}

type Result struct {
	Tags []ScoredTag `json:"tags"`
	Tips []string    `json:"tips"`
}

// Scorer ranks candidate tags for a listing. It holds no per-call state and
// is safe for concurrent use; Swap replaces the ruleset atomically.
type Scorer struct {
	rules  atomic.Pointer[Ruleset]
	tips   *Tips
	logger *slog.Logger
}

// NewScorer uses the built-in tables and tips when rules or tips is nil.
func NewScorer(logger *slog.Logger, rules *Ruleset, tips *Tips) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	if rules == nil {
		rules = Builtin()
	}
	if tips == nil {
		tips = DefaultTips()
	}
	s := &Scorer{tips: tips, logger: logger.With(slog.String("agent", "tag_scorer"))}
	s.rules.Store(rules)
	return s
}

func (s *Scorer) Rules() *Ruleset { return s.rules.Load() }

// Swap installs rs for subsequent calls. In-flight calls finish on the ruleset
// they started with.
func (s *Scorer) Swap(rs *Ruleset) {
	if rs == nil {
		return
	}
	s.rules.Store(rs)
}

// Generate scores title and description against the active ruleset. An
// unknown category contributes no category matches.
func (s *Scorer) Generate(title, description, category string) Result {
	rs := s.rules.Load()
	lower := cases.Lower(language.Und)
	lowerTitle := lower.String(title)
	corpus := lowerTitle + " " + lower.String(description)
	listing := expr.Listing{Title: title, Description: description, Category: category, Corpus: corpus}

	var candidates []ScoredTag
	add := func(text string, score int) {
		candidates = append(candidates, ScoredTag{Text: text, Score: clamp(score)})
	}

	categoryDecoration := ""
	if cat, ok := rs.Categories[config.NormalizeCategory(category)]; ok {
		categoryDecoration = cat.Decoration
		for _, rule := range cat.Rules {
			if s.applies(rule, corpus, listing) {
				add(rule.Phrase, categoryScore(rule))
			}
		}
	}

	for _, compound := range rs.Compounds {
		if !compound.present(corpus) {
			continue
		}
		for _, phrase := range compound.Phrases {
			if s.conditionHolds(phrase, listing) {
				add(phrase.Phrase, phrase.Base)
			}
		}
	}

	for _, table := range rs.generic() {
		for _, rule := range table {
			if s.applies(rule, corpus, listing) {
				add(rule.Phrase, genericScore(rule, lowerTitle))
			}
		}
	}

	ranked := mergeMax(candidates)
	for i := range ranked {
		ranked[i].Decoration = decorate(ranked[i].Text, rs, categoryDecoration)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > MaxTags {
		ranked = ranked[:MaxTags]
	}

	return Result{
		Tags: ranked,
		Tips: s.tips.Render(s.logger, ranked, category),
	}
}

func (s *Scorer) applies(rule Rule, corpus string, listing expr.Listing) bool {
	return rule.matches(corpus) && s.conditionHolds(rule, listing)
}

func (s *Scorer) conditionHolds(rule Rule, listing expr.Listing) bool {
	if !rule.When.Valid() {
		return true
	}
	ok, err := rule.When.Matches(listing)
	if err != nil {
		s.logger.Debug("tag rule condition failed",
			slog.String("phrase", rule.Phrase),
			slog.String("when", rule.When.Source()),
			slog.Any("error", err),
		)
		return false
	}
	return ok
}

// categoryScore applies the category bonus with a floor, and no other bonuses,
// so a category hit always lands on the category rule's fixed value.
func categoryScore(rule Rule) int {
	return clamp(max(rule.Base+categoryBonus, categoryFloor))
}

func genericScore(rule Rule, lowerTitle string) int {
	score := rule.Base
	if rule.multiWord() {
		score++
	}
	if strings.Contains(lowerTitle, rule.Phrase) {
		score++
	}
	return clamp(score)
}

// mergeMax collapses candidates with identical text, keeping the highest score
// at the position where the text was first seen.
func mergeMax(candidates []ScoredTag) []ScoredTag {
	out := make([]ScoredTag, 0, len(candidates))
	index := make(map[string]int, len(candidates))
	for _, candidate := range candidates {
		if pos, ok := index[candidate.Text]; ok {
			if candidate.Score > out[pos].Score {
				out[pos].Score = candidate.Score
			}
			continue
		}
		index[candidate.Text] = len(out)
		out = append(out, candidate)
	}
	return out
}

// decorate picks the symbol of the first concept appearing as whole words in
// text, then falls back to the category and global defaults.
func decorate(text string, rs *Ruleset, categoryDecoration string) string {
	tokens := strings.Fields(text)
	for _, decoration := range rs.Decorations {
		if conceptIn(tokens, decoration.Concept) {
			return decoration.Symbol
		}
	}
	if categoryDecoration != "" {
		return categoryDecoration
	}
	if rs.DefaultDecoration != "" {
		return rs.DefaultDecoration
	}
	return DefaultDecoration
}

// conceptIn reports whether the words of concept occur consecutively in
// tokens. A token may carry a plural "s" or "es" suffix.
func conceptIn(tokens []string, concept string) bool {
	words := strings.Fields(concept)
	if len(words) == 0 {
		return false
	}
	for i := 0; i+len(words) <= len(tokens); i++ {
		matched := true
		for j, word := range words {
			if !sameWord(tokens[i+j], word) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func sameWord(token, word string) bool {
	return token == word || token == word+"s" || token == word+"es"
}

func clamp(score int) int {
	return min(max(score, MinScore), MaxScore)
}
