package tags

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/l0p7/listingkit/internal/config"
	"github.com/l0p7/listingkit/internal/expr"
)

// Rule is a phrase with its base score. The phrase matches when every
// whitespace-delimited token occurs somewhere in the corpus.
type Rule struct {
	Phrase string
	Base   int
	When   expr.Program

	tokens []string
}

func NewRule(phrase string, base int) Rule {
	normalized := normalize(phrase)
	return Rule{Phrase: normalized, Base: base, tokens: strings.Fields(normalized)}
}

func (r Rule) multiWord() bool { return len(r.tokens) > 1 }

func (r Rule) matches(corpus string) bool {
	if len(r.tokens) == 0 {
		return false
	}
	for _, token := range r.tokens {
		if !strings.Contains(corpus, token) {
			return false
		}
	}
	return true
}

// Category is a category-specific table plus its fallback decoration.
type Category struct {
	Decoration string
	Rules      []Rule
}

// Compound synthesizes Phrases when every concept is present. A concept may
// list alternatives separated by "|".
type Compound struct {
	Concepts [][]string
	Phrases  []Rule
}

func NewCompound(concepts []string, phrases ...Rule) Compound {
	c := Compound{Phrases: phrases}
	for _, concept := range concepts {
		var alternatives []string
		for _, alt := range strings.Split(concept, "|") {
			if alt = normalize(alt); alt != "" {
				alternatives = append(alternatives, alt)
			}
		}
		c.Concepts = append(c.Concepts, alternatives)
	}
	return c
}

func (c Compound) present(corpus string) bool {
	if len(c.Concepts) == 0 {
		return false
	}
	for _, alternatives := range c.Concepts {
		if !slices.ContainsFunc(alternatives, func(alt string) bool { return strings.Contains(corpus, alt) }) {
			return false
		}
	}
	return true
}

// Decoration maps a concept found in a tag's text to a symbol.
type Decoration struct {
	Concept string
	Symbol  string
}

// Ruleset is an immutable set of scoring tables. Scorer swaps whole rulesets
// on reload.
type Ruleset struct {
	Categories        map[string]Category
	General           []Rule
	Audience          []Rule
	Feature           []Rule
	Niche             []Rule
	Compounds         []Compound
	Decorations       []Decoration
	DefaultDecoration string

	// Sources and Skipped describe where custom rules came from.
	Sources []string
	Skipped []config.DefinitionSkip
}

// generic returns the non-category tables in evaluation order.
func (rs *Ruleset) generic() [][]Rule {
	return [][]Rule{rs.General, rs.Audience, rs.Feature, rs.Niche}
}

func (rs *Ruleset) clone() *Ruleset {
	out := &Ruleset{
		Categories:        make(map[string]Category, len(rs.Categories)),
		General:           slices.Clone(rs.General),
		Audience:          slices.Clone(rs.Audience),
		Feature:           slices.Clone(rs.Feature),
		Niche:             slices.Clone(rs.Niche),
		Compounds:         slices.Clone(rs.Compounds),
		Decorations:       slices.Clone(rs.Decorations),
		DefaultDecoration: rs.DefaultDecoration,
		Sources:           slices.Clone(rs.Sources),
		Skipped:           slices.Clone(rs.Skipped),
	}
	for name, category := range rs.Categories {
		category.Rules = slices.Clone(category.Rules)
		out.Categories[name] = category
	}
	return out
}

// RuleCount reports the number of phrase rules across every table.
func (rs *Ruleset) RuleCount() int {
	total := len(rs.General) + len(rs.Audience) + len(rs.Feature) + len(rs.Niche)
	for _, category := range rs.Categories {
		total += len(category.Rules)
	}
	for _, compound := range rs.Compounds {
		total += len(compound.Phrases)
	}
	return total
}

// Extend layers a loaded rule bundle on top of base. Custom decorations are
// consulted before the built-in ones; custom category decorations replace the
// built-in default for that category.
func Extend(base *Ruleset, bundle config.TagRuleBundle, env *expr.Environment) (*Ruleset, error) {
	if base == nil {
		base = Builtin()
	}
	out := base.clone()
	out.Sources = slices.Clone(bundle.Sources)
	out.Skipped = slices.Clone(bundle.Skipped)

	compile := func(cfg config.TagRuleConfig) (Rule, error) {
		rule := NewRule(cfg.Phrase, cfg.Score)
		if cfg.When == "" {
			return rule, nil
		}
		program, err := env.Compile(cfg.When)
		if err != nil {
			return Rule{}, fmt.Errorf("tags: rule %q: %w", cfg.Phrase, err)
		}
		rule.When = program
		return rule, nil
	}
	compileAll := func(cfgs []config.TagRuleConfig) ([]Rule, error) {
		rules := make([]Rule, 0, len(cfgs))
		for _, cfg := range cfgs {
			rule, err := compile(cfg)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		}
		return rules, nil
	}

	for _, name := range slices.Sorted(maps.Keys(bundle.Categories)) {
		cfg := bundle.Categories[name]
		rules, err := compileAll(cfg.Rules)
		if err != nil {
			return nil, err
		}
		category := out.Categories[name]
		category.Rules = append(category.Rules, rules...)
		if cfg.Decoration != "" {
			category.Decoration = cfg.Decoration
		}
		out.Categories[name] = category
	}

	tables := map[string]*[]Rule{
		config.TableGeneral:  &out.General,
		config.TableAudience: &out.Audience,
		config.TableFeature:  &out.Feature,
		config.TableNiche:    &out.Niche,
	}
	for name, cfgs := range bundle.Tables {
		target, ok := tables[name]
		if !ok {
			return nil, fmt.Errorf("tags: unknown table %q", name)
		}
		rules, err := compileAll(cfgs)
		if err != nil {
			return nil, err
		}
		*target = append(*target, rules...)
	}

	for _, cfg := range bundle.Compounds {
		phrases, err := compileAll(cfg.Phrases)
		if err != nil {
			return nil, err
		}
		out.Compounds = append(out.Compounds, NewCompound(cfg.Concepts, phrases...))
	}

	if len(bundle.Decorations) > 0 {
		custom := make([]Decoration, 0, len(bundle.Decorations)+len(out.Decorations))
		for _, cfg := range bundle.Decorations {
			custom = append(custom, Decoration{Concept: normalize(cfg.Concept), Symbol: cfg.Decoration})
		}
		out.Decorations = append(custom, out.Decorations...)
	}
	return out, nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
