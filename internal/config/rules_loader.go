package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/listingkit/internal/expr"
)

const inlineSourceName = "inline-config"

// Generic rule tables a document may extend. Category tables live under
// TagRuleDocument.Categories.
const (
	TableGeneral  = "general"
	TableAudience = "audience"
	TableFeature  = "feature"
	TableNiche    = "niche"
)

var knownTables = []string{TableGeneral, TableAudience, TableFeature, TableNiche}

// Skip kinds recorded in DefinitionSkip.Kind.
const (
	skipKindRule       = "tag-rule"
	skipKindCompound   = "compound"
	skipKindDecoration = "decoration"
	skipKindCategory   = "category"
	skipKindTable      = "table"
)

type TagRuleConfig struct {
	Phrase string `koanf:"phrase"`
	Score  int    `koanf:"score"`
	// When is an optional CEL condition over title, description, category and corpus.
	When string `koanf:"when"`
}

type TagCategoryConfig struct {
	Decoration string          `koanf:"decoration"`
	Rules      []TagRuleConfig `koanf:"rules"`
}

// TagCompoundConfig synthesizes Phrases when every concept is present in the
// corpus. A concept may list alternatives separated by "|".
type TagCompoundConfig struct {
	Concepts []string        `koanf:"concepts"`
	Phrases  []TagRuleConfig `koanf:"phrases"`
}

type TagDecorationConfig struct {
	Concept    string `koanf:"concept"`
	Decoration string `koanf:"decoration"`
}

// TagRuleDocument is the on-disk shape of a tag rules file.
type TagRuleDocument struct {
	Categories  map[string]TagCategoryConfig `koanf:"categories"`
	Tables      map[string][]TagRuleConfig   `koanf:"tables"`
	Compounds   []TagCompoundConfig          `koanf:"compounds"`
	Decorations []TagDecorationConfig        `koanf:"decorations"`
}

func (d TagRuleDocument) empty() bool {
	return len(d.Categories) == 0 && len(d.Tables) == 0 && len(d.Compounds) == 0 && len(d.Decorations) == 0
}

// TagRuleBundle captures the merged tag rule definitions after loading every
// configured source. Category keys are normalized to lower case.
type TagRuleBundle struct {
	Categories  map[string]TagCategoryConfig
	Tables      map[string][]TagRuleConfig
	Compounds   []TagCompoundConfig
	Decorations []TagDecorationConfig
	Sources     []string
	Skipped     []DefinitionSkip
}

// RuleCount reports how many phrase rules the bundle contributes.
func (b TagRuleBundle) RuleCount() int {
	total := 0
	for _, category := range b.Categories {
		total += len(category.Rules)
	}
	for _, rules := range b.Tables {
		total += len(rules)
	}
	for _, compound := range b.Compounds {
		total += len(compound.Phrases)
	}
	return total
}

type tagDefinition struct {
	kind       string
	name       string
	source     string
	table      string
	category   string
	rule       TagRuleConfig
	compound   TagCompoundConfig
	decoration TagDecorationConfig
}

func (d *tagDefinition) id() string { return d.kind + ":" + d.name }

// conditions lists every CEL source carried by the definition.
func (d *tagDefinition) conditions() []string {
	switch d.kind {
	case skipKindRule:
		return []string{d.rule.When}
	case skipKindCompound:
		out := make([]string, 0, len(d.compound.Phrases))
		for _, phrase := range d.compound.Phrases {
			out = append(out, phrase.When)
		}
		return out
	}
	return nil
}

type tagRuleAggregator struct {
	order   []string
	defs    map[string]*tagDefinition
	skips   map[string]*DefinitionSkip
	sources map[string]struct{}
}

func newTagRuleAggregator() *tagRuleAggregator {
	return &tagRuleAggregator{
		defs:    make(map[string]*tagDefinition),
		skips:   make(map[string]*DefinitionSkip),
		sources: make(map[string]struct{}),
	}
}

func (a *tagRuleAggregator) addDocument(doc TagRuleDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}

	categories := make([]string, 0, len(doc.Categories))
	for name := range doc.Categories {
		categories = append(categories, name)
	}
	sort.Strings(categories)
	for _, raw := range categories {
		cfg := doc.Categories[raw]
		name := NormalizeCategory(raw)
		if name == "" {
			a.recordSkip(skipKindCategory, raw, "empty category name", source)
			continue
		}
		if strings.TrimSpace(cfg.Decoration) != "" {
			a.add(&tagDefinition{kind: skipKindCategory, name: name, source: source, category: name,
				decoration: TagDecorationConfig{Concept: name, Decoration: strings.TrimSpace(cfg.Decoration)}})
		}
		for _, rule := range cfg.Rules {
			a.addRule("category/"+name, name, rule, source)
		}
	}

	tables := make([]string, 0, len(doc.Tables))
	for name := range doc.Tables {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	for _, raw := range tables {
		table := strings.ToLower(strings.TrimSpace(raw))
		if !slices.Contains(knownTables, table) {
			a.recordSkip(skipKindTable, raw, fmt.Sprintf("unknown table (want one of %s)", strings.Join(knownTables, ", ")), source)
			continue
		}
		for _, rule := range doc.Tables[raw] {
			a.addRule(table, "", rule, source)
		}
	}

	for _, compound := range doc.Compounds {
		a.addCompound(compound, source)
	}

	for _, decoration := range doc.Decorations {
		concept := strings.ToLower(strings.TrimSpace(decoration.Concept))
		symbol := strings.TrimSpace(decoration.Decoration)
		if concept == "" || symbol == "" {
			a.recordSkip(skipKindDecoration, decoration.Concept, "concept and decoration required", source)
			continue
		}
		a.add(&tagDefinition{kind: skipKindDecoration, name: concept, source: source,
			decoration: TagDecorationConfig{Concept: concept, Decoration: symbol}})
	}
}

func (a *tagRuleAggregator) addRule(table, category string, rule TagRuleConfig, source string) {
	phrase := normalizePhrase(rule.Phrase)
	name := table + "/" + phrase
	if phrase == "" {
		a.recordSkip(skipKindRule, name, "phrase required", source)
		return
	}
	if err := validateScore(rule.Score); err != nil {
		a.recordSkip(skipKindRule, name, err.Error(), source)
		return
	}
	rule.Phrase = phrase
	rule.When = strings.TrimSpace(rule.When)
	a.add(&tagDefinition{kind: skipKindRule, name: name, source: source, table: table, category: category, rule: rule})
}

func (a *tagRuleAggregator) addCompound(compound TagCompoundConfig, source string) {
	concepts := make([]string, 0, len(compound.Concepts))
	for _, concept := range compound.Concepts {
		concepts = append(concepts, strings.ToLower(strings.TrimSpace(concept)))
	}
	name := strings.Join(concepts, "+")
	if len(concepts) < 2 {
		a.recordSkip(skipKindCompound, name, "at least two concepts required", source)
		return
	}
	if slices.Contains(concepts, "") {
		a.recordSkip(skipKindCompound, name, "empty concept", source)
		return
	}
	if len(compound.Phrases) == 0 {
		a.recordSkip(skipKindCompound, name, "phrases required", source)
		return
	}
	phrases := make([]TagRuleConfig, 0, len(compound.Phrases))
	for idx, phrase := range compound.Phrases {
		text := normalizePhrase(phrase.Phrase)
		if text == "" {
			a.recordSkip(skipKindCompound, name, fmt.Sprintf("phrases[%d]: phrase required", idx), source)
			return
		}
		if err := validateScore(phrase.Score); err != nil {
			a.recordSkip(skipKindCompound, name, fmt.Sprintf("phrases[%d]: %v", idx, err), source)
			return
		}
		phrases = append(phrases, TagRuleConfig{Phrase: text, Score: phrase.Score, When: strings.TrimSpace(phrase.When)})
	}
	a.add(&tagDefinition{kind: skipKindCompound, name: name, source: source,
		compound: TagCompoundConfig{Concepts: concepts, Phrases: phrases}})
}

// add registers def unless another source already defined the same id, in
// which case both are quarantined.
func (a *tagRuleAggregator) add(def *tagDefinition) {
	id := def.id()
	if existing, ok := a.skips[id]; ok {
		existing.Sources = appendUnique(existing.Sources, def.source)
		return
	}
	if prev, ok := a.defs[id]; ok {
		a.recordSkip(def.kind, def.name, "duplicate definition", prev.source, def.source)
		delete(a.defs, id)
		return
	}
	a.defs[id] = def
	a.order = append(a.order, id)
}

func (a *tagRuleAggregator) validateConditions(env *expr.Environment) {
	for _, id := range a.order {
		def, ok := a.defs[id]
		if !ok {
			continue
		}
		for idx, condition := range def.conditions() {
			if condition == "" {
				continue
			}
			if _, err := env.Compile(condition); err != nil {
				reason := fmt.Sprintf("invalid condition: %v", err)
				if def.kind == skipKindCompound {
					reason = fmt.Sprintf("phrases[%d]: invalid condition: %v", idx, err)
				}
				a.recordSkip(def.kind, def.name, reason, def.source)
				delete(a.defs, id)
				break
			}
		}
	}
}

func (a *tagRuleAggregator) recordSkip(kind, name, reason string, sources ...string) {
	id := kind + ":" + name
	if skip, ok := a.skips[id]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    kind,
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[id] = skip
}

func (a *tagRuleAggregator) bundle() TagRuleBundle {
	out := TagRuleBundle{
		Categories: make(map[string]TagCategoryConfig),
		Tables:     make(map[string][]TagRuleConfig),
	}
	for _, id := range a.order {
		def, ok := a.defs[id]
		if !ok {
			continue
		}
		switch def.kind {
		case skipKindRule:
			if def.category != "" {
				category := out.Categories[def.category]
				category.Rules = append(category.Rules, def.rule)
				out.Categories[def.category] = category
				continue
			}
			out.Tables[def.table] = append(out.Tables[def.table], def.rule)
		case skipKindCategory:
			category := out.Categories[def.category]
			category.Decoration = def.decoration.Decoration
			out.Categories[def.category] = category
		case skipKindCompound:
			out.Compounds = append(out.Compounds, def.compound)
		case skipKindDecoration:
			out.Decorations = append(out.Decorations, def.decoration)
		}
	}

	out.Skipped = make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		out.Skipped = append(out.Skipped, *skip)
	}
	sort.Slice(out.Skipped, func(i, j int) bool {
		if out.Skipped[i].Kind == out.Skipped[j].Kind {
			return out.Skipped[i].Name < out.Skipped[j].Name
		}
		return out.Skipped[i].Kind < out.Skipped[j].Kind
	})
	out.Sources = make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			out.Sources = append(out.Sources, src)
		}
	}
	sort.Strings(out.Sources)
	return out
}

// NormalizeCategory lower-cases name and collapses inner whitespace so
// "Home  Decor" and "home decor" address the same table.
func NormalizeCategory(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func normalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

func validateScore(score int) error {
	if score < 1 || score > 10 {
		return fmt.Errorf("score %d outside 1..10", score)
	}
	return nil
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

// BuildTagRuleBundle merges the inline document with every configured rules
// source and quarantines anything invalid.
func BuildTagRuleBundle(ctx context.Context, inline TagRuleDocument, tagsCfg TagsConfig) (TagRuleBundle, error) {
	agg := newTagRuleAggregator()
	if !inline.empty() {
		agg.addDocument(inline, inlineSourceName)
	}

	files, err := collectRuleSources(ctx, tagsCfg)
	if err != nil {
		return TagRuleBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return TagRuleBundle{}, ctx.Err()
		default:
		}
		doc, err := loadTagRuleDocument(path)
		if err != nil {
			return TagRuleBundle{}, err
		}
		agg.addDocument(doc, filepath.Clean(path))
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return TagRuleBundle{}, err
	}
	agg.validateConditions(env)
	return agg.bundle(), nil
}

func collectRuleSources(ctx context.Context, tagsCfg TagsConfig) ([]string, error) {
	if tagsCfg.RulesFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(tagsCfg.RulesFile); err != nil {
			return nil, err
		}
		return []string{tagsCfg.RulesFile}, nil
	}
	if tagsCfg.RulesFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(tagsCfg.RulesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: rules folder %s: %w", tagsCfg.RulesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: rules folder %s is not a directory", tagsCfg.RulesFolder)
	}
	var files []string
	err = filepath.WalkDir(tagsCfg.RulesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedRulesFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk rules folder %s: %w", tagsCfg.RulesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: rules file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: rules file %s: expected a file, found directory", path)
	}
	return nil
}

func loadTagRuleDocument(path string) (TagRuleDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return TagRuleDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return TagRuleDocument{}, fmt.Errorf("config: load rules from %s: %w", path, err)
	}
	var doc TagRuleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return TagRuleDocument{}, fmt.Errorf("config: decode rules from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported rules file extension %s", ext)
	}
}

func isSupportedRulesFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}
