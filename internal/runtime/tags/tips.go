package tags

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/l0p7/listingkit/internal/templates"
)

const topTipCount = 3

const leadTipSource = `{{ if .Top -}}
Lead with your strongest tags: {{ .Top | join ", " }}. Work them into the first words of your title.
{{- else -}}
Add more descriptive words to your title and description so buyers can find this listing.
{{- end }}`

var builtinTipSources = []string{
	`{{ if lt .Count .Limit -}}
You are using {{ .Count }} of {{ .Limit }} tags. Fill the remaining {{ sub .Limit .Count }} with long-tail phrases buyers actually type.
{{- else -}}
All {{ .Limit }} tag slots are filled. Revisit them each season to keep them fresh.
{{- end }}`,
	`Prefer multi-word phrases over single words; each tag can hold up to 20 characters.`,
	`Repeat your best tags in the description{{ if .Category }} and choose the most specific {{ .Category | lower }} subcategory{{ end }}.`,
}

// TipData is the template context for tips.
type TipData struct {
	Top      []string
	Tags     []ScoredTag
	Category string
	Count    int
	Limit    int
}

// Tips renders a fixed-shape list of advice. The first tip always names the
// top-ranked tags.
type Tips struct {
	lead   *templates.Template
	extras []*templates.Template
}

// NewTips compiles the built-in tips followed by extra operator templates.
func NewTips(renderer *templates.Renderer, extra []string) (*Tips, error) {
	if renderer == nil {
		renderer = templates.NewRenderer()
	}
	t := &Tips{lead: renderer.MustCompile("tip-lead", leadTipSource)}
	for i, src := range builtinTipSources {
		t.extras = append(t.extras, renderer.MustCompile(fmt.Sprintf("tip-%d", i+1), src))
	}
	for i, src := range extra {
		tmpl, err := renderer.CompileInline(fmt.Sprintf("tip-custom-%d", i+1), src)
		if err != nil {
			return nil, fmt.Errorf("tags: tips template %d: %w", i, err)
		}
		if tmpl != nil {
			t.extras = append(t.extras, tmpl)
		}
	}
	return t, nil
}

// DefaultTips returns the built-in tips only.
func DefaultTips() *Tips {
	tips, err := NewTips(templates.NewRenderer(), nil)
	if err != nil {
		panic(err)
	}
	return tips
}

// Render produces the tips for ranked. Templates that fail to execute or
// render empty are dropped.
func (t *Tips) Render(logger *slog.Logger, ranked []ScoredTag, category string) []string {
	top := make([]string, 0, topTipCount)
	for _, tag := range ranked {
		if len(top) == topTipCount {
			break
		}
		top = append(top, tag.Text)
	}
	data := TipData{Top: top, Tags: ranked, Category: category, Count: len(ranked), Limit: MaxTags}

	out := make([]string, 0, len(t.extras)+1)
	for _, tmpl := range append([]*templates.Template{t.lead}, t.extras...) {
		rendered, err := tmpl.Render(data)
		if err != nil {
			if logger != nil {
				logger.Warn("tip template failed", slog.String("template", tmpl.Name()), slog.Any("error", err))
			}
			continue
		}
		if rendered = strings.TrimSpace(rendered); rendered != "" {
			out = append(out, rendered)
		}
	}
	return out
}
