package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment compiles CEL conditions evaluated against listing text.
type Environment struct {
	env *cel.Env
}

// Listing is the activation passed to tag rule conditions.
type Listing struct {
	Title       string
	Description string
	Category    string
	Corpus      string
}

func (l Listing) activation() map[string]any {
	return map[string]any{
		"title":       l.Title,
		"description": l.Description,
		"category":    l.Category,
		"corpus":      l.Corpus,
	}
}

// NewEnvironment declares the variables visible to tag rule conditions.
// containsAll(text, words) mirrors the scorer's loose token matching.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("title", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("corpus", cel.StringType),
		cel.Function("containsAll",
			cel.Overload("contains_all_string_list",
				[]*cel.Type{cel.StringType, cel.ListType(cel.StringType)},
				cel.BoolType,
				cel.BinaryBinding(containsAll),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program is a compiled boolean condition.
type Program struct {
	source  string
	program cel.Program
}

// Compile prepares expression, rejecting anything that cannot yield a bool.
func (e *Environment) Compile(expression string) (Program, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", src, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Program{}, fmt.Errorf("expr: %q must return bool, got %s", src, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", src, err)
	}
	return Program{source: src, program: program}, nil
}

// Source returns the original CEL expression for logging.
func (p Program) Source() string { return p.source }

// Valid reports whether the program was compiled.
func (p Program) Valid() bool { return p.program != nil }

// Matches evaluates the condition against listing.
func (p Program) Matches(listing Listing) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(listing.activation())
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if b, ok := v.Value().(bool); ok {
			return b, nil
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

func containsAll(text ref.Val, words ref.Val) ref.Val {
	haystack, ok := text.Value().(string)
	if !ok {
		return types.NewErr("expr: containsAll expects a string")
	}
	lister, ok := words.(traits.Lister)
	if !ok {
		return types.NewErr("expr: containsAll expects a list of strings")
	}
	it := lister.Iterator()
	for it.HasNext() == types.True {
		word, ok := it.Next().Value().(string)
		if !ok {
			return types.NewErr("expr: containsAll expects a list of strings")
		}
		if !strings.Contains(haystack, word) {
			return types.False
		}
	}
	return types.True
}
