package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgramMatchesListing(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	listing := Listing{
		Title:       "Dinosaur Story Book",
		Description: "a bedtime story about a friendly dinosaur",
		Category:    "Books",
		Corpus:      "dinosaur story book a bedtime story about a friendly dinosaur",
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "category equality", expr: `category == "Books"`, want: true},
		{name: "corpus contains", expr: `corpus.contains("bedtime")`, want: true},
		{name: "title size", expr: `size(title) > 40`, want: false},
		{name: "contains all tokens", expr: `containsAll(corpus, ["friendly", "dino"])`, want: true},
		{name: "contains all missing", expr: `containsAll(corpus, ["friendly", "dragon"])`, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			program, err := env.Compile(tc.expr)
			require.NoError(t, err)
			got, err := program.Matches(listing)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCompileRejectsInvalidExpressions(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	for _, src := range []string{"", "   ", `size(title)`, `unknown == 1`, `title ==`} {
		_, err := env.Compile(src)
		require.Error(t, err, "expected %q to be rejected", src)
	}
}

func TestProgramSource(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
	require.True(t, program.Valid())

	var zero Program
	require.False(t, zero.Valid())
	_, err = zero.Matches(Listing{})
	require.Error(t, err)
}
