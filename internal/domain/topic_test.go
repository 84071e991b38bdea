package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePattern(t *testing.T) {
	tests := []struct {
		in   string
		want Pattern
		ok   bool
	}{
		{"mirror:query", Pattern{"mirror", "query"}, true},
		{"mirror:*", Pattern{"mirror", "*"}, true},
		{"*:query", Pattern{"*", "query"}, true},
		{"*", Pattern{"*", "*"}, true},
		{"*:*", Pattern{"*", "*"}, true},
		{"  mirror:query ", Pattern{"mirror", "query"}, true},
		{"", Pattern{}, false},
		{"mirror", Pattern{}, false},
		{"mirror:", Pattern{}, false},
		{":query", Pattern{}, false},
		{"a:b:c", Pattern{}, false},
		{"mir*:query", Pattern{}, false}, // частичный wildcard
		{"mirror:qu*", Pattern{}, false},
	}
	for _, tt := range tests {
		got, err := ParsePattern(tt.in)
		if !tt.ok {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
}

func TestPatternMatches(t *testing.T) {
	e := NewEnvelope("mirror", "core", IntentQuery, nil)

	match := []string{"mirror:query", "mirror:*", "*:query", "*"}
	for _, s := range match {
		p, err := ParsePattern(s)
		require.NoError(t, err)
		require.True(t, p.Matches(e), s)
	}

	miss := []string{"core:query", "mirror:update", "*:update", "core:*"}
	for _, s := range miss {
		p, err := ParsePattern(s)
		require.NoError(t, err)
		require.False(t, p.Matches(e), s)
	}
}

func TestPatternIsGlobal(t *testing.T) {
	p, err := ParsePattern("*")
	require.NoError(t, err)
	require.True(t, p.IsGlobal())
	require.Equal(t, "*", p.String())

	p, err = ParsePattern("mirror:*")
	require.NoError(t, err)
	require.False(t, p.IsGlobal())
	require.Equal(t, "mirror:*", p.String())
}
