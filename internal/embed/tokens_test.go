package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordCounter(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"one two\tthree\nfour", 4},
		{"  padded  ", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, WordCounter{}.CountTokens(tt.text), tt.text)
	}
}

func TestNewTokenCounter_Words(t *testing.T) {
	c, err := NewTokenCounter("")
	require.NoError(t, err)
	assert.IsType(t, WordCounter{}, c)

	c, err = NewTokenCounter("words")
	require.NoError(t, err)
	assert.IsType(t, WordCounter{}, c)
}

func TestTiktokenCounter(t *testing.T) {
	c, err := NewTiktokenCounter("")
	if err != nil {
		// The BPE ranks are fetched on first use.
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}

	assert.Equal(t, DefaultEncoding, c.Encoding())
	assert.Zero(t, c.CountTokens(""))
	assert.Equal(t, 2, c.CountTokens("hello world"))
	assert.Greater(t, c.CountTokens("machine learning is great"), 3)
}
