package embed

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Token counter names accepted by NewTokenCounter.
const (
	CounterWords    = "words"
	CounterTiktoken = "tiktoken"

	// DefaultEncoding is the tiktoken encoding used when none is named.
	DefaultEncoding = "cl100k_base"
)

// WordCounter counts whitespace-separated words.
type WordCounter struct{}

// CountTokens implements TokenCounter.
func (WordCounter) CountTokens(text string) int {
	return len(strings.Fields(text))
}

// TiktokenCounter counts BPE tokens with a tiktoken encoding.
type TiktokenCounter struct {
	encoding string

	mu  sync.RWMutex
	tke *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding, or a model's encoding when
// the name is a model. An empty name selects cl100k_base.
func NewTiktokenCounter(encodingOrModel string) (*TiktokenCounter, error) {
	if encodingOrModel == "" {
		encodingOrModel = DefaultEncoding
	}

	tke, err := tiktoken.GetEncoding(encodingOrModel)
	if err != nil {
		var modelErr error
		tke, modelErr = tiktoken.EncodingForModel(encodingOrModel)
		if modelErr != nil {
			return nil, fmt.Errorf("load tiktoken encoding %q: %w", encodingOrModel, err)
		}
	}
	return &TiktokenCounter{encoding: encodingOrModel, tke: tke}, nil
}

// CountTokens implements TokenCounter.
func (c *TiktokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tke.Encode(text, nil, nil))
}

// Encoding returns the encoding or model name the counter was built with.
func (c *TiktokenCounter) Encoding() string {
	return c.encoding
}

// NewTokenCounter builds a counter by name: "words", "tiktoken", or any
// tiktoken encoding or model name.
func NewTokenCounter(name string) (TokenCounter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CounterWords:
		return WordCounter{}, nil
	case CounterTiktoken:
		return NewTiktokenCounter(DefaultEncoding)
	default:
		return NewTiktokenCounter(name)
	}
}
