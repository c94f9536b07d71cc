package store

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// TokenizerOptions controls lexical tokenization.
type TokenizerOptions struct {
	// CaseFold folds case before segmentation (default true).
	CaseFold bool
	// Unigrams additionally emits every character of dense-script runs.
	Unigrams bool
}

// DefaultTokenizerOptions returns case folding on and dense unigrams on.
func DefaultTokenizerOptions() TokenizerOptions {
	return TokenizerOptions{CaseFold: true, Unigrams: true}
}

type runClass int

const (
	classOther runClass = iota
	classWord
	classDense
)

// denseScripts have no whitespace word boundaries.
var denseScripts = []*unicode.RangeTable{
	unicode.Han,
	unicode.Hiragana,
	unicode.Katakana,
	unicode.Hangul,
	unicode.Thai,
	unicode.Lao,
	unicode.Khmer,
	unicode.Myanmar,
	unicode.Tibetan,
}

// prolongedSoundMark is in the Common script but only occurs inside kana words.
const prolongedSoundMark = 'ー'

func classify(r rune) runClass {
	switch {
	case r == '-':
		return classWord
	case r == prolongedSoundMark || unicode.In(r, denseScripts...):
		return classDense
	case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r):
		return classWord
	default:
		return classOther
	}
}

// Tokenize splits text into scoring tokens.
//
// Text is NFKC-normalised and optionally case-folded, then segmented into
// script-homogeneous runs. Word runs produce one token per word; a hyphenated
// compound produces the compound and its parts. Dense-script runs produce
// every overlapping bigram and, when enabled, every single character.
// Separators are discarded. Token order carries no meaning.
func Tokenize(text string, opts TokenizerOptions) []string {
	if text == "" {
		return nil
	}
	text = norm.NFKC.String(text)
	if opts.CaseFold {
		// Casers are stateful, so one is created per call.
		text = cases.Fold().String(text)
	}

	var (
		tokens []string
		run    []rune
		cls    = classOther
	)
	flush := func() {
		switch cls {
		case classWord:
			tokens = appendWordTokens(tokens, string(run))
		case classDense:
			tokens = appendDenseTokens(tokens, run, opts.Unigrams)
		}
		run = run[:0]
	}

	for _, r := range text {
		c := classify(r)
		if c != cls {
			flush()
			cls = c
		}
		if c != classOther {
			run = append(run, r)
		}
	}
	flush()

	return tokens
}

func appendWordTokens(tokens []string, word string) []string {
	word = strings.Trim(word, "-")
	if word == "" {
		return tokens
	}
	tokens = append(tokens, word)
	if !strings.Contains(word, "-") {
		return tokens
	}
	for _, part := range strings.Split(word, "-") {
		if part != "" {
			tokens = append(tokens, part)
		}
	}
	return tokens
}

func appendDenseTokens(tokens []string, run []rune, unigrams bool) []string {
	if len(run) == 1 {
		return append(tokens, string(run))
	}
	for i := 0; i+1 < len(run); i++ {
		tokens = append(tokens, string(run[i:i+2]))
	}
	if unigrams {
		for _, r := range run {
			tokens = append(tokens, string(r))
		}
	}
	return tokens
}

// CalculateTermFrequency reduces tokens to a token -> count map in one pass.
func CalculateTermFrequency(tokens []string) map[string]int {
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}
