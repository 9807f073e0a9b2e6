// Package moderation screens message text and group names for blocked
// keywords and spam patterns before they are persisted.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of a single Check.
type FilterResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"` // "blocked_keyword" or "spam_pattern"
	Term    string `json:"term,omitempty"`   // matched term or spam check name
}

// Filter matches text against a keyword blocklist and the spam checks. It
// is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{} // single-word terms
	phrases [][]string          // multi-word terms, pre-tokenized
	spam    SpamPolicy
}

// defaultTerms is the built-in blocklist: harassment, sexual solicitation,
// violent threats, extremist slogans and common scams.
var defaultTerms = []string{
	// harassment
	"kill yourself", "kys", "go die", "nobody loves you",
	// solicitation
	"send nudes", "child porn", "cp trade",
	// threats
	"bomb threat", "shoot up", "i will find you",
	// extremism
	"heil hitler", "sieg heil",
	// scams
	"free bitcoin", "crypto giveaway", "wire transfer fee", "gift card code",
}

// NewFilter returns a Filter loaded with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a Filter for terms with the default spam
// policy. Blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	return NewFilterWithPolicy(terms, DefaultSpamPolicy())
}

// NewFilterWithPolicy returns a Filter for terms and spam policy p.
func NewFilterWithPolicy(terms []string, p SpamPolicy) *Filter {
	f := &Filter{words: make(map[string]struct{}), spam: p}
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check screens text. Keyword matches take precedence over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	lower := strings.ToLower(text)

	if term, ok := f.match(tokenizePlain(lower)); ok {
		return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: term}
	}

	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	if term, ok := f.match(leet); ok {
		return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: term}
	}

	if name, ok := f.spam.checkSpam(text); ok {
		return FilterResult{Blocked: true, Reason: "spam_pattern", Term: name}
	}
	return FilterResult{}
}

// CheckFields screens each field in order and returns the first blocking
// result.
func (f *Filter) CheckFields(fields ...string) FilterResult {
	for _, field := range fields {
		if r := f.Check(field); r.Blocked {
			return r
		}
	}
	return FilterResult{}
}

func (f *Filter) match(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	for _, phrase := range f.phrases {
		if containsSeq(tokens, phrase) {
			return strings.Join(phrase, " "), true
		}
	}
	return "", false
}

func containsSeq(tokens, seq []string) bool {
	if len(seq) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(seq) <= len(tokens); i++ {
		for j, s := range seq {
			if tokens[i+j] != s {
				continue outer
			}
		}
		return true
	}
	return false
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// leetChars are the symbols kept inside tokens for leetspeak decoding.
const leetChars = "@$!"

// tokenizeLeet splits like tokenizePlain but keeps leetspeak symbols inside
// tokens.
func tokenizeLeet(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		if strings.ContainsRune(leetChars, r) {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

// normalizeLeet maps common leetspeak substitutions back to letters.
func normalizeLeet(s string) string {
	return leetReplacer.Replace(s)
}
