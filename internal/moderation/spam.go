package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// SpamPolicy tunes the spam checks. Participants know each other, so links
// and phone numbers are ordinary content; only floods are spam. A zero
// threshold disables its check.
type SpamPolicy struct {
	MaxLinks          int  // links allowed in one message
	CharFloodRun      int  // identical consecutive characters that count as a flood
	WordFloodRun      int  // identical consecutive words that count as a flood
	BlockPhoneNumbers bool // reject any phone number
}

// DefaultSpamPolicy returns the production thresholds.
func DefaultSpamPolicy() SpamPolicy {
	return SpamPolicy{
		MaxLinks:     3,
		CharFloodRun: 12,
		WordFloodRun: 5,
	}
}

var (
	// linkPattern matches scheme and www. links and bare domains with a
	// path. The bare form needs the "/" so "v2.0" and "3.14" stay clean.
	linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567 and
	// 555.123.4567, bounded by whitespace.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// Spam check names reported in FilterResult.Term.
const (
	SpamLinkFlood = "link_flood"
	SpamPhone     = "phone"
	SpamCharFlood = "char_flood"
	SpamWordFlood = "word_flood"
)

// checkSpam applies p to text and returns the first violation.
func (p SpamPolicy) checkSpam(text string) (string, bool) {
	if p.MaxLinks > 0 && len(linkPattern.FindAllStringIndex(text, p.MaxLinks+1)) > p.MaxLinks {
		return SpamLinkFlood, true
	}
	if p.BlockPhoneNumbers && phonePattern.MatchString(text) {
		return SpamPhone, true
	}
	if p.CharFloodRun > 0 && longestRuneRun(text) >= p.CharFloodRun {
		return SpamCharFlood, true
	}
	if p.WordFloodRun > 0 && longestWordRun(text) >= p.WordFloodRun {
		return SpamWordFlood, true
	}
	return "", false
}

// longestRuneRun returns the longest run of one repeated rune, ignoring
// whitespace. RE2 has no backreferences, hence the scan.
func longestRuneRun(text string) int {
	best, run := 0, 0
	prev := rune(-1)
	for _, r := range text {
		if unicode.IsSpace(r) {
			prev, run = -1, 0
			continue
		}
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// longestWordRun returns the longest run of one repeated word, compared
// case-insensitively.
func longestWordRun(text string) int {
	best, run := 0, 0
	prev := ""
	for _, w := range strings.Fields(text) {
		lower := strings.ToLower(w)
		if lower == prev {
			run++
		} else {
			prev, run = lower, 1
		}
		if run > best {
			best = run
		}
	}
	return best
}
