package moderation

import (
	"strings"
	"testing"
)

type spamCase struct {
	name    string
	input   string
	blocked bool
	term    string
}

func runSpamCases(t *testing.T, f *Filter, tests []spamCase) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Fatalf("Check(%q).Blocked = %v, want %v (term=%q)", tt.input, result.Blocked, tt.blocked, result.Term)
			}
			if !tt.blocked {
				return
			}
			if result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
			if result.Reason != "spam_pattern" {
				t.Errorf("Check(%q).Reason = %q, want %q", tt.input, result.Reason, "spam_pattern")
			}
		})
	}
}

func TestSpam_LinksAllowedUpToLimit(t *testing.T) {
	f := NewFilterWithTerms(nil) // no keyword blocklist, isolate spam checks

	runSpamCases(t, f, []spamCase{
		{"single link", "the doc is at https://docs.example.com/x", false, ""},
		{"three links", "http://a.com http://b.com www.c.net", false, ""},
		{"version string", "upgrade to v2.0 please", false, ""},
		{"decimal", "pi is 3.14", false, ""},
		{"four links", "http://a.com http://b.com www.c.net d.io/x", true, SpamLinkFlood},
		{"bare domains", "a.ru/1 b.ru/2 c.ru/3 d.ru/4", true, SpamLinkFlood},
	})
}

func TestSpam_PhoneNumbers(t *testing.T) {
	allowed := []spamCase{
		{"dashed allowed by default", "call me at 555-123-4567 okay?", false, ""},
	}
	runSpamCases(t, NewFilterWithTerms(nil), allowed)

	strict := DefaultSpamPolicy()
	strict.BlockPhoneNumbers = true
	runSpamCases(t, NewFilterWithPolicy(nil, strict), []spamCase{
		{"intl dashed", "+1-555-123-4567", true, SpamPhone},
		{"parenthesized area code", "(555) 123-4567", true, SpamPhone},
		{"dotted", "555.123.4567", true, SpamPhone},
		{"in sentence", "call me at 555-123-4567 okay?", true, SpamPhone},
		{"short number", "I have 100 apples", false, ""},
	})
}

func TestSpam_CharFlood(t *testing.T) {
	f := NewFilterWithTerms(nil)

	runSpamCases(t, f, []spamCase{
		{"excited", "nooooooo", false, ""},
		{"just under", strings.Repeat("a", 11), false, ""},
		{"at threshold", strings.Repeat("a", 12), true, SpamCharFlood},
		{"symbols", "buy now" + strings.Repeat("!", 20), true, SpamCharFlood},
		{"spaces do not count", "a" + strings.Repeat(" ", 30) + "b", false, ""},
	})
}

func TestSpam_WordFlood(t *testing.T) {
	f := NewFilterWithTerms(nil)

	runSpamCases(t, f, []spamCase{
		{"emphasis", "very very very good", false, ""},
		{"at threshold", "spam spam spam spam spam", true, SpamWordFlood},
		{"mixed case", "Hi HI hi hI Hi", true, SpamWordFlood},
		{"broken run", "go go go stop go go go", false, ""},
	})
}

func TestSpam_ZeroPolicyDisablesChecks(t *testing.T) {
	f := NewFilterWithPolicy(nil, SpamPolicy{})

	for _, text := range []string{
		strings.Repeat("z", 50),
		strings.Repeat("buy ", 20),
		"a.com/1 b.com/2 c.com/3 d.com/4 e.com/5",
		"+1-555-123-4567",
	} {
		if r := f.Check(text); r.Blocked {
			t.Errorf("Check(%q) blocked with term %q under an empty policy", text, r.Term)
		}
	}
}

// A keyword match is reported before any spam violation.
func TestSpam_KeywordTakesPrecedence(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword"})

	result := f.Check("badword " + strings.Repeat("!", 20))
	if result.Reason != "blocked_keyword" {
		t.Fatalf("Reason = %q, want %q", result.Reason, "blocked_keyword")
	}

	result = f.Check(strings.Repeat("!", 20))
	if result.Reason != "spam_pattern" || result.Term != SpamCharFlood {
		t.Errorf("got %+v, want spam_pattern/%s", result, SpamCharFlood)
	}
}

func TestLongestRuns(t *testing.T) {
	if got := longestRuneRun("aab bbbb c"); got != 4 {
		t.Errorf("longestRuneRun = %d, want 4", got)
	}
	if got := longestRuneRun(""); got != 0 {
		t.Errorf("longestRuneRun(empty) = %d, want 0", got)
	}
	if got := longestWordRun("a b b B c"); got != 3 {
		t.Errorf("longestWordRun = %d, want 3", got)
	}
}
