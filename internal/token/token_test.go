package token

import (
	"regexp"
	"testing"
)

var base32NoPadRe = regexp.MustCompile(`^[A-Z2-7]+$`)

func TestGenerate_Length(t *testing.T) {
	tok := Generate()
	if got, want := len(tok), 52; got != want {
		t.Errorf("Generate() len = %d, want %d; token = %q", got, want, tok)
	}
}

func TestGenerate_Alphabet(t *testing.T) {
	for i := 0; i < 100; i++ {
		tok := Generate()
		if !base32NoPadRe.MatchString(tok) {
			t.Errorf("Generate() produced non-base32 chars: %q", tok)
		}
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	const n = 1000
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		tok := Generate()
		if seen[tok] {
			t.Fatalf("Generate() produced duplicate token after %d attempts: %q", i, tok)
		}
		seen[tok] = true
	}
}

func TestConstantTimeEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"abc", "ab", false},
		{"", "", true},
	}
	for _, c := range cases {
		if got := ConstantTimeEqual(c.a, c.b); got != c.want {
			t.Errorf("ConstantTimeEqual(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
