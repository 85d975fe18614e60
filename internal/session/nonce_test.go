package session

import (
	"strings"
	"testing"
)

func TestNewNonce(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n := newNonce()
		if len(n) != 16 {
			t.Fatalf("length: got %d", len(n))
		}
		for _, r := range n {
			if !strings.ContainsRune(nonceAlphabet, r) {
				t.Fatalf("unexpected rune %q in %q", r, n)
			}
		}
		if seen[n] {
			t.Fatalf("nonce %q repeated", n)
		}
		seen[n] = true
	}
}
