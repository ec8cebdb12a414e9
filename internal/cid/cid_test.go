package cid

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenerateParseRoundTrip_Embedded(t *testing.T) {
	for n := 0; n <= DirectEmbedLimit; n++ {
		content := bytes.Repeat([]byte{byte('a' + n%26)}, n)
		c := Generate(content)

		if !IsNormalized(c) {
			t.Fatalf("n=%d: generated cid %q is not normalized", n, c)
		}

		parsed, err := Parse(c)
		if err != nil {
			t.Fatalf("n=%d: Parse(%q) failed: %v", n, c, err)
		}
		if parsed.IsHashed() {
			t.Fatalf("n=%d: expected literal CID, got hashed", n)
		}
		if parsed.Length != n {
			t.Errorf("n=%d: parsed length = %d, want %d", n, parsed.Length, n)
		}
		if !bytes.Equal(parsed.Literal, content) {
			t.Errorf("n=%d: parsed literal = %v, want %v", n, parsed.Literal, content)
		}
	}
}

func TestGenerateParseRoundTrip_Hashed(t *testing.T) {
	sizes := []int{DirectEmbedLimit + 1, 65, 100, 1024, 1 << 16}
	for _, n := range sizes {
		content := bytes.Repeat([]byte("x"), n)
		c := Generate(content)

		if len(c) != MaxLen {
			t.Errorf("n=%d: len(cid) = %d, want MaxLen %d", n, len(c), MaxLen)
		}

		parsed, err := Parse(c)
		if err != nil {
			t.Fatalf("n=%d: Parse(%q) failed: %v", n, c, err)
		}
		if !parsed.IsHashed() {
			t.Fatalf("n=%d: expected hashed CID", n)
		}
		if parsed.Length != n {
			t.Errorf("n=%d: parsed length = %d, want %d", n, parsed.Length, n)
		}
		if len(parsed.Digest) != digestSize {
			t.Errorf("n=%d: digest length = %d, want %d", n, len(parsed.Digest), digestSize)
		}
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	content := []byte("deterministic content for cid generation")
	a := Generate(content)
	b := Generate(content)
	if a != b {
		t.Fatalf("Generate is not deterministic: %q != %q", a, b)
	}
}

func TestGenerateLengthBounds(t *testing.T) {
	for _, n := range []int{0, 1, DirectEmbedLimit, DirectEmbedLimit + 1, 500} {
		c := Generate(bytes.Repeat([]byte("z"), n))
		if len(c) < MinLen || len(c) > MaxLen {
			t.Errorf("n=%d: len(cid)=%d out of [%d,%d]", n, len(c), MinLen, MaxLen)
		}
		for _, r := range c {
			if !strings.ContainsRune(alphabet, r) {
				t.Errorf("n=%d: cid %q contains non-alphabet rune %q", n, c, r)
			}
		}
	}
}

func TestParseRejectsBadAlphabet(t *testing.T) {
	c := Generate([]byte("hello")) // literal, short
	bad := c[:len(c)-1] + "!"
	if _, err := Parse(bad); err == nil {
		t.Fatalf("Parse accepted a CID with an out-of-alphabet character")
	}
}

func TestParseRejectsBadLength(t *testing.T) {
	if _, err := Parse(strings.Repeat("A", MinLen-1)); err == nil {
		t.Fatalf("Parse accepted a CID shorter than MinLen")
	}
	if _, err := Parse(strings.Repeat("A", MaxLen+1)); err == nil {
		t.Fatalf("Parse accepted a CID longer than MaxLen")
	}
}

func TestParseRejectsLengthMismatch(t *testing.T) {
	c := Generate([]byte("short"))
	// Corrupt the length prefix so it no longer matches the payload.
	corrupted := encodeLengthPrefix(999) + c[LengthPrefixChars:]
	if _, err := Parse(corrupted); err == nil {
		t.Fatalf("Parse accepted a CID whose length prefix does not match its payload")
	}
}

func TestMatches(t *testing.T) {
	content := []byte("payload for Matches test, long enough to be hashed instead of embedded")
	c := Generate(content)
	if !Matches(c, content) {
		t.Fatalf("Matches returned false for the content that produced the CID")
	}
	if Matches(c, []byte("different content")) {
		t.Fatalf("Matches returned true for unrelated content")
	}
}

func TestPath(t *testing.T) {
	c := Generate([]byte("x"))
	if got, want := Path(c, ""), "/"+c; got != want {
		t.Errorf("Path(%q, \"\") = %q, want %q", c, got, want)
	}
	if got, want := Path(c, "txt"), "/"+c+".txt"; got != want {
		t.Errorf("Path(%q, \"txt\") = %q, want %q", c, got, want)
	}
	if got, want := Path(c, ".md"), "/"+c+".md"; got != want {
		t.Errorf("Path(%q, \".md\") = %q, want %q", c, got, want)
	}
}
