// Package cid implements the self-describing content identifier used
// throughout cidweave: a fixed-width length prefix followed by either the
// content itself (short content, "literal" CIDs) or a SHA-512 digest of the
// content (long content, "hashed" CIDs).
//
// The wire format is bit-exact and deliberately simple so that any CID can
// be validated and, for literal CIDs, decoded without touching the store.
package cid

import (
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// LengthPrefixChars is the fixed width, in base64url digits, of the
	// length prefix carried by every CID.
	LengthPrefixChars = 8

	// DirectEmbedLimit is the largest content size, in bytes, that is
	// embedded directly in the CID rather than hashed.
	DirectEmbedLimit = 64

	// digestSize is the SHA-512 digest size in bytes.
	digestSize = 64

	// hashedPayloadChars is the length, in chars, of the unpadded base64url
	// encoding of a 64-byte SHA-512 digest: ceil(64*8/6) = 86.
	hashedPayloadChars = 86

	// MinLen is the shortest possible CID: a length prefix with empty
	// embedded content.
	MinLen = LengthPrefixChars

	// MaxLen is the longest possible CID: a length prefix followed by a
	// hashed payload.
	MaxLen = LengthPrefixChars + hashedPayloadChars

	// alphabet is the base64url alphabet, in digit order, used both for the
	// length prefix's positional encoding and (via encoding/base64) the
	// payload.
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

	base = uint64(len(alphabet))
)

var digitValue [256]int8

func init() {
	for i := range digitValue {
		digitValue[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		digitValue[alphabet[i]] = int8(i)
	}
}

// Parsed is the decoded form of a CID.
type Parsed struct {
	// Length is the original content length in bytes.
	Length int
	// Literal is the content bytes, present only when the CID is literal
	// (Length <= DirectEmbedLimit).
	Literal []byte
	// Digest is the SHA-512 digest of the content, present only when the
	// CID is hashed (Length > DirectEmbedLimit).
	Digest []byte
}

// IsHashed reports whether the parsed CID references content by digest
// rather than embedding it.
func (p Parsed) IsHashed() bool {
	return p.Digest != nil
}

// Generate computes the CID for content. It is deterministic: the same
// bytes always produce the same CID.
func Generate(content []byte) string {
	prefix := encodeLengthPrefix(uint64(len(content)))
	if len(content) <= DirectEmbedLimit {
		return prefix + base64.RawURLEncoding.EncodeToString(content)
	}
	digest := sha512.Sum512(content)
	return prefix + base64.RawURLEncoding.EncodeToString(digest[:])
}

// Parse validates and decodes a CID string. For a literal CID, Parsed.Literal
// holds the original bytes; for a hashed CID, Parsed.Digest holds the
// SHA-512 digest and the original bytes must be retrieved from a store.
func Parse(c string) (Parsed, error) {
	if len(c) < MinLen || len(c) > MaxLen {
		return Parsed{}, fmt.Errorf("cid: length %d out of range [%d,%d]", len(c), MinLen, MaxLen)
	}
	if err := validateAlphabet(c); err != nil {
		return Parsed{}, err
	}

	prefix := c[:LengthPrefixChars]
	payload := c[LengthPrefixChars:]

	n, err := decodeLengthPrefix(prefix)
	if err != nil {
		return Parsed{}, fmt.Errorf("cid: unparseable length prefix %q: %w", prefix, err)
	}

	if n <= DirectEmbedLimit {
		decoded, err := base64.RawURLEncoding.DecodeString(payload)
		if err != nil {
			return Parsed{}, fmt.Errorf("cid: embedded-content payload does not decode: %w", err)
		}
		if uint64(len(decoded)) != n {
			return Parsed{}, fmt.Errorf("cid: length prefix %d does not match decoded content length %d", n, len(decoded))
		}
		return Parsed{Length: int(n), Literal: decoded}, nil
	}

	if len(payload) != hashedPayloadChars {
		return Parsed{}, fmt.Errorf("cid: hashed CID payload must be %d chars, got %d", hashedPayloadChars, len(payload))
	}
	digest, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Parsed{}, fmt.Errorf("cid: digest payload does not decode: %w", err)
	}
	if len(digest) != digestSize {
		return Parsed{}, fmt.Errorf("cid: decoded digest is %d bytes, want %d", len(digest), digestSize)
	}
	return Parsed{Length: int(n), Digest: digest}, nil
}

// IsNormalized reports whether c is a structurally valid CID.
func IsNormalized(c string) bool {
	_, err := Parse(c)
	return err == nil
}

// IsNormalizedOrErr validates c and returns the specific rule it violates,
// if any (spec.md §4.1 step 1: "produce a diagnostic quoting the exact rule
// violated").
func IsNormalizedOrErr(c string) error {
	_, err := Parse(c)
	return err
}

// Matches reports whether content hashes/embeds to the given CID.
func Matches(c string, content []byte) bool {
	return Generate(content) == c
}

// Path returns the request path for a CID ("/" + cid), optionally with a
// "."+extension suffix. The extension selects MIME type only; it is not
// part of CID identity.
func Path(c string, extension string) string {
	if extension == "" {
		return "/" + c
	}
	return "/" + c + "." + strings.TrimPrefix(extension, ".")
}

func validateAlphabet(c string) error {
	for i := 0; i < len(c); i++ {
		if digitValue[c[i]] < 0 {
			return fmt.Errorf("cid: character %q at position %d is not in the base64url alphabet", c[i], i)
		}
	}
	return nil
}

// encodeLengthPrefix renders n as a fixed-width, big-endian base64url
// integer of LengthPrefixChars digits.
func encodeLengthPrefix(n uint64) string {
	digits := make([]byte, LengthPrefixChars)
	for i := LengthPrefixChars - 1; i >= 0; i-- {
		digits[i] = alphabet[n%base]
		n /= base
	}
	return string(digits)
}

// decodeLengthPrefix parses a fixed-width, big-endian base64url integer.
func decodeLengthPrefix(s string) (uint64, error) {
	if len(s) != LengthPrefixChars {
		return 0, fmt.Errorf("length prefix must be %d chars, got %d", LengthPrefixChars, len(s))
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		v := digitValue[s[i]]
		if v < 0 {
			return 0, fmt.Errorf("invalid base64url digit %q", s[i])
		}
		n = n*base + uint64(v)
	}
	return n, nil
}
