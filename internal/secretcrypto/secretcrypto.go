// Package secretcrypto implements the deterministic authenticated encryption
// scheme (spec.md §4.5, §9 "secret encryption scheme" resolution) used to
// encrypt secret values before they are folded into an export payload.
//
// The export CID must be stable for a fixed workspace and secret key, so the
// ciphertext for a given (plaintext, key) pair must also be stable — a plain
// AES-GCM with a random nonce would make every export non-reproducible. This
// package derives the nonce deterministically from an HMAC-SHA-256 of the key
// and plaintext instead of drawing it from a random source, a synthetic-IV
// construction in the spirit of AES-SIV without depending on a library that
// implements it (no such library appears anywhere in the example pack; see
// DESIGN.md).
package secretcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Scheme is the declared encryption algorithm name carried in an export
// payload's secrets section (spec.md §4.5 payload shape: "encryption: scheme").
const Scheme = "aes-256-gcm-synthetic-iv-v1"

// deriveKey stretches an arbitrary-length secret key into the 32 bytes
// AES-256 requires via SHA-256, so callers may pass any passphrase length.
func deriveKey(secretKey string) [32]byte {
	return sha256.Sum256([]byte(secretKey))
}

// deriveNonce computes a deterministic 12-byte GCM nonce as the HMAC-SHA-256
// of the plaintext under the derived key, truncated to the nonce size. Using
// an HMAC over the plaintext (rather than the ciphertext) means identical
// plaintexts under the same key always reuse the same nonce; since the
// plaintext differs whenever the key differs in an export payload, this does
// not weaken GCM's nonce-uniqueness requirement within the intended usage
// (one export run, stable content).
func deriveNonce(key [32]byte, plaintext []byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(plaintext)
	sum := mac.Sum(nil)
	return sum[:12]
}

// Encrypt deterministically encrypts plaintext under secretKey and returns
// a base64url-encoded ciphertext. The same (plaintext, secretKey) pair always
// yields the same output.
func Encrypt(secretKey string, plaintext []byte) (string, error) {
	key := deriveKey(secretKey)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("secretcrypto: building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secretcrypto: building GCM: %w", err)
	}
	nonce := deriveNonce(key, plaintext)
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := append(nonce, sealed...)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func Decrypt(secretKey string, ciphertext string) ([]byte, error) {
	key := deriveKey(secretKey)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: building GCM: %w", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: invalid ciphertext encoding: %w", err)
	}
	if len(raw) < 12 {
		return nil, fmt.Errorf("secretcrypto: ciphertext too short")
	}
	nonce, sealed := raw[:12], raw[12:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: authentication failed: %w", err)
	}
	return plaintext, nil
}
