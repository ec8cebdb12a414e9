// Package walletauth repurposes Ethereum-style secp256k1 signatures from
// wallet login to two cidweave-specific uses (SPEC_FULL.md §3): proving
// ownership of an entity namespace by signing a challenge with a wallet
// private key, and signing a boot CID so a boot-image importer can verify
// who produced it before applying it (spec.md §4.6).
package walletauth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignatureLength is returned when a decoded signature is not the
// expected 65 bytes (r||s||v).
var ErrInvalidSignatureLength = errors.New("signature must be 65 bytes (r||s||v)")

// ErrAddressMismatch is returned by VerifyOwnership when sigHex is
// well-formed but was not produced by expectedAddress's key.
var ErrAddressMismatch = errors.New("signature does not match expected address")

// Identity is the wallet address recovered from a verified signature.
type Identity struct {
	Address string
}

// GenerateKey creates a new secp256k1 private key. Its callers in this
// repository are tests.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// PrivateKeyToHex encodes priv as a hex string (no 0x prefix).
func PrivateKeyToHex(priv *ecdsa.PrivateKey) string {
	return hex.EncodeToString(crypto.FromECDSA(priv))
}

// PrivateKeyFromHex decodes a hex-encoded private key (0x-prefixed or not).
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	return crypto.HexToECDSA(hexKey)
}

// AddressFromPrivateKey returns the 0x-prefixed checksummed address
// corresponding to priv.
func AddressFromPrivateKey(priv *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(priv.PublicKey).Hex()
}

// personalSignHash applies the EIP-191 personal_sign prefix used by wallets
// such as MetaMask: keccak256("\x19Ethereum Signed Message:\n{len}" || message).
func personalSignHash(message []byte) []byte {
	prefix := []byte("\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message)))
	return crypto.Keccak256(append(prefix, message...))
}

// SignPersonal signs message with priv using the personal_sign convention,
// returning a 0x-prefixed r||s||v hex signature with v normalized to 27/28.
func SignPersonal(priv *ecdsa.PrivateKey, message []byte) (string, error) {
	sig, err := crypto.Sign(personalSignHash(message), priv)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// VerifyOwnership verifies that sigHex is a personal_sign signature over
// message produced by the holder of expectedAddress's private key. A
// request claiming to act as entity-namespace expectedAddress presents
// message (typically a server-issued, time-bound challenge string) signed
// by the wallet; on success the caller may treat expectedAddress as the
// EntityRepo "user" key for that request.
func VerifyOwnership(message []byte, sigHex string, expectedAddress string) (Identity, error) {
	addr, err := recoverAddress(personalSignHash(message), sigHex)
	if err != nil {
		return Identity{}, err
	}
	if !common.IsHexAddress(expectedAddress) {
		return Identity{}, fmt.Errorf("expectedAddress is not a valid hex address: %s", expectedAddress)
	}
	if *addr != common.HexToAddress(expectedAddress) {
		return Identity{}, ErrAddressMismatch
	}
	return Identity{Address: addr.Hex()}, nil
}

// RecoverOwner recovers the signing address from a personal_sign signature
// over message without checking it against an expected address. Used when
// the caller doesn't yet know who signed — e.g. assigning a fresh entity
// namespace to whichever wallet first signs the server's challenge.
func RecoverOwner(message []byte, sigHex string) (Identity, error) {
	addr, err := recoverAddress(personalSignHash(message), sigHex)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Address: addr.Hex()}, nil
}

// SignBootCID signs a boot CID with priv, for a boot-image exporter to
// attach to the payload it hands off (spec.md §4.6).
func SignBootCID(priv *ecdsa.PrivateKey, bootCID string) (string, error) {
	return SignPersonal(priv, []byte(bootCID))
}

// VerifyBootCID verifies that sigHex over bootCID was produced by
// expectedAddress, before a boot importer applies the payload (spec.md
// §4.6). Importing an unsigned or wrongly-signed boot CID should be
// rejected by the caller when signature verification is required.
func VerifyBootCID(bootCID string, sigHex string, expectedAddress string) (bool, error) {
	_, err := VerifyOwnership([]byte(bootCID), sigHex, expectedAddress)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrAddressMismatch):
		return false, nil
	default:
		return false, err
	}
}

func recoverAddress(hash []byte, sigHex string) (*common.Address, error) {
	sigHex = strings.TrimPrefix(sigHex, "0x")
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sigBytes) != 65 {
		return nil, ErrInvalidSignatureLength
	}
	normalized := make([]byte, 65)
	copy(normalized, sigBytes)
	switch v := normalized[64]; {
	case v == 27 || v == 28:
		normalized[64] = v - 27
	case v == 0 || v == 1:
	default:
		return nil, fmt.Errorf("unsupported v value in signature: %d", v)
	}

	pubkey, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return nil, fmt.Errorf("recover pubkey: %w", err)
	}
	addr := crypto.PubkeyToAddress(*pubkey)
	return &addr, nil
}
