// Package keys implements API key generation, salted hashing and the
// constant-time comparison used to verify presented credentials.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

const (
	// SaltBytes is the number of random bytes in a per-key salt.
	SaltBytes = 16

	// BodyLength is the number of random characters after the key prefix.
	BodyLength = 32

	// HintSeparator joins the leading and trailing characters of a hint.
	HintSeparator = "..."

	hintEdge = 4

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	ErrKeyTooShort  = errors.New("api key too short to derive a hint")
	ErrMalformedKey = errors.New("api key is malformed")
)

// DeriveHash returns the hex-encoded SHA-256 digest of plaintext+salt.
func DeriveHash(plaintext, salt string) string {
	h := sha256.Sum256([]byte(plaintext + salt))
	return hex.EncodeToString(h[:])
}

// GenerateSalt returns SaltBytes of crypto/rand output, hex-encoded.
func GenerateSalt() (string, error) {
	b := make([]byte, SaltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ConstantTimeEquals reports whether a and b are byte-for-byte equal. Inputs
// of different length return false immediately; otherwise every byte pair is
// folded into a single accumulator so the loop never exits early.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var acc byte
	for i := 0; i < len(a); i++ {
		acc |= a[i] ^ b[i]
	}
	return acc == 0
}

// DeriveHint returns the lookup hint for a plaintext key: its first four and
// last four characters joined by HintSeparator. Characters are counted as
// runes so a hint never splits a multi-byte sequence.
func DeriveHint(plaintext string) (string, error) {
	runes := []rune(plaintext)
	if len(runes) < 2*hintEdge {
		return "", ErrKeyTooShort
	}
	return string(runes[:hintEdge]) + HintSeparator + string(runes[len(runes)-hintEdge:]), nil
}

// ValidateFormat rejects keys that cannot be hinted or hashed safely. Only
// printable ASCII is accepted.
func ValidateFormat(plaintext string) error {
	for i := 0; i < len(plaintext); i++ {
		if c := plaintext[i]; c <= ' ' || c >= 0x7f {
			return ErrMalformedKey
		}
	}
	if len(plaintext) < 2*hintEdge {
		return ErrKeyTooShort
	}
	return nil
}

// Generate returns a new plaintext key made of prefix followed by BodyLength
// characters drawn uniformly from [A-Za-z0-9].
func Generate(prefix string) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, 0, len(prefix)+BodyLength)
	buf = append(buf, prefix...)
	for i := 0; i < BodyLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		buf = append(buf, alphabet[n.Int64()])
	}
	return string(buf), nil
}
