// Package tokens mints and checks the access tokens used for studio auth.
//
// A minted token is TokenPrefix plus base58(entropy + checksum). The server
// treats the configured token as an opaque string, so any secret works; the
// minted format exists so operators get 128 bits of entropy and a checksum
// that catches copy-paste corruption.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

const (
	// TokenPrefix marks tokens minted by this package.
	TokenPrefix = "reelay_v1_"

	// TokenEntropyBytes is the random payload size, 128 bits.
	TokenEntropyBytes = 16

	// ChecksumBytes trail the entropy for corruption detection.
	ChecksumBytes = 2
)

// GenerateToken mints a fresh token from the system's random source.
func GenerateToken() (string, error) {
	entropy := make([]byte, TokenEntropyBytes)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("failed to generate random entropy: %w", err)
	}
	return GenerateTokenFromEntropy(entropy)
}

// GenerateTokenFromEntropy builds a token from caller-provided entropy.
// Exposed so tests can mint deterministic tokens.
func GenerateTokenFromEntropy(entropy []byte) (string, error) {
	if len(entropy) != TokenEntropyBytes {
		return "", fmt.Errorf("entropy must be exactly %d bytes", TokenEntropyBytes)
	}

	data := make([]byte, 0, TokenEntropyBytes+ChecksumBytes)
	data = append(data, entropy...)
	data = append(data, checksum(entropy)...)

	return TokenPrefix + base58Encode(data), nil
}

// ValidateToken reports whether a token is well formed: correct prefix,
// valid base58, and a checksum that matches its entropy. It says nothing
// about whether the server accepts the token.
func ValidateToken(token string) bool {
	data, ok := decodeToken(token)
	if !ok {
		return false
	}

	entropy := data[:TokenEntropyBytes]
	provided := data[TokenEntropyBytes:]
	return CompareTokens(string(provided), string(checksum(entropy)))
}

// IsValidTokenFormat reports whether a token has the minted structure,
// without checking the checksum.
func IsValidTokenFormat(token string) bool {
	_, ok := decodeToken(token)
	return ok
}

// CompareTokens compares two tokens in constant time.
func CompareTokens(a, b string) bool {
	if len(a) != len(b) {
		// Burn comparable time so length mismatches don't return faster
		dummy := make([]byte, 32)
		subtle.ConstantTimeCompare(dummy, dummy)
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GetTokenDisplay shortens a token for log lines and confirmation output.
func GetTokenDisplay(token string) string {
	if len(token) < 12 {
		return token
	}
	return token[:12] + "..."
}

// decodeToken strips the prefix and decodes the payload, verifying length.
func decodeToken(token string) ([]byte, bool) {
	if len(token) <= len(TokenPrefix) || token[:len(TokenPrefix)] != TokenPrefix {
		return nil, false
	}

	data, err := base58Decode(token[len(TokenPrefix):])
	if err != nil {
		return nil, false
	}
	if len(data) != TokenEntropyBytes+ChecksumBytes {
		return nil, false
	}
	return data, true
}

// checksum derives the trailing check bytes from entropy.
func checksum(entropy []byte) []byte {
	hash := sha256.Sum256(entropy)
	return hash[:ChecksumBytes]
}
