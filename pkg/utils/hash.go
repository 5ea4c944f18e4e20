package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CalculateStringSHA256 computes the SHA-256 hash of a string.
func CalculateStringSHA256(content string) string {
	hash := sha256.New()
	hash.Write([]byte(content))
	return hex.EncodeToString(hash.Sum(nil))
}

// ContentFingerprint hashes text after collapsing whitespace so that
// re-rendered markup with identical wording yields the same fingerprint.
func ContentFingerprint(text string) string {
	return CalculateStringSHA256(strings.Join(strings.Fields(text), " "))
}
