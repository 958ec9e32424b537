package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// hashSecret digests a plaintext secret with a fresh random salt. The stored
// form is "sha256:<salt-hex>:<digest-hex>".
func hashSecret(secret string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("credentials: salt: %w", err)
	}
	digest := saltedDigest(salt, secret)
	return "sha256:" + hex.EncodeToString(salt) + ":" + hex.EncodeToString(digest), nil
}

func saltedDigest(salt []byte, secret string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	return h.Sum(nil)
}

// matchesSecret hashes the candidate with the stored salt and compares
// digests in constant time. Raw secret bytes are never compared with ==;
// that would leak match length/prefix through timing.
func matchesSecret(stored, candidate string) bool {
	parts := strings.Split(stored, ":")
	if len(parts) != 3 || parts[0] != "sha256" {
		return false
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got := saltedDigest(salt, candidate)
	return subtle.ConstantTimeCompare(want, got) == 1
}

// newPairingSecret returns a short plaintext code a person can retype.
func newPairingSecret() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("credentials: pairing code: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newTokenSecret returns a fresh bearer token carrying the cgt_ prefix so
// leaked tokens are recognizable to the log redactor.
func newTokenSecret() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("credentials: token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(b), nil
}
