// Package keygen generates and fingerprints fleet API keys.
//
// Fleet API keys are pre-shared secrets: the orchestrator is configured
// with one key and every client presents it verbatim. There is no key
// database, so the only identity a key needs besides the secret itself is
// a short fingerprint that is safe to write to logs.
package keygen

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/cloudrpa/fleet/internal/config"
)

// entropyBytes is the random payload per key. 32 bytes encode to 43
// base64url characters, putting the full key at 48 characters.
const entropyBytes = 32

// keyIDLen is the length of the hex fingerprint returned by KeyID.
// 12 hex chars carry 48 bits, plenty for telling deployed keys apart.
const keyIDLen = 12

// Generate returns a new fleet API key: the "crpa_" prefix followed by
// base64url-encoded random bytes. The result always satisfies
// config.ValidateAPIKey.
func Generate() (string, error) {
	buf := make([]byte, entropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return config.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// KeyID derives a short, non-secret fingerprint of a key for logs and
// audit trails. It is the first 12 hex characters of the BLAKE2b-256
// digest of the key, so the same key always maps to the same id and the
// id reveals nothing useful about the secret.
func KeyID(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:keyIDLen]
}

// Mask returns a safe-to-log form of a key, keeping only the prefix.
func Mask(key string) string {
	if !strings.HasPrefix(key, config.APIKeyPrefix) {
		return "***"
	}
	return config.APIKeyPrefix + "***"
}
