package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the channel hashing secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "PAIRLINK_CHANNEL_HMAC_KEY"

	// MinHMACKeyBytes is the minimum key size accepted in enforced mode.
	MinHMACKeyBytes = 32
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured key bytes (trimmed), enforcing a minimum length.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// HMACEnabled reports whether the env key is present (non-empty after trim).
func HMACEnabled() bool {
	return strings.TrimSpace(os.Getenv(HMACEnvKey)) != ""
}

// Hasher maps channel ids to storage keys.
type Hasher struct {
	key []byte
}

// NewHasher returns a hasher using key for HMAC mode, or SHA-256 when key is empty.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	k := make([]byte, len(key))
	copy(k, key)
	return Hasher{key: k}
}

// HasherFromEnv builds a hasher from PAIRLINK_CHANNEL_HMAC_KEY.
// With require set the key must be present and at least MinHMACKeyBytes long.
func HasherFromEnv(require bool) (Hasher, error) {
	if !require {
		if !HMACEnabled() {
			return Hasher{}, nil
		}
		return NewHasher([]byte(strings.TrimSpace(os.Getenv(HMACEnvKey)))), nil
	}
	key, err := HMACKeyFromEnv(MinHMACKeyBytes)
	if err != nil {
		return Hasher{}, err
	}
	return NewHasher(key), nil
}

// Keyed reports whether the hasher runs in HMAC mode.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// ChannelKey returns the 64-char hex storage key for channelID.
// Channel ids are case-normalized first so UUID spelling does not matter.
func (h Hasher) ChannelKey(channelID string) string {
	id := strings.ToLower(strings.TrimSpace(channelID))
	if len(h.key) == 0 {
		return HashSHA256Hex(id)
	}
	return HashHMACSHA256Hex(id, h.key)
}
