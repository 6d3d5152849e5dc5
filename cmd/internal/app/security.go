package app

import (
	"errors"

	"pairlink/cmd/security/token"
)

// ValidateSecurityConfig enforces the channel-key policy at startup and
// returns the hasher the relay stores channel records under.
//
// Fail-fast: with RequireChannelHMAC set, a missing or short key is fatal
// rather than a silent fallback to plain SHA-256.
func ValidateSecurityConfig(cfg Config) (token.Hasher, error) {
	h, err := token.HasherFromEnv(cfg.RequireChannelHMAC)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return token.Hasher{}, errors.New("security policy: PAIRLINK_REQUIRE_CHANNEL_HMAC=true but PAIRLINK_CHANNEL_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return token.Hasher{}, errors.New("security policy: PAIRLINK_REQUIRE_CHANNEL_HMAC=true but PAIRLINK_CHANNEL_HMAC_KEY is too short (min 32 bytes)")
		default:
			return token.Hasher{}, err
		}
	}

	if cfg.RequireChannelHMAC && !h.Keyed() {
		return token.Hasher{}, errors.New("security policy: PAIRLINK_REQUIRE_CHANNEL_HMAC=true but channel hasher is not in HMAC mode")
	}

	return h, nil
}
