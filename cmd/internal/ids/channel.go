package ids

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidChannel marks a channel id that is not a v4 UUID.
var ErrInvalidChannel = errors.New("invalid channel id")

// NewChannelID returns a random (v4) UUID in canonical form.
func NewChannelID() string {
	return uuid.NewString()
}

// ParseChannelID validates s as a v4 UUID and returns its canonical
// lowercase form.
func ParseChannelID(s string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidChannel, err)
	}
	if u.Version() != 4 {
		return "", fmt.Errorf("%w: want v4 uuid, got v%d", ErrInvalidChannel, u.Version())
	}
	if u.Variant() != uuid.RFC4122 {
		return "", fmt.Errorf("%w: unexpected variant", ErrInvalidChannel)
	}
	return u.String(), nil
}
