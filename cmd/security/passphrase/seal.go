package passphrase

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	scheme        = "argon2id-chacha20poly1305"
	argon2Version = 19 // argon2.Version is 0x13
)

// Seal encrypts plaintext under a key derived from passphrase.
func (c Config) Seal(passphrase string, plaintext []byte) (string, error) {
	if err := c.Validate(passphrase); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	kek := deriveKEK(passphrase, salt, c.Params)
	defer zero(kek)
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return "", fmt.Errorf("aead: %w", err)
	}

	header := fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d",
		scheme,
		argon2Version,
		c.Params.MemoryKiB,
		c.Params.Iterations,
		c.Params.Parallelism,
	)
	ct := aead.Seal(nil, nonce, plaintext, []byte(header))

	b64 := base64.RawStdEncoding
	return header + "$" + b64.EncodeToString(salt) + "$" + b64.EncodeToString(nonce) + "$" + b64.EncodeToString(ct), nil
}

// Open reverses Seal. A wrong passphrase yields ErrWrongPassphrase,
// a malformed or over-costed value yields ErrInvalidSealed.
func (c Config) Open(passphrase, sealed string) ([]byte, error) {
	params, header, salt, nonce, ct, err := decode(sealed)
	if err != nil {
		return nil, err
	}
	if !withinReasonableBounds(params, c.Params) {
		return nil, ErrInvalidSealed
	}

	kek := deriveKEK(passphrase, salt, params)
	defer zero(kek)
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ct, []byte(header))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plain, nil
}

// IsSealed reports whether s looks like a value produced by Seal.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, "$"+scheme+"$")
}

func deriveKEK(passphrase string, salt []byte, p Argon2idParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Iterations, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)
}

func withinReasonableBounds(got, limits Argon2idParams) bool {
	// Older or cheaper values still open; wildly larger ones do not.
	if got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations > limits.Iterations*2 {
		return false
	}
	if got.Parallelism > limits.Parallelism*2 {
		return false
	}
	if got.SaltLength < 8 || got.SaltLength > 64 {
		return false
	}
	return true
}

func decode(sealed string) (Argon2idParams, string, []byte, []byte, []byte, error) {
	fail := func() (Argon2idParams, string, []byte, []byte, []byte, error) {
		return Argon2idParams{}, "", nil, nil, nil, ErrInvalidSealed
	}

	// "", scheme, v=19, m=..,t=..,p=.., salt, nonce, ct
	parts := strings.Split(sealed, "$")
	if len(parts) != 7 || parts[0] != "" || parts[1] != scheme {
		return fail()
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2Version) {
		return fail()
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return fail()
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return fail()
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return fail()
	}
	nonce, err := b64.DecodeString(parts[5])
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return fail()
	}
	ct, err := b64.DecodeString(parts[6])
	if err != nil || len(ct) < chacha20poly1305.Overhead {
		return fail()
	}

	params := Argon2idParams{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par),        // #nosec G115 -- bounded above.
		SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded by withinReasonableBounds.
	}
	header := strings.Join(parts[:4], "$")
	return params, header, salt, nonce, ct, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
