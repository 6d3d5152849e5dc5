package keys

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 private and public keys.
	KeySize = curve25519.ScalarSize

	hkdfInfo = "pairlink/v1 sealed-box"
)

// KeyMaterial is a keypair owned by a single peer.
type KeyMaterial struct {
	mu   sync.RWMutex
	priv [KeySize]byte
	pub  [KeySize]byte
}

// Generate returns fresh key material.
func Generate() (*KeyMaterial, error) {
	var secret [KeySize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("%w: read random: %v", ErrCrypto, err)
	}
	defer wipe(secret[:])
	return FromSecret(secret[:])
}

// FromSecret restores key material from a persisted 32-byte private key.
func FromSecret(secret []byte) (*KeyMaterial, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("%w: secret must be %d bytes, got %d", ErrCrypto, KeySize, len(secret))
	}
	k := &KeyMaterial{}
	copy(k.priv[:], secret)
	clamp(&k.priv)

	pub, err := curve25519.X25519(k.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive public key: %v", ErrCrypto, err)
	}
	copy(k.pub[:], pub)
	return k, nil
}

// PublicKey returns the hex-encoded public key.
func (k *KeyMaterial) PublicKey() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return hex.EncodeToString(k.pub[:])
}

// Secret returns a copy of the private key for persistence.
func (k *KeyMaterial) Secret() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]byte, KeySize)
	copy(out, k.priv[:])
	return out
}

// Wipe zeroes the private key. The material is unusable afterwards.
func (k *KeyMaterial) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()
	wipe(k.priv[:])
}

// Encrypt seals plaintext for the holder of peerPublicKey.
func (k *KeyMaterial) Encrypt(plaintext, peerPublicKey string) (string, error) {
	peer, err := ParsePublicKey(peerPublicKey)
	if err != nil {
		return "", err
	}

	var eph [KeySize]byte
	if _, err := rand.Read(eph[:]); err != nil {
		return "", fmt.Errorf("%w: read random: %v", ErrCrypto, err)
	}
	defer wipe(eph[:])
	clamp(&eph)

	ephPub, err := curve25519.X25519(eph[:], curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("%w: ephemeral key: %v", ErrCrypto, err)
	}

	shared, err := curve25519.X25519(eph[:], peer[:])
	if err != nil {
		// Low-order peer points land here.
		return "", fmt.Errorf("%w: key agreement: %v", ErrCrypto, err)
	}
	defer wipe(shared)

	aead, err := newAEAD(shared, ephPub, peer[:])
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, KeySize+chacha20poly1305.NonceSize+len(plaintext)+aead.Overhead())
	out = append(out, ephPub...)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: read random: %v", ErrCrypto, err)
	}
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), ephPub)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a sealed box addressed to this key material.
func (k *KeyMaterial) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrCrypto)
	}
	if len(raw) < KeySize+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}
	ephPub := raw[:KeySize]
	nonce := raw[KeySize : KeySize+chacha20poly1305.NonceSize]
	body := raw[KeySize+chacha20poly1305.NonceSize:]

	k.mu.RLock()
	shared, err := curve25519.X25519(k.priv[:], ephPub)
	pub := k.pub
	k.mu.RUnlock()
	if err != nil {
		return "", fmt.Errorf("%w: key agreement: %v", ErrCrypto, err)
	}
	defer wipe(shared)

	aead, err := newAEAD(shared, ephPub, pub[:])
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, body, ephPub)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCrypto)
	}
	return string(plain), nil
}

// ParsePublicKey decodes and validates a hex public key.
func ParsePublicKey(s string) ([KeySize]byte, error) {
	var out [KeySize]byte
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(b) != KeySize {
		return out, fmt.Errorf("%w: malformed public key", ErrCrypto)
	}
	var zero [KeySize]byte
	if subtle.ConstantTimeCompare(b, zero[:]) == 1 {
		return out, fmt.Errorf("%w: zero public key", ErrCrypto)
	}
	copy(out[:], b)
	return out, nil
}

// Fingerprint returns a short hex fingerprint of a public key for logs.
func Fingerprint(publicKey string) string {
	if publicKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(publicKey))))
	return hex.EncodeToString(sum[:8])
}

func newAEAD(shared, ephPub, recipientPub []byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	key := make([]byte, chacha20poly1305.KeySize)
	defer wipe(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrCrypto, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return aead, nil
}

func clamp(k *[KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

//go:noinline
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
