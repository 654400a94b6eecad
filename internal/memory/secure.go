package memory

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/frontclaw/backend/internal/fault"
)

const (
	envelopeVersion = 1
	ivSize          = 12
	tagSize         = 16
	keySize         = 32
)

// envelope is the stored form of a secure value: AES-256-GCM ciphertext plus
// a detached HMAC-SHA256 over iv ‖ tag ‖ ct, all base64.
type envelope struct {
	V    int    `json:"v"`
	IV   string `json:"iv"`
	Tag  string `json:"tag"`
	CT   string `json:"ct"`
	HMAC string `json:"hmac"`
}

// SecureStore wraps any Store with the AEAD envelope. Listing and TTL pass
// through untouched; only values are transformed.
type SecureStore struct {
	inner   Store
	aead    cipher.AEAD
	signKey []byte
}

// NewSecureStore builds the envelope around inner. signingKey may be nil, in
// which case the encryption key also signs.
func NewSecureStore(inner Store, encryptionKey, signingKey []byte) (*SecureStore, error) {
	if len(encryptionKey) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(encryptionKey))
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(signingKey) == 0 {
		signingKey = encryptionKey
	}
	return &SecureStore{inner: inner, aead: aead, signKey: signingKey}, nil
}

func (s *SecureStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("generate iv: %w", err)
	}

	sealed := s.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	env := envelope{
		V:    envelopeVersion,
		IV:   base64.StdEncoding.EncodeToString(iv),
		Tag:  base64.StdEncoding.EncodeToString(tag),
		CT:   base64.StdEncoding.EncodeToString(ct),
		HMAC: base64.StdEncoding.EncodeToString(s.sign(iv, tag, ct)),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, string(raw), ttl)
}

func (s *SecureStore) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", false, fault.New(fault.CodeSignatureMismatch, "stored value is not a secure envelope: %v", err)
	}
	iv, err1 := base64.StdEncoding.DecodeString(env.IV)
	tag, err2 := base64.StdEncoding.DecodeString(env.Tag)
	ct, err3 := base64.StdEncoding.DecodeString(env.CT)
	mac, err4 := base64.StdEncoding.DecodeString(env.HMAC)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return "", false, fault.New(fault.CodeSignatureMismatch, "secure envelope fields are not valid base64")
	}

	if !hmac.Equal(mac, s.sign(iv, tag, ct)) {
		return "", false, fault.New(fault.CodeSignatureMismatch, "memory value signature mismatch for key %q", key)
	}

	plaintext, err := s.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", false, fault.New(fault.CodeSignatureMismatch, "memory value failed authenticated decryption for key %q", key)
	}
	var value string
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return "", false, fmt.Errorf("decode decrypted value: %w", err)
	}
	return value, true, nil
}

func (s *SecureStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *SecureStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	return s.inner.List(ctx, prefix, limit)
}

func (s *SecureStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.inner.TTL(ctx, key)
}

// sign computes HMAC-SHA256 over iv ‖ tag ‖ ct.
func (s *SecureStore) sign(iv, tag, ct []byte) []byte {
	h := hmac.New(sha256.New, s.signKey)
	h.Write(iv)
	h.Write(tag)
	h.Write(ct)
	return h.Sum(nil)
}

// ParseKey accepts a 32-byte key as hex or base64. Any other string of at
// least 16 bytes is stretched to 32 bytes with HKDF-SHA256 so operators can
// configure a passphrase.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty key")
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == keySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == keySize {
		return b, nil
	}
	if len(s) < 16 {
		return nil, fmt.Errorf("key must be 32 bytes (hex or base64) or a passphrase of at least 16 characters")
	}
	out := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(s), nil, []byte("frontclaw-memory-key"))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, err
	}
	return out, nil
}
