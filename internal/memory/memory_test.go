package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frontclaw/backend/internal/fault"
)

func TestInMemoryStore_Basic(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "worker-a:greeting", "hello", 0))
	v, ok, err := s.Get(ctx, "worker-a:greeting")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)

	require.NoError(t, s.Delete(ctx, "worker-a:greeting"))
	_, ok, _ = s.Get(ctx, "worker-a:greeting")
	assert.False(t, ok)

	// deleting an absent key is not an error
	assert.NoError(t, s.Delete(ctx, "worker-a:greeting"))
}

func TestInMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", "v", 10*time.Second))

	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ttl)

	now = now.Add(11 * time.Second)
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired keys read as absent")

	ttl, err = s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, TTLMissing, ttl)
}

func TestInMemoryStore_TTLSentinels(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	ttl, err := s.TTL(ctx, "absent")
	require.NoError(t, err)
	assert.Equal(t, TTLMissing, ttl)

	require.NoError(t, s.Set(ctx, "forever", "v", 0))
	ttl, err = s.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, TTLNone, ttl)
}

func TestInMemoryStore_ListPrefixAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for _, k := range []string{"a:1", "a:2", "a:3", "b:1"} {
		require.NoError(t, s.Set(ctx, k, "v", 0))
	}

	keys, err := s.List(ctx, "a:", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "a:2", "a:3"}, keys)

	keys, err = s.List(ctx, "a:", 2)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = s.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSecureStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryStore()
	s, err := NewSecureStore(inner, testKey(), nil)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "profile:42", `{"name":"ada"}`, 0))

	v, ok, err := s.Get(ctx, "profile:42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"name":"ada"}`, v)

	// the stored payload is an envelope, not the plaintext
	raw, ok, err := inner.Get(ctx, "profile:42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, "ada")

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, 1, env.V)
	assert.NotEmpty(t, env.IV)
	assert.NotEmpty(t, env.Tag)
	assert.NotEmpty(t, env.HMAC)
}

func TestSecureStore_TamperDetection(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryStore()
	s, err := NewSecureStore(inner, testKey(), nil)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "k", "secret", 0))

	raw, _, _ := inner.Get(ctx, "k")
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	env.CT = env.IV // corrupt the ciphertext
	corrupted, _ := json.Marshal(env)
	require.NoError(t, inner.Set(ctx, "k", string(corrupted), 0))

	_, _, err = s.Get(ctx, "k")
	require.Error(t, err)
	assert.Equal(t, fault.CodeSignatureMismatch, fault.CodeOf(err))
}

func TestSecureStore_WrongSigningKey(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryStore()

	writer, err := NewSecureStore(inner, testKey(), []byte("signing-key-one-signing-key-one!"))
	require.NoError(t, err)
	require.NoError(t, writer.Set(ctx, "k", "v", 0))

	reader, err := NewSecureStore(inner, testKey(), []byte("signing-key-two-signing-key-two!"))
	require.NoError(t, err)
	_, _, err = reader.Get(ctx, "k")
	assert.Equal(t, fault.CodeSignatureMismatch, fault.CodeOf(err))
}

func TestSecureStore_PassthroughListTTL(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryStore()
	s, err := NewSecureStore(inner, testKey(), nil)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "p:1", "a", 0))
	require.NoError(t, s.Set(ctx, "p:2", "b", time.Minute))

	keys, err := s.List(ctx, "p:", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"p:1", "p:2"}, keys)

	ttl, err := s.TTL(ctx, "p:1")
	require.NoError(t, err)
	assert.Equal(t, TTLNone, ttl)
}

func TestTTLFromRedis_SentinelReplies(t *testing.T) {
	// redis replies -1/-2 arrive as raw durations, never second-scaled
	assert.Equal(t, TTLNone, ttlFromRedis(time.Duration(-1)))
	assert.Equal(t, TTLMissing, ttlFromRedis(time.Duration(-2)))
	assert.Equal(t, 90*time.Second, ttlFromRedis(90*time.Second))
}

func TestParseKey(t *testing.T) {
	hexKey := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	b, err := ParseKey(hexKey)
	require.NoError(t, err)
	assert.Equal(t, testKey(), b)

	b64, err := ParseKey("AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=")
	require.NoError(t, err)
	assert.Equal(t, testKey(), b64)

	stretched, err := ParseKey("a long enough operator passphrase")
	require.NoError(t, err)
	assert.Len(t, stretched, 32)

	_, err = ParseKey("short")
	assert.Error(t, err)

	_, err = ParseKey("")
	assert.Error(t, err)
}
