package oauth2

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxfiler/internal/crypto"
	"taxfiler/internal/redis"
)

const testPassphrase = "0123456789abcdef0123456789abcdef"

type mapSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func newMapSettings() *mapSettings {
	return &mapSettings{values: make(map[string]string)}
}

func (s *mapSettings) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *mapSettings) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func sampleTokenSet() *TokenSet {
	return &TokenSet{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresIn:    14400,
		IssuedAt:     time.Now().UTC().Truncate(time.Second),
		TokenType:    "bearer",
		Scope:        "read:self-assessment write:self-assessment",
	}
}

func newEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewEncryptor(testPassphrase)
	require.NoError(t, err)
	return enc
}

func TestMemoryTokenStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	assert.Error(t, store.Save(ctx, nil))

	set := sampleTokenSet()
	require.NoError(t, store.Save(ctx, set))
	set.AccessToken = "mutated"

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access", loaded.AccessToken)

	require.NoError(t, store.Clear(ctx))
	loaded, _ = store.Load(ctx)
	assert.Nil(t, loaded)
}

func TestSettingsTokenStore(t *testing.T) {
	ctx := context.Background()
	settings := newMapSettings()
	store := NewSettingsTokenStore(settings, newEncryptor(t))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	set := sampleTokenSet()
	require.NoError(t, store.Save(ctx, set))

	raw := settings.values[SettingsTokenKey]
	assert.NotEmpty(t, raw)
	assert.NotContains(t, raw, "refresh")

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, set.AccessToken, loaded.AccessToken)
	assert.Equal(t, set.RefreshToken, loaded.RefreshToken)
	assert.True(t, set.IssuedAt.Equal(loaded.IssuedAt))

	require.NoError(t, store.Clear(ctx))
	assert.Equal(t, "", settings.values[SettingsTokenKey])
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSettingsTokenStore_WrongKey(t *testing.T) {
	ctx := context.Background()
	settings := newMapSettings()
	require.NoError(t, NewSettingsTokenStore(settings, newEncryptor(t)).Save(ctx, sampleTokenSet()))

	other, err := crypto.NewEncryptor("another-passphrase-of-32-chars!!")
	require.NoError(t, err)
	_, err = NewSettingsTokenStore(settings, other).Load(ctx)
	assert.Error(t, err)
}

func TestRedisTokenStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	store := NewRedisTokenStore(client, newEncryptor(t))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	set := sampleTokenSet()
	require.NoError(t, store.Save(ctx, set))
	assert.True(t, mr.Exists(redisTokenKey))

	ttl := mr.TTL(redisTokenKey)
	assert.Greater(t, ttl, refreshGrace)
	assert.LessOrEqual(t, ttl, refreshGrace+4*time.Hour)

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, set.AccessToken, loaded.AccessToken)

	require.NoError(t, store.Clear(ctx))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRedisTokenStore_ServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()
	mr.Close()

	_, err = NewRedisTokenStore(client, newEncryptor(t)).Load(context.Background())
	require.Error(t, err)
}

func TestTokenSet_Derived(t *testing.T) {
	issued := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	set := &TokenSet{ExpiresIn: 1000, IssuedAt: issued}

	assert.Equal(t, issued.Add(1000*time.Second), set.ExpiryInstant())
	assert.False(t, set.IsExpired(issued.Add(999*time.Second)))
	assert.True(t, set.IsExpired(issued.Add(1000*time.Second)))
	assert.Equal(t, int64(250), set.SecondsUntilExpiry(issued.Add(750*time.Second)))
	assert.InDelta(t, 0.25, set.RemainingFraction(issued.Add(750*time.Second)), 1e-9)
	assert.Equal(t, 0.0, set.RemainingFraction(issued.Add(2000*time.Second)))
	assert.Equal(t, 1.0, set.RemainingFraction(issued.Add(-time.Minute)))
	assert.Equal(t, 0.0, (&TokenSet{}).RemainingFraction(issued))
}
