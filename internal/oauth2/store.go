package oauth2

import (
	"context"
	"sync"

	"taxfiler/internal/common/errors"
)

// TokenStore persists the single current token set.
// Load returns (nil, nil) when nothing is stored.
type TokenStore interface {
	Save(ctx context.Context, set *TokenSet) error
	Load(ctx context.Context) (*TokenSet, error)
	Clear(ctx context.Context) error
}

// Sealer encrypts records before they reach shared storage. *crypto.Encryptor implements it.
type Sealer interface {
	EncryptJSON(v interface{}) (string, error)
	DecryptJSON(ciphertext string, v interface{}) error
}

// SettingsStorage is the key/value settings table offered by the storage backends
type SettingsStorage interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// MemoryTokenStore keeps the token set in process memory
type MemoryTokenStore struct {
	mu  sync.RWMutex
	set *TokenSet
}

// NewMemoryTokenStore creates an empty in-memory store
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Save(_ context.Context, set *TokenSet) error {
	if set == nil {
		return errors.ValidationError("token set is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *set
	s.set = &copied
	return nil
}

func (s *MemoryTokenStore) Load(_ context.Context) (*TokenSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.set == nil {
		return nil, nil
	}
	copied := *s.set
	return &copied, nil
}

func (s *MemoryTokenStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = nil
	return nil
}

// SettingsTokenKey is the settings key holding the encrypted token record
const SettingsTokenKey = "oauth2_token"

// SettingsTokenStore keeps the token set encrypted in the settings table.
// Clearing writes an empty value; the settings table has no deletes.
type SettingsTokenStore struct {
	settings SettingsStorage
	sealer   Sealer
}

// NewSettingsTokenStore creates a settings-backed store
func NewSettingsTokenStore(settings SettingsStorage, sealer Sealer) *SettingsTokenStore {
	return &SettingsTokenStore{settings: settings, sealer: sealer}
}

func (s *SettingsTokenStore) Save(ctx context.Context, set *TokenSet) error {
	if set == nil {
		return errors.ValidationError("token set is nil")
	}
	sealed, err := s.sealer.EncryptJSON(set)
	if err != nil {
		return err
	}
	if err := s.settings.SetSetting(ctx, SettingsTokenKey, sealed); err != nil {
		return errors.InternalError("failed to save token set", err)
	}
	return nil
}

func (s *SettingsTokenStore) Load(ctx context.Context) (*TokenSet, error) {
	sealed, err := s.settings.GetSetting(ctx, SettingsTokenKey)
	if err != nil {
		return nil, errors.InternalError("failed to load token set", err)
	}
	if sealed == "" {
		return nil, nil
	}
	var set TokenSet
	if err := s.sealer.DecryptJSON(sealed, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *SettingsTokenStore) Clear(ctx context.Context) error {
	if err := s.settings.SetSetting(ctx, SettingsTokenKey, ""); err != nil {
		return errors.InternalError("failed to clear token set", err)
	}
	return nil
}
