// Package storage persists sagas and settings for taxfiler.
//
// Two backends register themselves here: sqlite (the default, a single file
// next to the binary) and postgres. Both enforce the same rules:
//
//   - at most one saga that is not COMPLETED per taxpayer and tax year,
//     through a partial unique index
//   - optimistic concurrency on every saga update via the version column
//   - sagas are never deleted
//   - calculation results and declarations are sealed before they are written
//
// Settings are a plain key/value table. The token store and the taxpayer
// profile both sit on top of it.
//
// Example usage:
//
//	import _ "taxfiler/internal/storage/sqlite"
//
//	store, err := storage.New(cfg, encryptor)
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package storage

import (
	"context"

	"taxfiler/internal/saga"
)

// SettingsStorage is the key/value settings table. GetSetting returns "" for a missing key.
type SettingsStorage interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Storage is implemented by every backend
type Storage interface {
	saga.Repository
	SettingsStorage

	Ping(ctx context.Context) error
	Close() error
}

// Sealer encrypts JSON documents at rest. *crypto.Encryptor implements it.
type Sealer interface {
	EncryptJSON(v interface{}) (string, error)
	DecryptJSON(ciphertext string, v interface{}) error
}
