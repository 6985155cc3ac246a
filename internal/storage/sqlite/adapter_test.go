package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxfiler/internal/authority"
	"taxfiler/internal/common/errors"
	"taxfiler/internal/config"
	"taxfiler/internal/crypto"
	"taxfiler/internal/storage"
	"taxfiler/internal/storage/storagetest"
)

func newSealer(t *testing.T, passphrase string) *crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewEncryptor(passphrase)
	require.NoError(t, err)
	return enc
}

func TestAdapterConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		adapter, err := NewAdapter(&Config{DatabasePath: filepath.Join(t.TempDir(), "taxfiler.db")}, newSealer(t, "conformance-passphrase"))
		require.NoError(t, err)
		t.Cleanup(func() { adapter.Close() })
		return adapter
	})
}

func TestAdapter_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxfiler.db")
	sealer := newSealer(t, "reopen-passphrase")
	ctx := context.Background()

	first, err := NewAdapter(&Config{DatabasePath: path}, sealer)
	require.NoError(t, err)
	require.NoError(t, first.SetSetting(ctx, storage.ProfileNINOKey, "QQ123456C"))
	require.NoError(t, first.Close())

	second, err := NewAdapter(&Config{DatabasePath: path}, sealer)
	require.NoError(t, err)
	defer second.Close()

	nino, err := second.GetSetting(ctx, storage.ProfileNINOKey)
	require.NoError(t, err)
	assert.Equal(t, "QQ123456C", nino)
}

func TestAdapter_WrongKeyCannotOpenSealedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxfiler.db")
	ctx := context.Background()

	writer, err := NewAdapter(&Config{DatabasePath: path}, newSealer(t, "right-passphrase"))
	require.NoError(t, err)
	s := storagetest.NewSaga("s1", "QQ123456C", "2024-25", time.Now().UTC(), 0)
	require.NoError(t, writer.CreateSaga(ctx, s))
	s.CalculationResult = &authority.CalculationResult{CalculationID: "calc-1"}
	require.NoError(t, writer.UpdateSaga(ctx, s, 1))
	require.NoError(t, writer.Close())

	reader, err := NewAdapter(&Config{DatabasePath: path}, newSealer(t, "wrong-passphrase"))
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.GetSaga(ctx, "s1")
	assert.Equal(t, errors.KindInternal, errors.KindOf(err))
}

func TestConfig(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, errors.KindConfig, errors.KindOf(cfg.Validate()))

	cfg = &Config{DatabasePath: "/tmp/x.db"}
	require.NoError(t, cfg.Validate())
	dsn := cfg.GetConnectionString()
	assert.Contains(t, dsn, "file:/tmp/x.db?")
	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Equal(t, "sqlite", cfg.GetType())
}

func TestFactoryRegistered(t *testing.T) {
	assert.Contains(t, storage.GetAvailableTypes(), "sqlite")

	cfg := &config.Config{DatabaseType: "sqlite", DatabasePath: filepath.Join(t.TempDir(), "f.db")}
	store, err := storage.New(cfg, newSealer(t, "factory-passphrase"))
	require.NoError(t, err)
	defer store.Close()
	assert.NoError(t, store.Ping(context.Background()))
}
