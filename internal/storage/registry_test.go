package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/config"
)

type stubFactory struct {
	name  string
	calls int
}

func (f *stubFactory) Create(_ *config.Config, _ Sealer) (Storage, error) {
	f.calls++
	return nil, nil
}

func (f *stubFactory) GetType() string { return f.name }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	pg := &stubFactory{name: "postgres"}
	r.Register("postgres", pg)
	r.Register("sqlite", &stubFactory{name: "sqlite"})

	assert.Equal(t, []string{"postgres", "sqlite"}, r.GetAvailableTypes())

	_, err := r.Create("postgres", &config.Config{}, fakeSealer{})
	require.NoError(t, err)
	assert.Equal(t, 1, pg.calls)

	_, err = r.Create("mysql", &config.Config{}, fakeSealer{})
	assert.Equal(t, errors.KindConfig, errors.KindOf(err))
}

func TestNew_AliasAndSealer(t *testing.T) {
	original := DefaultRegistry
	defer func() { DefaultRegistry = original }()

	DefaultRegistry = NewRegistry()
	pg := &stubFactory{name: "postgres"}
	Register("postgres", pg)

	_, err := New(&config.Config{DatabaseType: "postgresql"}, fakeSealer{})
	require.NoError(t, err)
	assert.Equal(t, 1, pg.calls)

	_, err = New(&config.Config{DatabaseType: "postgres"}, nil)
	assert.Equal(t, errors.KindConfig, errors.KindOf(err))
}
