package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxfiler/internal/common/errors"
)

type mapSettings map[string]string

func (m mapSettings) GetSetting(_ context.Context, key string) (string, error) {
	return m[key], nil
}

func (m mapSettings) SetSetting(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

func TestProfile(t *testing.T) {
	ctx := context.Background()
	settings := mapSettings{}
	profile := NewProfile(settings)

	nino, err := profile.TaxpayerID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", nino)

	require.NoError(t, profile.SetTaxpayerID(ctx, " qq 12 34 56 c "))
	assert.Equal(t, "QQ123456C", settings[ProfileNINOKey])

	err = profile.SetTaxpayerID(ctx, "123")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	assert.Equal(t, "QQ123456C", settings[ProfileNINOKey])

	require.NoError(t, profile.SetBusinessID(ctx, "XAIS12345678910"))
	id, err := profile.BusinessID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "XAIS12345678910", id)

	assert.Equal(t, errors.KindValidation, errors.KindOf(profile.SetBusinessID(ctx, "  ")))
}
