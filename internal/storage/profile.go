package storage

import (
	"context"
	"strings"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/common/validation"
)

const (
	ProfileBusinessIDKey = "profile_business_id"
	ProfileNINOKey       = "profile_nino"
)

// Profile holds the taxpayer identifiers in the settings table
type Profile struct {
	settings SettingsStorage
}

// NewProfile creates a Profile over settings
func NewProfile(settings SettingsStorage) *Profile {
	return &Profile{settings: settings}
}

// BusinessID returns the synced self-employment business id, or ""
func (p *Profile) BusinessID(ctx context.Context) (string, error) {
	return p.settings.GetSetting(ctx, ProfileBusinessIDKey)
}

// TaxpayerID returns the national insurance number, or ""
func (p *Profile) TaxpayerID(ctx context.Context) (string, error) {
	return p.settings.GetSetting(ctx, ProfileNINOKey)
}

// SetTaxpayerID stores nino after normalising it to upper case without spaces
func (p *Profile) SetTaxpayerID(ctx context.Context, nino string) error {
	nino = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(nino), " ", ""))
	if err := validation.NewValidator().RequireNINO(nino, "nino").Error(); err != nil {
		return err
	}
	if err := p.settings.SetSetting(ctx, ProfileNINOKey, nino); err != nil {
		return errors.InternalError("failed to save national insurance number", err)
	}
	return nil
}

// SetBusinessID stores the business id
func (p *Profile) SetBusinessID(ctx context.Context, businessID string) error {
	businessID = strings.TrimSpace(businessID)
	if err := validation.NewValidator().RequireString(businessID, "business_id").Error(); err != nil {
		return err
	}
	if err := p.settings.SetSetting(ctx, ProfileBusinessIDKey, businessID); err != nil {
		return errors.InternalError("failed to save business id", err)
	}
	return nil
}
