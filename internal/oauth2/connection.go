package oauth2

import (
	"context"
	"time"

	"taxfiler/internal/common/errors"
)

// ConnectionState describes how far the application is from being able to submit
type ConnectionState string

const (
	StateNotConnected      ConnectionState = "NOT_CONNECTED"
	StateSessionExpired    ConnectionState = "SESSION_EXPIRED"
	StateNeedsVerification ConnectionState = "NEEDS_VERIFICATION"
	StateConnected         ConnectionState = "CONNECTED"
	StateProfileSynced     ConnectionState = "PROFILE_SYNCED"
	StateReadyToSubmit     ConnectionState = "READY_TO_SUBMIT"
)

// DeriveConnectionState is the whole state machine: the state is recomputed
// from its inputs every time and never stored.
func DeriveConnectionState(hasToken, tokenValid, verified, hasBusinessID, hasTaxpayerID bool) ConnectionState {
	switch {
	case !hasToken:
		return StateNotConnected
	case !tokenValid:
		return StateSessionExpired
	case !verified:
		return StateNeedsVerification
	case !hasBusinessID:
		return StateConnected
	case !hasTaxpayerID:
		return StateProfileSynced
	default:
		return StateReadyToSubmit
	}
}

// AtLeastConnected reports whether the state is CONNECTED or further along
func (s ConnectionState) AtLeastConnected() bool {
	switch s {
	case StateConnected, StateProfileSynced, StateReadyToSubmit:
		return true
	}
	return false
}

// ProfileSource exposes the locally synced identifiers
type ProfileSource interface {
	BusinessID(ctx context.Context) (string, error)
	TaxpayerID(ctx context.Context) (string, error)
}

// Status is a snapshot for display
type Status struct {
	State              ConnectionState `json:"state"`
	Verified           bool            `json:"verified"`
	SecondsUntilExpiry int64           `json:"seconds_until_expiry,omitempty"`
}

// Credentials is the token side of the connection state. Manager implements
// it, so reads and clears share the lock that guards refreshes.
type Credentials interface {
	Current(ctx context.Context) (*TokenSet, error)
	IsSessionVerified() bool
	Clear(ctx context.Context) error
}

// Resolver computes the connection state from stored tokens, session and profile
type Resolver struct {
	creds   Credentials
	profile ProfileSource
	now     func() time.Time
}

// NewResolver creates a Resolver
func NewResolver(creds Credentials, profile ProfileSource) *Resolver {
	return &Resolver{creds: creds, profile: profile, now: time.Now}
}

// Status returns the current state and expiry information
func (r *Resolver) Status(ctx context.Context) (Status, error) {
	set, err := r.creds.Current(ctx)
	if err != nil {
		return Status{}, err
	}
	businessID, err := r.profile.BusinessID(ctx)
	if err != nil {
		return Status{}, errors.Wrap(errors.KindInternal, "failed to read business id", err)
	}
	taxpayerID, err := r.profile.TaxpayerID(ctx)
	if err != nil {
		return Status{}, errors.Wrap(errors.KindInternal, "failed to read taxpayer id", err)
	}

	now := r.now()
	verified := r.creds.IsSessionVerified()
	st := Status{
		State: DeriveConnectionState(
			set != nil,
			set != nil && !set.IsExpired(now),
			verified,
			businessID != "",
			taxpayerID != "",
		),
		Verified: verified,
	}
	if set != nil && !set.IsExpired(now) {
		st.SecondsUntilExpiry = set.SecondsUntilExpiry(now)
	}
	return st, nil
}

// State returns the current ConnectionState
func (r *Resolver) State(ctx context.Context) (ConnectionState, error) {
	st, err := r.Status(ctx)
	return st.State, err
}

// IsConnected reports whether a verified, time-valid credential is held
func (r *Resolver) IsConnected(ctx context.Context) (bool, error) {
	st, err := r.State(ctx)
	if err != nil {
		return false, err
	}
	return st.AtLeastConnected(), nil
}

// Disconnect clears stored tokens and verification, returning to NOT_CONNECTED.
// A refresh still in flight is discarded when it returns.
func (r *Resolver) Disconnect(ctx context.Context) error {
	return r.creds.Clear(ctx)
}
