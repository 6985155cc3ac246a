// Package submission files quarterly updates and annual returns on behalf of
// the user, connecting first when needed and re-authenticating once when the
// authority rejects the credentials mid-call.
//
// Every submission follows the same order: local prerequisites are checked
// before anything else, then the connection is ensured, then the submission
// is attempted. An authentication rejection forces a token refresh and one
// retry; a second rejection is reported as SESSION_EXPIRED.
package submission

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"taxfiler/internal/authority"
	"taxfiler/internal/common/errors"
	"taxfiler/internal/common/logging"
	"taxfiler/internal/common/validation"
	"taxfiler/internal/orchestrator"
	"taxfiler/internal/saga"
)

// ProfileSource exposes the locally stored identifiers
type ProfileSource interface {
	BusinessID(ctx context.Context) (string, error)
	TaxpayerID(ctx context.Context) (string, error)
}

// ConnectionChecker reports whether a verified credential is held
type ConnectionChecker interface {
	IsConnected(ctx context.Context) (bool, error)
}

// Connector runs an interactive authorization and blocks until it ends
type Connector interface {
	Connect(ctx context.Context) (orchestrator.Result, error)
}

// TokenProvider hands out bearer tokens and tracks session verification
type TokenProvider interface {
	GetValidToken(ctx context.Context, forceRefresh bool) (string, error)
	MarkSessionVerified()
	ResetSessionVerification()
}

// QuarterlySubmitter sends one period update to the authority
type QuarterlySubmitter interface {
	SubmitPeriodUpdate(ctx context.Context, token, nino, businessID string, update authority.PeriodUpdate, key string) (*authority.PeriodReceipt, error)
}

// AnnualEngine runs the annual return saga
type AnnualEngine interface {
	StartOrResume(ctx context.Context, taxYear, taxpayerID string) (*saga.Saga, error)
	Resume(ctx context.Context, sagaID string) (*saga.Saga, error)
	RunUntilConfirmation(ctx context.Context, sagaID string) (*saga.Saga, error)
	ConfirmDeclaration(ctx context.Context, sagaID string, decl authority.Declaration) (*saga.Saga, error)
}

// AnnualRequest is the user's confirmed annual return
type AnnualRequest struct {
	TaxYear     string
	Declaration authority.Declaration
}

// Wrapper guards submissions with connection and re-authentication handling
type Wrapper struct {
	profile   ProfileSource
	conn      ConnectionChecker
	connector Connector
	tokens    TokenProvider
	quarterly QuarterlySubmitter
	annual    AnnualEngine
	logger    logging.Logger
	newKey    func() string
}

// Option configures a Wrapper
type Option func(*Wrapper)

// WithLogger overrides the logger
func WithLogger(l logging.Logger) Option {
	return func(w *Wrapper) { w.logger = l }
}

// WithKeyGenerator overrides how quarterly idempotency keys are made
func WithKeyGenerator(f func() string) Option {
	return func(w *Wrapper) { w.newKey = f }
}

// New creates a Wrapper
func New(profile ProfileSource, conn ConnectionChecker, connector Connector, tokens TokenProvider,
	quarterly QuarterlySubmitter, annual AnnualEngine, opts ...Option) *Wrapper {
	w := &Wrapper{
		profile:   profile,
		conn:      conn,
		connector: connector,
		tokens:    tokens,
		quarterly: quarterly,
		annual:    annual,
		logger:    logging.GetGlobalLogger(),
		newKey:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithFields(logging.Field{Key: "component", Value: "submission"})
	return w
}

// SubmitQuarterly files one period update. Both attempts carry the same
// idempotency key.
func (w *Wrapper) SubmitQuarterly(ctx context.Context, update authority.PeriodUpdate) (*authority.PeriodReceipt, error) {
	nino, err := w.requireTaxpayer(ctx)
	if err != nil {
		return nil, err
	}
	businessID, err := w.profile.BusinessID(ctx)
	if err != nil {
		return nil, errors.InternalError("failed to read business id", err)
	}
	if strings.TrimSpace(businessID) == "" {
		return nil, errors.New(errors.KindBusinessIDRequired, "no self-employment business is synced; run profile sync first")
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}

	if err := w.ensureConnected(ctx); err != nil {
		return nil, err
	}

	key := w.newKey()
	ctx = logging.ContextWithTaxpayer(ctx, nino)

	var receipt *authority.PeriodReceipt
	err = w.withReauth(ctx, "quarterly update", func(ctx context.Context) error {
		token, err := w.tokens.GetValidToken(ctx, false)
		if err != nil {
			return err
		}
		receipt, err = w.quarterly.SubmitPeriodUpdate(ctx, token, nino, businessID, update, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	w.logger.WithContext(ctx).Info("Quarterly update accepted", logging.String("period_id", receipt.PeriodID))
	return receipt, nil
}

// PrepareAnnual runs the annual saga for taxYear up to CALCULATED so the
// figures can be shown to the user before they confirm.
func (w *Wrapper) PrepareAnnual(ctx context.Context, taxYear string) (*saga.Saga, error) {
	nino, err := w.requireTaxpayer(ctx)
	if err != nil {
		return nil, err
	}
	if err := validation.NewValidator().RequireTaxYear(taxYear, "tax_year").Error(); err != nil {
		return nil, err
	}

	if err := w.ensureConnected(ctx); err != nil {
		return nil, err
	}

	return w.annualWithReauth(logging.ContextWithTaxpayer(ctx, nino), func(ctx context.Context) (*saga.Saga, error) {
		return w.advance(ctx, nino, taxYear)
	})
}

// SubmitAnnual runs the annual return for req.TaxYear through to COMPLETED.
// Calling it is the user's confirmation of the declaration.
func (w *Wrapper) SubmitAnnual(ctx context.Context, req AnnualRequest) (*saga.Saga, error) {
	nino, err := w.requireTaxpayer(ctx)
	if err != nil {
		return nil, err
	}
	if err := validation.NewValidator().RequireTaxYear(req.TaxYear, "tax_year").Error(); err != nil {
		return nil, err
	}
	if err := req.Declaration.Validate(); err != nil {
		return nil, err
	}

	if err := w.ensureConnected(ctx); err != nil {
		return nil, err
	}

	return w.annualWithReauth(logging.ContextWithTaxpayer(ctx, nino), func(ctx context.Context) (*saga.Saga, error) {
		s, err := w.advance(ctx, nino, req.TaxYear)
		if err != nil {
			return s, err
		}
		if s.State == saga.StateCompleted {
			return s, nil
		}
		return w.annual.ConfirmDeclaration(ctx, s.ID, req.Declaration)
	})
}

func (w *Wrapper) annualWithReauth(ctx context.Context, attempt func(ctx context.Context) (*saga.Saga, error)) (*saga.Saga, error) {
	var result *saga.Saga
	err := w.withReauth(ctx, "annual return", func(ctx context.Context) error {
		s, err := attempt(ctx)
		if s != nil {
			result = s
		}
		return err
	})
	return result, err
}

// advance starts or resumes the saga and runs it until it needs the user's
// confirmation. A FAILED saga is resumed from the step that failed.
func (w *Wrapper) advance(ctx context.Context, nino, taxYear string) (*saga.Saga, error) {
	s, err := w.annual.StartOrResume(ctx, taxYear, nino)
	if err != nil {
		return nil, err
	}
	if s.State == saga.StateFailed {
		if s, err = w.annual.Resume(ctx, s.ID); err != nil {
			return s, err
		}
	}

	// already waiting on the user's confirmation, or done
	if s.State == saga.StateCalculated || s.State == saga.StateCompleted {
		return s, nil
	}

	if s, err = w.annual.RunUntilConfirmation(ctx, s.ID); err != nil {
		return s, err
	}

	switch s.State {
	case saga.StateCalculated, saga.StateCompleted:
		return s, nil
	default:
		return s, errors.Newf(errors.KindInvalidState, "saga stopped in %s: %s", s.State, s.FailureReason).
			WithContext("saga_id", s.ID)
	}
}

func (w *Wrapper) requireTaxpayer(ctx context.Context) (string, error) {
	nino, err := w.profile.TaxpayerID(ctx)
	if err != nil {
		return "", errors.InternalError("failed to read national insurance number", err)
	}
	if strings.TrimSpace(nino) == "" {
		return "", errors.New(errors.KindNINORequired, "national insurance number is not set; run profile set first")
	}
	return nino, nil
}

func (w *Wrapper) ensureConnected(ctx context.Context) error {
	connected, err := w.conn.IsConnected(ctx)
	if err != nil {
		return err
	}
	if connected {
		return nil
	}

	w.logger.Info("Not connected, starting authorization")
	_, err = w.connector.Connect(ctx)
	return err
}

func isAuthRejection(err error) bool {
	return errors.IsKind(err, errors.KindAuthRejected, errors.KindTokenExpired)
}

// withReauth runs attempt, and after an authentication rejection refreshes
// the token and runs it exactly once more.
func (w *Wrapper) withReauth(ctx context.Context, what string, attempt func(ctx context.Context) error) error {
	err := attempt(ctx)
	if err == nil {
		w.tokens.MarkSessionVerified()
		return nil
	}
	if !isAuthRejection(err) {
		return err
	}

	w.logger.WithContext(ctx).Warn("Credentials rejected, refreshing and retrying once",
		logging.String("submission", what), logging.Err(err))

	if _, rerr := w.tokens.GetValidToken(ctx, true); rerr != nil {
		if !errors.IsKind(rerr, errors.KindRefreshFailed, errors.KindTokenExpired, errors.KindNotConnected) {
			// the refresh did not get through; credentials are kept
			return rerr
		}
		w.tokens.ResetSessionVerification()
		return errors.Wrap(errors.KindSessionExpired, "your session has expired; connect again to continue", rerr)
	}

	err = attempt(ctx)
	if err == nil {
		w.tokens.MarkSessionVerified()
		return nil
	}
	if isAuthRejection(err) {
		w.tokens.ResetSessionVerification()
		return errors.Wrap(errors.KindSessionExpired, "the authority rejected the refreshed credentials; connect again to continue", err)
	}
	return err
}
