// Package saga drives an annual return through the authority's calculation
// and final declaration calls. Every call is preceded by a persisted state
// change, so a crash at any point leaves a saga that can be resumed at the
// step that was in flight.
//
//	INITIATED -> CALCULATING -> CALCULATED -> DECLARING -> COMPLETED
//	     \____________\_______________________\________-> FAILED
//
// CALCULATED never advances on its own: ConfirmDeclaration is the only way
// past it. FAILED records the state it failed from and Resume puts the saga
// back there.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"

	"taxfiler/internal/authority"
	"taxfiler/internal/common/errors"
	"taxfiler/internal/common/logging"
	"taxfiler/internal/common/validation"
	"taxfiler/internal/locks"
)

// Engine executes saga steps. It is safe for concurrent use; steps on the same
// saga are serialised through the Locker.
type Engine struct {
	repo   Repository
	calc   CalculationAPI
	tokens TokenSource
	locker Locker
	logger logging.Logger
	now    func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithLocker replaces the in-process locker, e.g. with a Redis-backed one
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithLogger overrides the logger
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine
func NewEngine(repo Repository, calc CalculationAPI, tokens TokenSource, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		calc:   calc,
		tokens: tokens,
		locker: locks.NewLocalLocker(),
		logger: logging.GetGlobalLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithFields(logging.Field{Key: "component", Value: "saga"})
	return e
}

// StartOrResume returns the active saga for the taxpayer and tax year,
// creating one in INITIATED if none exists. No step is executed.
func (e *Engine) StartOrResume(ctx context.Context, taxYear, taxpayerID string) (*Saga, error) {
	if err := validation.NewValidator().
		RequireTaxYear(taxYear, "tax_year").
		RequireNINO(taxpayerID, "taxpayer_id").
		Error(); err != nil {
		return nil, err
	}

	active, err := e.repo.FindActiveSaga(ctx, taxpayerID, taxYear)
	if err != nil {
		return nil, err
	}
	if active != nil {
		e.log(ctx, active).Info("Resuming existing saga", logging.Field{Key: "state", Value: string(active.State)})
		return active, nil
	}

	latest, err := e.repo.FindLatestSaga(ctx, taxpayerID, taxYear)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.State == StateCompleted {
		return nil, errors.Newf(errors.KindSagaCompleted, "the %s return has already been filed", taxYear).
			WithContext("saga_id", latest.ID)
	}

	now := e.now()
	s := &Saga{
		ID:             cuid.New(),
		TaxpayerID:     taxpayerID,
		TaxYear:        taxYear,
		State:          StateInitiated,
		CalculationKey: uuid.NewString(),
		DeclarationKey: uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.repo.CreateSaga(ctx, s); err != nil {
		if !errors.IsKind(err, errors.KindDuplicate) {
			return nil, err
		}
		winner, findErr := e.repo.FindActiveSaga(ctx, taxpayerID, taxYear)
		if findErr != nil {
			return nil, findErr
		}
		if winner == nil {
			return nil, err
		}
		return winner, nil
	}

	e.log(ctx, s).Info("Saga created")
	return s, nil
}

// ExecuteNextStep runs the step for the saga's current state. COMPLETED and
// FAILED return the saga unchanged; CALCULATED returns CONFIRMATION_REQUIRED.
func (e *Engine) ExecuteNextStep(ctx context.Context, sagaID string) (*Saga, error) {
	unlock, err := e.locker.Lock(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.repo.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	switch s.State {
	case StateInitiated:
		return e.triggerCalculation(ctx, s)
	case StateCalculating:
		if s.CalculationReference == "" {
			return e.triggerCalculation(ctx, s)
		}
		return e.fetchCalculation(ctx, s)
	case StateCalculated:
		return s, errors.New(errors.KindConfirmationRequired,
			"the calculation must be reviewed and the declaration confirmed before filing").
			WithContext("saga_id", s.ID)
	case StateDeclaring:
		return e.declare(ctx, s)
	case StateCompleted, StateFailed:
		return s, nil
	default:
		return s, errors.Newf(errors.KindInvalidState, "saga %s has unknown state %q", s.ID, s.State)
	}
}

// ConfirmDeclaration records the user's declaration and files it. Valid only
// from CALCULATED.
func (e *Engine) ConfirmDeclaration(ctx context.Context, sagaID string, decl authority.Declaration) (*Saga, error) {
	if err := decl.Validate(); err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.repo.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if s.State != StateCalculated {
		return s, errors.Newf(errors.KindInvalidState, "declaration can only be confirmed from %s, saga is %s", StateCalculated, s.State).
			WithContext("saga_id", s.ID)
	}

	token, err := e.tokens.Token(ctx)
	if err != nil {
		return e.fail(ctx, s, err)
	}

	s.State = StateDeclaring
	s.Declaration = &decl
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}
	return e.submitDeclaration(ctx, s, token)
}

// RunUntilConfirmation executes steps until the saga is CALCULATED, COMPLETED
// or FAILED. A saga already in one of those states is returned as stored.
func (e *Engine) RunUntilConfirmation(ctx context.Context, sagaID string) (*Saga, error) {
	s, err := e.repo.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	switch s.State {
	case StateCalculated, StateCompleted, StateFailed:
		return s, nil
	}

	for {
		s, err := e.ExecuteNextStep(ctx, sagaID)
		if err != nil {
			return s, err
		}
		switch s.State {
		case StateCalculated, StateCompleted, StateFailed:
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return s, errors.Wrap(errors.KindCancelled, "saga run interrupted", err)
		}
	}
}

// Resume moves a FAILED saga back to the state it failed from. The caller
// then continues with ExecuteNextStep.
func (e *Engine) Resume(ctx context.Context, sagaID string) (*Saga, error) {
	unlock, err := e.locker.Lock(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.repo.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if s.State != StateFailed {
		return s, errors.Newf(errors.KindInvalidState, "only a failed saga can be resumed, saga is %s", s.State).
			WithContext("saga_id", s.ID)
	}

	to := s.FailedFrom
	if !to.Valid() || to == StateFailed || to == StateCompleted {
		to = StateInitiated
	}
	s.State = to
	s.FailedFrom = ""
	s.FailureReason = ""
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}

	e.log(ctx, s).Info("Saga resumed", logging.Field{Key: "state", Value: string(to)})
	return s, nil
}

// Get returns a saga by id
func (e *Engine) Get(ctx context.Context, sagaID string) (*Saga, error) {
	return e.repo.GetSaga(ctx, sagaID)
}

// List returns the taxpayer's sagas, newest first
func (e *Engine) List(ctx context.Context, taxpayerID string) ([]*Saga, error) {
	return e.repo.ListSagas(ctx, taxpayerID)
}

func (e *Engine) triggerCalculation(ctx context.Context, s *Saga) (*Saga, error) {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return e.fail(ctx, s, err)
	}

	if s.State != StateCalculating {
		s.State = StateCalculating
		s.CalculationReference = ""
		if err := e.save(ctx, s); err != nil {
			return nil, err
		}
	}

	ref, err := e.calc.TriggerCalculation(ctx, token, s.TaxpayerID, s.TaxYear, s.CalculationKey)
	if err != nil {
		return e.fail(ctx, s, err)
	}

	s.CalculationReference = ref
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}
	e.log(ctx, s).Info("Calculation triggered", logging.Field{Key: "calculation_id", Value: ref})
	return s, nil
}

func (e *Engine) fetchCalculation(ctx context.Context, s *Saga) (*Saga, error) {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return e.fail(ctx, s, err)
	}

	result, err := e.calc.GetCalculation(ctx, token, s.TaxpayerID, s.TaxYear, s.CalculationReference)
	if err != nil {
		return e.fail(ctx, s, err)
	}

	s.State = StateCalculated
	s.CalculationResult = result
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}
	e.log(ctx, s).Info("Calculation ready", logging.Field{Key: "total_due", Value: result.TotalDue.String()})
	return s, nil
}

func (e *Engine) declare(ctx context.Context, s *Saga) (*Saga, error) {
	if s.Declaration == nil {
		return s, errors.Newf(errors.KindInvalidState, "saga %s is declaring without a recorded declaration", s.ID)
	}
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return e.fail(ctx, s, err)
	}
	return e.submitDeclaration(ctx, s, token)
}

func (e *Engine) submitDeclaration(ctx context.Context, s *Saga, token string) (*Saga, error) {
	ref, err := e.calc.SubmitDeclaration(ctx, token, s.TaxpayerID, s.TaxYear, s.CalculationReference, *s.Declaration, s.DeclarationKey)
	if err != nil {
		return e.fail(ctx, s, err)
	}

	s.State = StateCompleted
	s.ChargeReference = ref
	if err := e.save(ctx, s); err != nil {
		return nil, err
	}
	e.log(ctx, s).Info("Return filed", logging.Field{Key: "charge_reference", Value: ref})
	return s, nil
}

// fail records cause against the version this step last wrote and returns
// cause. A version conflict here means another writer moved the saga; the
// record is left alone.
func (e *Engine) fail(ctx context.Context, s *Saga, cause error) (*Saga, error) {
	from := s.State
	s.State = StateFailed
	s.FailedFrom = from
	s.FailureReason = failureReason(cause)

	// the caller's context may be the reason for the failure
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := e.save(saveCtx, s); err != nil {
		e.log(ctx, s).Error("Failed to record saga failure", err, logging.Field{Key: "cause", Value: cause.Error()})
		return nil, fmt.Errorf("saga %s step %s: %w", s.ID, from, cause)
	}

	e.log(ctx, s).Warn("Saga step failed",
		logging.Field{Key: "from", Value: string(from)},
		logging.Field{Key: "reason", Value: s.FailureReason},
	)
	return s, fmt.Errorf("saga %s step %s: %w", s.ID, from, cause)
}

func (e *Engine) save(ctx context.Context, s *Saga) error {
	s.UpdatedAt = e.now()
	return e.repo.UpdateSaga(ctx, s, s.Version)
}

func (e *Engine) log(ctx context.Context, s *Saga) logging.Logger {
	ctx = logging.ContextWithSagaID(ctx, s.ID)
	ctx = logging.ContextWithTaxpayer(ctx, s.TaxpayerID)
	return e.logger.WithContext(ctx).WithFields(logging.Field{Key: "tax_year", Value: s.TaxYear})
}

func failureReason(err error) string {
	appErr, ok := errors.As(err)
	if !ok {
		return fmt.Sprintf("%s: %v", errors.KindInternal, err)
	}
	if appErr.Code != "" {
		return fmt.Sprintf("%s: %s: %s", appErr.Kind, appErr.Code, appErr.Message)
	}
	return fmt.Sprintf("%s: %s", appErr.Kind, appErr.Message)
}
