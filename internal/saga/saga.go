package saga

import (
	"context"
	"time"

	"taxfiler/internal/authority"
)

// State is a step of the annual return workflow
type State string

const (
	StateInitiated   State = "INITIATED"
	StateCalculating State = "CALCULATING"
	StateCalculated  State = "CALCULATED"
	StateDeclaring   State = "DECLARING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
)

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateInitiated, StateCalculating, StateCalculated, StateDeclaring, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Saga is the persisted record of one annual return for a taxpayer and tax year
type Saga struct {
	ID                   string                       `json:"id"`
	TaxpayerID           string                       `json:"taxpayer_id"`
	TaxYear              string                       `json:"tax_year"`
	State                State                        `json:"state"`
	CalculationReference string                       `json:"calculation_reference,omitempty"`
	CalculationResult    *authority.CalculationResult `json:"calculation_result,omitempty"`
	Declaration          *authority.Declaration       `json:"declaration,omitempty"`
	ChargeReference      string                       `json:"charge_reference,omitempty"`
	FailureReason        string                       `json:"failure_reason,omitempty"`
	// FailedFrom is the state the saga was in when it failed; Resume returns it there
	FailedFrom     State     `json:"failed_from,omitempty"`
	CalculationKey string    `json:"-"`
	DeclarationKey string    `json:"-"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a deep copy
func (s *Saga) Clone() *Saga {
	if s == nil {
		return nil
	}
	c := *s
	if s.CalculationResult != nil {
		r := *s.CalculationResult
		c.CalculationResult = &r
	}
	if s.Declaration != nil {
		d := *s.Declaration
		c.Declaration = &d
	}
	return &c
}

// Repository persists sagas. Records are never deleted.
//
// CreateSaga returns DUPLICATE when a non-completed saga already exists for
// the taxpayer and tax year. UpdateSaga writes s only if the stored version is
// expectedVersion, sets s.Version to expectedVersion+1 on success and returns
// VERSION_CONFLICT otherwise. Finders return (nil, nil) when nothing matches.
type Repository interface {
	CreateSaga(ctx context.Context, s *Saga) error
	UpdateSaga(ctx context.Context, s *Saga, expectedVersion int64) error
	GetSaga(ctx context.Context, id string) (*Saga, error)
	FindActiveSaga(ctx context.Context, taxpayerID, taxYear string) (*Saga, error)
	FindLatestSaga(ctx context.Context, taxpayerID, taxYear string) (*Saga, error)
	ListSagas(ctx context.Context, taxpayerID string) ([]*Saga, error)
}

// CalculationAPI is the authority surface the saga drives
type CalculationAPI interface {
	TriggerCalculation(ctx context.Context, token, nino, taxYear, key string) (string, error)
	GetCalculation(ctx context.Context, token, nino, taxYear, calculationID string) (*authority.CalculationResult, error)
	SubmitDeclaration(ctx context.Context, token, nino, taxYear, calculationID string, decl authority.Declaration, key string) (string, error)
}

// TokenSource supplies a bearer token before each authority call
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Locker serialises work on one saga. *locks.LocalLocker and *locks.RedisLocker implement it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
