package storage

import (
	"time"

	"taxfiler/internal/authority"
	"taxfiler/internal/common/errors"
	"taxfiler/internal/saga"
)

// SagaRow is a saga as stored in a table row. Result and Declaration hold
// sealed JSON or "".
type SagaRow struct {
	ID                   string
	TaxpayerID           string
	TaxYear              string
	State                string
	CalculationReference string
	CalculationResult    string
	Declaration          string
	ChargeReference      string
	FailureReason        string
	FailedFrom           string
	CalculationKey       string
	DeclarationKey       string
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EncodeSaga seals the sensitive parts of s into a row
func EncodeSaga(sealer Sealer, s *saga.Saga) (*SagaRow, error) {
	row := &SagaRow{
		ID:                   s.ID,
		TaxpayerID:           s.TaxpayerID,
		TaxYear:              s.TaxYear,
		State:                string(s.State),
		CalculationReference: s.CalculationReference,
		ChargeReference:      s.ChargeReference,
		FailureReason:        s.FailureReason,
		FailedFrom:           string(s.FailedFrom),
		CalculationKey:       s.CalculationKey,
		DeclarationKey:       s.DeclarationKey,
		Version:              s.Version,
		CreatedAt:            s.CreatedAt.UTC(),
		UpdatedAt:            s.UpdatedAt.UTC(),
	}

	if s.CalculationResult != nil {
		sealed, err := sealer.EncryptJSON(s.CalculationResult)
		if err != nil {
			return nil, errors.InternalError("failed to seal calculation result", err)
		}
		row.CalculationResult = sealed
	}
	if s.Declaration != nil {
		sealed, err := sealer.EncryptJSON(s.Declaration)
		if err != nil {
			return nil, errors.InternalError("failed to seal declaration", err)
		}
		row.Declaration = sealed
	}
	return row, nil
}

// DecodeSaga reverses EncodeSaga
func DecodeSaga(sealer Sealer, row *SagaRow) (*saga.Saga, error) {
	s := &saga.Saga{
		ID:                   row.ID,
		TaxpayerID:           row.TaxpayerID,
		TaxYear:              row.TaxYear,
		State:                saga.State(row.State),
		CalculationReference: row.CalculationReference,
		ChargeReference:      row.ChargeReference,
		FailureReason:        row.FailureReason,
		FailedFrom:           saga.State(row.FailedFrom),
		CalculationKey:       row.CalculationKey,
		DeclarationKey:       row.DeclarationKey,
		Version:              row.Version,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}

	if row.CalculationResult != "" {
		var result authority.CalculationResult
		if err := sealer.DecryptJSON(row.CalculationResult, &result); err != nil {
			return nil, errors.InternalError("failed to open calculation result of saga "+row.ID, err)
		}
		s.CalculationResult = &result
	}
	if row.Declaration != "" {
		var decl authority.Declaration
		if err := sealer.DecryptJSON(row.Declaration, &decl); err != nil {
			return nil, errors.InternalError("failed to open declaration of saga "+row.ID, err)
		}
		s.Declaration = &decl
	}
	return s, nil
}

// TimeLayout is the fixed-width layout used for timestamps stored as text.
// Fixed width keeps lexical and chronological order the same.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reverses FormatTime
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
