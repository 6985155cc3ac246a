package authority

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"taxfiler/internal/common/validation"
)

// Pence is a monetary amount in pence. On the wire it is a decimal number of pounds.
type Pence int64

// FromPounds rounds a pound amount to the nearest penny
func FromPounds(pounds float64) Pence {
	return Pence(math.Round(pounds * 100))
}

func (p Pence) String() string {
	sign := ""
	v := int64(p)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (p Pence) MarshalJSON() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pence) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*p = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", b, err)
	}
	*p = FromPounds(f)
	return nil
}

// PeriodUpdate holds the figures for one quarterly self-employment period
type PeriodUpdate struct {
	From        time.Time `json:"periodStartDate" validate:"required"`
	To          time.Time `json:"periodEndDate" validate:"required,gtfield=From"`
	Turnover    Pence     `json:"turnover" validate:"gte=0"`
	OtherIncome Pence     `json:"other" validate:"gte=0"`
	Expenses    Pence     `json:"consolidatedExpenses" validate:"gte=0"`
}

// Validate checks the period dates and amounts
func (u PeriodUpdate) Validate() error {
	return validation.Struct(u)
}

// PeriodReceipt is the authority's acknowledgement of a period update
type PeriodReceipt struct {
	PeriodID       string `json:"periodId"`
	IdempotencyKey string `json:"-"`
}

// CalculationResult holds the figures of a completed tax calculation
type CalculationResult struct {
	CalculationID string    `json:"calculationId"`
	CalculatedAt  time.Time `json:"calculationTimestamp"`
	TotalIncome   Pence     `json:"totalIncomeReceived"`
	TotalExpenses Pence     `json:"totalAllowableExpenses"`
	TaxableProfit Pence     `json:"taxableProfit"`
	IncomeTax     Pence     `json:"incomeTaxCharged"`
	Class4NIC     Pence     `json:"class4Nics"`
	TotalDue      Pence     `json:"totalIncomeTaxAndNicsDue"`
}

// Declaration is the user's confirmation of the return. Hash identifies the
// declaration text that was shown.
type Declaration struct {
	AcceptedAt time.Time `json:"acceptedAt" validate:"required"`
	Hash       string    `json:"hash" validate:"required,len=64,hexadecimal"`
}

// Validate checks both fields are present and the hash is a SHA-256 hex digest
func (d Declaration) Validate() error {
	return validation.Struct(d)
}

// Business is one entry of the taxpayer's business list
type Business struct {
	BusinessID     string `json:"businessId"`
	TypeOfBusiness string `json:"typeOfBusiness"`
	TradingName    string `json:"tradingName"`
}

// SelfEmployment reports whether the business is a sole-trader business
func (b Business) SelfEmployment() bool {
	return b.TypeOfBusiness == "self-employment"
}
