// Package authority is the HTTP client for the tax authority's
// self-assessment API. Every call runs through an Invoker which owns
// retry, rate limiting and circuit breaking; the client only classifies
// responses into error kinds the invoker understands.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"taxfiler/internal/common/errors"
	commonhttp "taxfiler/internal/common/http"
	"taxfiler/internal/common/logging"
)

const (
	acceptHeader      = "application/vnd.hmrc.1.0+json"
	idempotencyHeader = "Idempotency-Key"
	// codeNotReady is returned while a triggered calculation is still running
	codeNotReady = "MATCHING_RESOURCE_NOT_FOUND"
)

// Invoker executes a call with retry and circuit breaking. *resilience.Invoker implements it.
type Invoker interface {
	Execute(ctx context.Context, op string, call func(ctx context.Context) error) error
}

// Client talks to the authority API at baseURL
type Client struct {
	baseURL string
	invoker Invoker
	http    *http.Client
	logger  logging.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger overrides the logger
func WithLogger(l logging.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a Client
func NewClient(baseURL string, invoker Invoker, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		invoker: invoker,
		http:    commonhttp.NewHTTPClient(),
		logger:  logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithFields(logging.Field{Key: "component", Value: "authority_client"})
	return c
}

// TriggerCalculation asks the authority to compute the final calculation for
// taxYear and returns its calculation id.
func (c *Client) TriggerCalculation(ctx context.Context, token, nino, taxYear, key string) (string, error) {
	var resp struct {
		CalculationID string `json:"calculationId"`
	}
	path := fmt.Sprintf("/individuals/calculations/%s/self-assessment/%s/trigger", url.PathEscape(nino), url.PathEscape(taxYear))
	if err := c.do(ctx, "trigger_calculation", request{
		method: http.MethodPost,
		path:   path,
		token:  token,
		key:    key,
		body:   map[string]bool{"finalDeclaration": true},
		out:    &resp,
	}); err != nil {
		return "", err
	}
	if resp.CalculationID == "" {
		return "", errors.New(errors.KindInternal, "authority returned no calculation id")
	}
	return resp.CalculationID, nil
}

// GetCalculation fetches the result of a triggered calculation. A calculation
// that is still running is reported as AUTHORITY_UNAVAILABLE so it is retried.
func (c *Client) GetCalculation(ctx context.Context, token, nino, taxYear, calculationID string) (*CalculationResult, error) {
	var result CalculationResult
	path := fmt.Sprintf("/individuals/calculations/%s/self-assessment/%s/%s",
		url.PathEscape(nino), url.PathEscape(taxYear), url.PathEscape(calculationID))
	if err := c.do(ctx, "get_calculation", request{
		method:        http.MethodGet,
		path:          path,
		token:         token,
		out:           &result,
		notReadyRetry: true,
	}); err != nil {
		return nil, err
	}
	if result.CalculationID == "" {
		result.CalculationID = calculationID
	}
	return &result, nil
}

// SubmitDeclaration files the final declaration against a calculation and
// returns the charge reference.
func (c *Client) SubmitDeclaration(ctx context.Context, token, nino, taxYear, calculationID string, decl Declaration, key string) (string, error) {
	var resp struct {
		ChargeReference string `json:"chargeReference"`
	}
	path := fmt.Sprintf("/individuals/calculations/%s/self-assessment/%s/%s/final-declaration",
		url.PathEscape(nino), url.PathEscape(taxYear), url.PathEscape(calculationID))
	if err := c.do(ctx, "submit_declaration", request{
		method: http.MethodPost,
		path:   path,
		token:  token,
		key:    key,
		body: map[string]interface{}{
			"declarationAcceptedAt": decl.AcceptedAt.UTC(),
			"declarationHash":       decl.Hash,
		},
		out: &resp,
	}); err != nil {
		return "", err
	}
	if resp.ChargeReference == "" {
		c.logger.Warn("Declaration accepted without a charge reference", logging.Field{Key: "calculation_id", Value: calculationID})
	}
	return resp.ChargeReference, nil
}

type periodBody struct {
	PeriodDates struct {
		Start string `json:"periodStartDate"`
		End   string `json:"periodEndDate"`
	} `json:"periodDates"`
	PeriodIncome struct {
		Turnover Pence `json:"turnover"`
		Other    Pence `json:"other"`
	} `json:"periodIncome"`
	PeriodExpenses struct {
		ConsolidatedExpenses Pence `json:"consolidatedExpenses"`
	} `json:"periodExpenses"`
}

// SubmitPeriodUpdate files one quarterly update for a self-employment business
func (c *Client) SubmitPeriodUpdate(ctx context.Context, token, nino, businessID string, update PeriodUpdate, key string) (*PeriodReceipt, error) {
	var body periodBody
	body.PeriodDates.Start = update.From.Format("2006-01-02")
	body.PeriodDates.End = update.To.Format("2006-01-02")
	body.PeriodIncome.Turnover = update.Turnover
	body.PeriodIncome.Other = update.OtherIncome
	body.PeriodExpenses.ConsolidatedExpenses = update.Expenses

	var receipt PeriodReceipt
	path := fmt.Sprintf("/individuals/business/self-employment/%s/%s/period", url.PathEscape(nino), url.PathEscape(businessID))
	if err := c.do(ctx, "submit_period", request{
		method: http.MethodPost,
		path:   path,
		token:  token,
		key:    key,
		body:   body,
		out:    &receipt,
	}); err != nil {
		return nil, err
	}
	receipt.IdempotencyKey = key
	return &receipt, nil
}

// GetBusinessDetails lists the taxpayer's businesses
func (c *Client) GetBusinessDetails(ctx context.Context, token, nino string) ([]Business, error) {
	var resp struct {
		Businesses []Business `json:"listOfBusinesses"`
	}
	path := fmt.Sprintf("/individuals/business/details/%s/list", url.PathEscape(nino))
	if err := c.do(ctx, "list_businesses", request{
		method: http.MethodGet,
		path:   path,
		token:  token,
		out:    &resp,
	}); err != nil {
		return nil, err
	}
	return resp.Businesses, nil
}

type request struct {
	method        string
	path          string
	token         string
	key           string
	body          interface{}
	out           interface{}
	notReadyRetry bool
}

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Errors  []errorBody `json:"errors"`
}

func (c *Client) do(ctx context.Context, op string, r request) error {
	var payload []byte
	if r.body != nil {
		var err error
		payload, err = json.Marshal(r.body)
		if err != nil {
			return errors.InternalError("failed to encode request", err)
		}
	}

	return c.invoker.Execute(ctx, op, func(ctx context.Context) error {
		return c.send(ctx, op, r, payload)
	})
}

func (c *Client) send(ctx context.Context, op string, r request, payload []byte) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return errors.InternalError("failed to create request", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Authorization", "Bearer "+r.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.key != "" {
		req.Header.Set(idempotencyHeader, r.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		switch ctx.Err() {
		case context.Canceled:
			return errors.Wrap(errors.KindCancelled, op+" cancelled", err)
		case context.DeadlineExceeded:
			return errors.Wrap(errors.KindTimeout, op+" timed out", err)
		}
		return errors.Wrap(errors.KindAuthorityUnavailable, "authority unreachable", err)
	}
	respBody, err := commonhttp.ReadBody(resp)
	if err != nil {
		return errors.Wrap(errors.KindAuthorityUnavailable, "failed to read authority response", err)
	}

	c.logger.Debug("Authority call",
		logging.Field{Key: "op", Value: op},
		logging.Field{Key: "status", Value: resp.StatusCode},
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if r.out != nil && len(bytes.TrimSpace(respBody)) > 0 {
			if err := json.Unmarshal(respBody, r.out); err != nil {
				return errors.InternalError("failed to decode authority response", err)
			}
		}
		return nil
	}
	return classify(resp.StatusCode, respBody, r.notReadyRetry)
}

// classify maps a non-2xx response to an error kind. Only the transient
// family is retryable.
func classify(status int, body []byte, notReadyRetry bool) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	if len(eb.Errors) > 0 && (eb.Code == "" || eb.Code == "INVALID_REQUEST") {
		eb.Code, eb.Message = eb.Errors[0].Code, eb.Errors[0].Message
	}
	if eb.Message == "" {
		eb.Message = fmt.Sprintf("authority returned %d", status)
	}

	var appErr *errors.AppError
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		appErr = errors.New(errors.KindAuthRejected, eb.Message)
	case commonhttp.IsRetryableStatus(status):
		appErr = errors.New(errors.KindAuthorityUnavailable, eb.Message)
	case status == http.StatusNotFound && notReadyRetry && eb.Code == codeNotReady:
		appErr = errors.New(errors.KindAuthorityUnavailable, "calculation not ready yet")
	default:
		appErr = errors.New(errors.KindAuthorityRejected, eb.Message)
	}
	return appErr.WithCode(eb.Code).WithContext("status", status)
}
