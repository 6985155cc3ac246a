package authority

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/resilience"
)

const (
	testNINO    = "QQ123456C"
	testTaxYear = "2024-25"
)

func testInvoker() *resilience.Invoker {
	return resilience.NewInvoker("authority-test", resilience.Config{
		Retry: resilience.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2,
		},
		Breaker: resilience.BreakerConfig{MaxFailures: 10, Timeout: time.Second, MaxConcurrentRequests: 1},
	}, nil)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL+"/", testInvoker())
}

func TestClient_TriggerCalculation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/individuals/calculations/QQ123456C/self-assessment/2024-25/trigger", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, acceptHeader, r.Header.Get("Accept"))
		assert.Equal(t, "key-1", r.Header.Get(idempotencyHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"calculationId":"CALC-001"}`))
	})

	id, err := client.TriggerCalculation(context.Background(), "tok", testNINO, testTaxYear, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "CALC-001", id)
}

func TestClient_TriggerCalculation_NoID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.TriggerCalculation(context.Background(), "tok", testNINO, testTaxYear, "")
	assert.Equal(t, errors.KindInternal, errors.KindOf(err))
}

func TestClient_GetCalculation_RetriesUntilReady(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.Header.Get(idempotencyHeader))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"MATCHING_RESOURCE_NOT_FOUND","message":"not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"calculationId": "CALC-001",
			"calculationTimestamp": "2025-01-20T10:00:00Z",
			"totalIncomeReceived": 42000.50,
			"totalAllowableExpenses": 2000,
			"taxableProfit": 40000.50,
			"incomeTaxCharged": 5486.10,
			"class4Nics": 1820.02,
			"totalIncomeTaxAndNicsDue": 7306.12
		}`))
	})

	result, err := client.GetCalculation(context.Background(), "tok", testNINO, testTaxYear, "CALC-001")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, Pence(4200050), result.TotalIncome)
	assert.Equal(t, Pence(730612), result.TotalDue)
	assert.Equal(t, "7306.12", result.TotalDue.String())
}

func TestClient_SubmitDeclaration(t *testing.T) {
	accepted := time.Date(2025, 1, 20, 10, 30, 0, 0, time.UTC)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/individuals/calculations/QQ123456C/self-assessment/2024-25/CALC-001/final-declaration", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2025-01-20T10:30:00Z", body["declarationAcceptedAt"])
		assert.Equal(t, "abc", body["declarationHash"])
		_, _ = w.Write([]byte(`{"chargeReference":"XM002610011594"}`))
	})

	ref, err := client.SubmitDeclaration(context.Background(), "tok", testNINO, testTaxYear, "CALC-001",
		Declaration{AcceptedAt: accepted, Hash: "abc"}, "decl-key")
	require.NoError(t, err)
	assert.Equal(t, "XM002610011594", ref)
}

func TestClient_SubmitPeriodUpdate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/individuals/business/self-employment/QQ123456C/XAIS12345678901/period", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{
			"periodDates": {"periodStartDate": "2024-04-06", "periodEndDate": "2024-07-05"},
			"periodIncome": {"turnover": 12500.00, "other": 0.00},
			"periodExpenses": {"consolidatedExpenses": 830.45}
		}`, string(raw))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"periodId":"2024-04-06_2024-07-05"}`))
	})

	update := PeriodUpdate{
		From:     time.Date(2024, 4, 6, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2024, 7, 5, 0, 0, 0, 0, time.UTC),
		Turnover: 1250000,
		Expenses: 83045,
	}
	receipt, err := client.SubmitPeriodUpdate(context.Background(), "tok", testNINO, "XAIS12345678901", update, "period-key")
	require.NoError(t, err)
	assert.Equal(t, "2024-04-06_2024-07-05", receipt.PeriodID)
	assert.Equal(t, "period-key", receipt.IdempotencyKey)
}

func TestClient_GetBusinessDetails(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/individuals/business/details/QQ123456C/list", r.URL.Path)
		_, _ = w.Write([]byte(`{"listOfBusinesses":[
			{"typeOfBusiness":"uk-property","businessId":"XPIS1"},
			{"typeOfBusiness":"self-employment","businessId":"XAIS12345678901","tradingName":"Acme"}
		]}`))
	})

	businesses, err := client.GetBusinessDetails(context.Background(), "tok", testNINO)
	require.NoError(t, err)
	require.Len(t, businesses, 2)
	assert.False(t, businesses[0].SelfEmployment())
	assert.True(t, businesses[1].SelfEmployment())
	assert.Equal(t, "Acme", businesses[1].TradingName)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  errors.Kind
		wantCode  string
		wantCalls int32
	}{
		{"unauthorized", http.StatusUnauthorized, `{"code":"INVALID_CREDENTIALS","message":"Invalid Authentication information provided"}`, errors.KindAuthRejected, "INVALID_CREDENTIALS", 1},
		{"forbidden", http.StatusForbidden, `{"code":"CLIENT_OR_AGENT_NOT_AUTHORISED","message":"no"}`, errors.KindAuthRejected, "CLIENT_OR_AGENT_NOT_AUTHORISED", 1},
		{"business rule", http.StatusBadRequest, `{"code":"RULE_DUPLICATE_SUBMISSION","message":"duplicate"}`, errors.KindAuthorityRejected, "RULE_DUPLICATE_SUBMISSION", 1},
		{"nested errors", http.StatusBadRequest, `{"code":"INVALID_REQUEST","message":"invalid","errors":[{"code":"FORMAT_NINO","message":"bad nino"}]}`, errors.KindAuthorityRejected, "FORMAT_NINO", 1},
		{"plain not found", http.StatusNotFound, `{"code":"MATCHING_RESOURCE_NOT_FOUND","message":"nope"}`, errors.KindAuthorityRejected, "MATCHING_RESOURCE_NOT_FOUND", 1},
		{"server error retried", http.StatusServiceUnavailable, `{"code":"SERVER_ERROR","message":"down"}`, errors.KindAuthorityUnavailable, "SERVER_ERROR", 3},
		{"rate limited retried", http.StatusTooManyRequests, ``, errors.KindAuthorityUnavailable, "", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.GetBusinessDetails(context.Background(), "tok", testNINO)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errors.KindOf(err))
			appErr, _ := errors.As(err)
			assert.Equal(t, tt.wantCode, appErr.Code)
			assert.Equal(t, tt.status, appErr.Context["status"])
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL
	server.Close()

	client := NewClient(base, testInvoker())
	_, err := client.GetBusinessDetails(context.Background(), "tok", testNINO)
	assert.Equal(t, errors.KindAuthorityUnavailable, errors.KindOf(err))
}

func TestClient_Cancelled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := client.GetBusinessDetails(ctx, "tok", testNINO)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
}
