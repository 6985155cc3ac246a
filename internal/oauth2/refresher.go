package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taxfiler/internal/common/errors"
	commonhttp "taxfiler/internal/common/http"
	"taxfiler/internal/common/logging"
	"taxfiler/internal/resilience"
)

// TokenRefresher exchanges the refresh token in set for a new token set
type TokenRefresher interface {
	Refresh(ctx context.Context, set *TokenSet) (*TokenSet, error)
}

// RefresherConfig identifies the client at the token endpoint
type RefresherConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// HTTPRefresher performs the refresh_token grant over HTTP behind a circuit breaker
type HTTPRefresher struct {
	config  RefresherConfig
	client  *http.Client
	breaker *resilience.Breaker
	now     func() time.Time
}

// RefresherOption configures an HTTPRefresher
type RefresherOption func(*HTTPRefresher)

// WithHTTPClient replaces the default client (30s timeout)
func WithHTTPClient(c *http.Client) RefresherOption {
	return func(r *HTTPRefresher) { r.client = c }
}

// WithRefresherClock overrides the issuance timestamp source
func WithRefresherClock(now func() time.Time) RefresherOption {
	return func(r *HTTPRefresher) { r.now = now }
}

// NewHTTPRefresher creates a refresher for the given endpoint
func NewHTTPRefresher(config RefresherConfig, opts ...RefresherOption) *HTTPRefresher {
	r := &HTTPRefresher{
		config:  config,
		client:  commonhttp.NewHTTPClient(),
		breaker: resilience.NewBreaker("oauth-token", resilience.OAuthBreaker, logging.GetGlobalLogger()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

type tokenErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Refresh posts grant_type=refresh_token. A rejected grant is AUTH_REJECTED;
// endpoint trouble is AUTHORITY_UNAVAILABLE or CONNECTION.
func (r *HTTPRefresher) Refresh(ctx context.Context, set *TokenSet) (*TokenSet, error) {
	if set == nil || set.RefreshToken == "" {
		return nil, errors.New(errors.KindAuthRejected, "no refresh token available")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", set.RefreshToken)
	form.Set("client_id", r.config.ClientID)
	form.Set("client_secret", r.config.ClientSecret)

	var fresh *TokenSet
	err := r.breaker.Execute(func() error {
		var err error
		fresh, err = r.post(ctx, form)
		return err
	})
	if err != nil {
		return nil, err
	}

	if fresh.RefreshToken == "" {
		fresh.RefreshToken = set.RefreshToken
	}
	if fresh.Scope == "" {
		fresh.Scope = set.Scope
	}
	return fresh, nil
}

func (r *HTTPRefresher) post(ctx context.Context, form url.Values) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.InternalError("failed to create token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.KindTimeout, "token request interrupted", err)
		}
		return nil, errors.ConnectionError("token endpoint unreachable", err)
	}
	body, err := commonhttp.ReadBody(resp)
	if err != nil {
		return nil, errors.ConnectionError("failed to read token response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case commonhttp.IsRetryableStatus(resp.StatusCode):
		return nil, errors.Newf(errors.KindAuthorityUnavailable, "token endpoint returned %d", resp.StatusCode)
	default:
		var oauthErr tokenErrorResponse
		_ = json.Unmarshal(body, &oauthErr)
		msg := fmt.Sprintf("token endpoint returned %d", resp.StatusCode)
		if oauthErr.Description != "" {
			msg = oauthErr.Description
		}
		return nil, errors.New(errors.KindAuthRejected, msg).WithCode(oauthErr.Error)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, errors.InternalError("failed to decode token response", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New(errors.KindAuthRejected, "token response has no access_token")
	}
	if tr.TokenType == "" {
		tr.TokenType = "bearer"
	}

	return &TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    tr.ExpiresIn,
		IssuedAt:     r.now(),
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
	}, nil
}
