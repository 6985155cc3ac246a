package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "kind prefix",
			appError: New(KindNINORequired, "national insurance number is not set"),
			want:     "NINO_REQUIRED: national insurance number is not set",
		},
		{
			name:     "authority code",
			appError: New(KindAuthorityRejected, "duplicate submission").WithCode("RULE_DUPLICATE_SUBMISSION"),
			want:     "AUTHORITY_REJECTED: duplicate submission: code=RULE_DUPLICATE_SUBMISSION",
		},
		{
			name:     "with cause",
			appError: Wrap(KindRefreshFailed, "token refresh failed", errors.New("invalid_grant")),
			want:     "REFRESH_FAILED: token refresh failed: cause=invalid_grant",
		},
		{
			name:     "validation field context",
			appError: Validation("tax_year", "must look like 2024-25"),
			want:     "VALIDATION: tax_year: must look like 2024-25: context={field=tax_year}",
		},
		{
			name: "context keys sorted",
			appError: New(KindInternal, "boom").
				WithContext("saga_id", "abc").
				WithContext("attempt", 2),
			want: "INTERNAL: boom: context={attempt=2, saga_id=abc}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("AppError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOf_WrappedChain(t *testing.T) {
	base := New(KindTokenExpired, "access token expired")
	wrapped := fmt.Errorf("calculation step: %w", base)

	if got := KindOf(wrapped); got != KindTokenExpired {
		t.Errorf("KindOf() = %s, want %s", got, KindTokenExpired)
	}
	if !IsKind(wrapped, KindAuthRejected, KindTokenExpired) {
		t.Error("IsKind() should match one of the listed kinds")
	}
	if IsKind(nil, KindTokenExpired) {
		t.Error("IsKind(nil) should be false")
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindInternal)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{New(KindAuthorityUnavailable, "503"), true},
		{ConnectionError("dial", errors.New("refused")), true},
		{TimeoutError("calculation"), true},
		{RateLimitError("authority"), true},
		{New(KindAuthorityRejected, "bad figures"), false},
		{New(KindAuthRejected, "401"), false},
		{errors.New("plain"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestConstructorTypes(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		typ  ErrorType
		kind Kind
	}{
		{"connection", ConnectionError("x", nil), ErrTypeConnection, KindConnection},
		{"validation", ValidationError("x"), ErrTypeValidation, KindValidation},
		{"config", ConfigError("x"), ErrTypeConfig, KindConfig},
		{"auth", AuthError("x"), ErrTypeAuth, KindAuthFailed},
		{"not found", NotFoundError("saga"), ErrTypeNotFound, KindNotFound},
		{"internal", InternalError("x", nil), ErrTypeInternal, KindInternal},
		{"timeout", TimeoutError("x"), ErrTypeTimeout, KindTimeout},
		{"rate limit", RateLimitError("x"), ErrTypeRateLimit, KindAuthorityUnavailable},
		{"state", New(KindVersionConflict, "x"), ErrTypeState, KindVersionConflict},
		{"unknown kind", New(Kind("SOMETHING_ELSE"), "x"), ErrTypeInternal, Kind("SOMETHING_ELSE")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.typ {
				t.Errorf("Type = %s, want %s", tt.err.Type, tt.typ)
			}
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", tt.err.Kind, tt.kind)
			}
			if !IsType(tt.err, tt.typ) {
				t.Errorf("IsType(%s) should be true", tt.typ)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindAuthorityUnavailable, "submit declaration", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if GetType(fmt.Errorf("outer: %w", err)) != ErrTypeAuthority {
		t.Error("GetType should see through wrapping")
	}
	if GetType(nil) != "" {
		t.Error("GetType(nil) should be empty")
	}
}
