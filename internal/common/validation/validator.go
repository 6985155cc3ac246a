package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"taxfiler/internal/common/errors"
)

var (
	ninoPattern    = regexp.MustCompile(`^[A-Z]{2}[0-9]{6}[A-D]$`)
	taxYearPattern = regexp.MustCompile(`^([0-9]{4})-([0-9]{2})$`)
)

// IsNINO reports whether s is a well-formed national insurance number
func IsNINO(s string) bool {
	return ninoPattern.MatchString(s)
}

// IsTaxYear reports whether s is a tax year such as 2024-25 where the
// second part is the year after the first.
func IsTaxYear(s string) bool {
	m := taxYearPattern.FindStringSubmatch(s)
	if m == nil {
		return false
	}
	start, _ := strconv.Atoi(m[1])
	end, _ := strconv.Atoi(m[2])
	return (start+1)%100 == end
}

type fieldError struct {
	field string
	msg   string
}

// Validator accumulates validation errors
type Validator struct {
	errors []fieldError
	prefix string
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// NewValidatorWithPrefix creates a validator whose messages start with prefix
func NewValidatorWithPrefix(prefix string) *Validator {
	return &Validator{prefix: prefix}
}

// RequireString validates that a string is not empty
func (v *Validator) RequireString(value, name string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.addError(name, "%s is required", name)
	}
	return v
}

// RequirePositive validates that an integer is positive
func (v *Validator) RequirePositive(value int, name string) *Validator {
	if value <= 0 {
		v.addError(name, "%s must be positive", name)
	}
	return v
}

// RequireNonNegativeAmount validates a money amount in pence
func (v *Validator) RequireNonNegativeAmount(value int64, name string) *Validator {
	if value < 0 {
		v.addError(name, "%s must not be negative", name)
	}
	return v
}

// RequireURL validates that a string is an absolute URL
func (v *Validator) RequireURL(value, name string) *Validator {
	if value == "" {
		v.addError(name, "%s is required", name)
		return v
	}

	u, err := url.Parse(value)
	if err != nil {
		v.addError(name, "%s must be a valid URL: %v", name, err)
		return v
	}

	if u.Scheme == "" || u.Host == "" {
		v.addError(name, "%s must be a complete URL with scheme and host", name)
	}

	return v
}

// RequireOneOf validates that a value is one of the allowed values
func (v *Validator) RequireOneOf(value string, allowed []string, name string) *Validator {
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.addError(name, "%s must be one of: %s", name, strings.Join(allowed, ", "))
	return v
}

// RequireNINO validates a national insurance number
func (v *Validator) RequireNINO(value, name string) *Validator {
	if !IsNINO(value) {
		v.addError(name, "%s must be a national insurance number like QQ123456C", name)
	}
	return v
}

// RequireTaxYear validates a tax year like 2024-25
func (v *Validator) RequireTaxYear(value, name string) *Validator {
	if !IsTaxYear(value) {
		v.addError(name, "%s must be a tax year like 2024-25", name)
	}
	return v
}

// Check records msg against name when ok is false
func (v *Validator) Check(ok bool, name, msg string) *Validator {
	if !ok {
		v.addError(name, "%s %s", name, msg)
	}
	return v
}

func (v *Validator) addError(field, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if v.prefix != "" {
		msg = fmt.Sprintf("%s: %s", v.prefix, msg)
	}
	v.errors = append(v.errors, fieldError{field: field, msg: msg})
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Fields returns the names of every offending field in order
func (v *Validator) Fields() []string {
	fields := make([]string, len(v.errors))
	for i, e := range v.errors {
		fields[i] = e.field
	}
	return fields
}

// Error returns a VALIDATION AppError naming the first offending field, or nil
func (v *Validator) Error() error {
	if !v.HasErrors() {
		return nil
	}

	msgs := make([]string, len(v.errors))
	for i, e := range v.errors {
		msgs[i] = e.msg
	}

	return errors.New(errors.KindValidation, strings.Join(msgs, "; ")).
		WithContext("field", v.errors[0].field)
}

// Merge merges errors from another validator
func (v *Validator) Merge(other *Validator) *Validator {
	if other != nil {
		v.errors = append(v.errors, other.errors...)
	}
	return v
}
