package validation

import (
	stderrors "errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"taxfiler/internal/common/errors"
)

var (
	structValidator *validator.Validate
	structOnce      sync.Once
)

func structs() *validator.Validate {
	structOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = v.RegisterValidation("nino", func(fl validator.FieldLevel) bool {
			return IsNINO(fl.Field().String())
		})
		_ = v.RegisterValidation("tax_year", func(fl validator.FieldLevel) bool {
			return IsTaxYear(fl.Field().String())
		})
		structValidator = v
	})
	return structValidator
}

// Struct validates s against its `validate` tags. The first failing field is
// reported as a VALIDATION AppError using the field's json name.
func Struct(s interface{}) error {
	err := structs().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return errors.Wrap(errors.KindValidation, "invalid input", err)
	}

	v := NewValidator()
	for _, fe := range fieldErrs {
		v.addError(fe.Field(), "%s", describe(fe))
	}
	return v.Error()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "nino":
		return fe.Field() + " must be a national insurance number like QQ123456C"
	case "tax_year":
		return fe.Field() + " must be a tax year like 2024-25"
	case "min", "gte":
		return fe.Field() + " must be at least " + fe.Param()
	case "gtfield":
		return fe.Field() + " must be after " + fe.Param()
	case "len":
		return fe.Field() + " must have length " + fe.Param()
	case "hexadecimal":
		return fe.Field() + " must be hexadecimal"
	default:
		return fe.Field() + " failed " + fe.Tag()
	}
}
