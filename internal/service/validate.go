package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"

	"ledgerdesk/backend/internal/apperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs the struct tags and reports the first failing field
// as a ValidationError named after its json key.
func validateStruct(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperr.Validation("", "invalid request")
	}
	fieldErr := fieldErrs[0]
	field := fieldNamespace(fieldErr.Namespace())
	switch fieldErr.Tag() {
	case "required":
		return apperr.Validation(field, "is required")
	case "email":
		return apperr.Validation(field, "must be a valid email")
	case "url":
		return apperr.Validation(field, "must be a valid url")
	case "min", "gte":
		return apperr.Validation(field, "must be at least %s", fieldErr.Param())
	case "max", "lte":
		return apperr.Validation(field, "must be at most %s", fieldErr.Param())
	default:
		return apperr.Validation(field, "failed %s check", fieldErr.Tag())
	}
}

// fieldNamespace drops the struct name from "CreateInvoiceRequest.items[0].quantity".
func fieldNamespace(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// normalizePhone returns phone in E.164 form, parsed against region when it
// carries no country code. An empty phone stays empty.
func normalizePhone(phone string, region string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", nil
	}
	p, err := libphonenumber.Parse(phone, region)
	if err != nil {
		return "", apperr.Validation("phone", "invalid phone number")
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", apperr.Validation("phone", "invalid phone number for region %s", region)
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}
