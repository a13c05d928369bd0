// Package validator provides request validation using go-playground/validator.
package validator

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"reservation-service/internal/domain"
)

// Validator wraps the go-playground validator with custom configuration.
type Validator struct {
	v *validator.Validate
}

// ValidationError represents a single field validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, e := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(e.Message)
	}
	return sb.String()
}

// New creates a new Validator instance with custom tag name and validations.
func New() *Validator {
	v := validator.New()

	// Use JSON tag names for field names in errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("date", layoutValidator(domain.DateLayout))
	_ = v.RegisterValidation("clock", layoutValidator(domain.ClockLayout))

	return &Validator{v: v}
}

// layoutValidator accepts strings that parse with the given time layout.
func layoutValidator(layout string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		_, err := time.Parse(layout, fl.Field().String())
		return err == nil
	}
}

// Validate validates the given struct and returns ValidationErrors if invalid.
func (v *Validator) Validate(i any) error {
	err := v.v.Struct(i)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	var errs ValidationErrors
	for _, e := range fieldErrs {
		errs = append(errs, ValidationError{
			Field:   e.Field(),
			Tag:     e.Tag(),
			Value:   fmt.Sprintf("%v", e.Value()),
			Message: formatErrorMessage(e),
		})
	}

	return errs
}

// formatErrorMessage generates a human-readable error message.
func formatErrorMessage(e validator.FieldError) string {
	field := e.Field()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "uuid":
		return fmt.Sprintf("%s must be a valid UUID", field)
	case "date":
		return fmt.Sprintf("%s must be a date formatted as YYYY-MM-DD", field)
	case "clock":
		return fmt.Sprintf("%s must be a time formatted as HH:MM", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
