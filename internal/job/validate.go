package job

import (
	"autofigure/internal/apperrors"
	"autofigure/internal/artifact"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// requestValidator checks submissions against the struct tags on Request.
type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &requestValidator{validate: v}
}

// Validate returns an apperrors validation error for the first failing field.
func (v *requestValidator) Validate(req *Request) error {
	if err := v.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := fieldPath(fe.Namespace())
			return apperrors.Validation(field, fmt.Sprintf("%s %s", field, describeTag(fe)))
		}
		return apperrors.Validation("", err.Error())
	}

	if strings.TrimSpace(req.Text) == "" {
		return apperrors.Validation("text", "text is required")
	}
	if req.ReferenceImage != "" {
		if err := artifact.ValidatePath(req.ReferenceImage); err != nil {
			return apperrors.Validation("referenceImage", fmt.Sprintf("referenceImage %v", err))
		}
	}
	return nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("exceeds maximum of %s", fe.Param())
	case "min":
		return fmt.Sprintf("is below minimum of %s", fe.Param())
	case "http_url":
		return "must be an http or https URL"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}
