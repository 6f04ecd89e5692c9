package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// safeIDPattern bounds ids that end up in work-file names and object keys.
var safeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("safeid", func(fl validator.FieldLevel) bool {
		return IsSafeID(fl.Field().String())
	})
	return v
}

// IsSafeID reports whether id is usable as a path segment as is.
func IsSafeID(id string) bool {
	return safeIDPattern.MatchString(id)
}

// Validate checks struct tags on v and joins every failure into one error.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s (param: %s)", msg, fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return errors.New(strings.Join(msgs, "; "))
}
