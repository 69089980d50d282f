package dto

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// Tool type names are registry keys, so the binding layer only checks the
// identifier shape. Whether the tool exists is decided at dispatch time.
var toolTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// RegisterValidations installs the custom binding validations on the
// engine gin uses for request structs.
func RegisterValidations(v *validator.Validate) error {
	return v.RegisterValidation("tooltype", func(fl validator.FieldLevel) bool {
		return toolTypePattern.MatchString(fl.Field().String())
	})
}
