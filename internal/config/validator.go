package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/manenim/window-limiter/pkg/limiter"
)

// RegisterCustomValidators registers the limiter-specific validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("fallback_mode", validateFallbackMode); err != nil {
		return fmt.Errorf("failed to register fallback_mode validator: %w", err)
	}
	return nil
}

func validateFallbackMode(fl validator.FieldLevel) bool {
	_, err := limiter.ParseFallbackMode(fl.Field().String())
	return err == nil
}

// Validate checks struct tags and the rules that span several fields.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.Backend.Kind != "memory" && c.Backend.Redis.URL == "" {
		return fmt.Errorf("backend.redis.url is required for backend kind %q", c.Backend.Kind)
	}
	if c.Backend.Redis.Algorithm == "file" && c.Backend.Redis.ScriptPath == "" {
		return errors.New("backend.redis.script_path is required when algorithm is file")
	}
	return nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "fallback_mode":
		return fmt.Sprintf("%s must be 'allow', 'deny' or 'raise'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
