package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags and the rules that cannot be expressed in them
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 && cfg.Metrics.Port == cfg.Server.Port {
		return fmt.Errorf("metrics.port: %d is already used by server.port", cfg.Metrics.Port)
	}

	if cfg.Static.Dir != "" {
		fi, err := os.Stat(cfg.Static.Dir)
		if err != nil {
			return fmt.Errorf("static.dir: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("static.dir: %s is not a directory", cfg.Static.Dir)
		}
	}
	return nil
}

// formatValidationError reports the first failed field
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
