package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// AUTH_TOKENS is required: without it no session can authenticate.
	if cfg.AuthTokens == "" {
		errs = append(errs, ValidationError{
			Field:   "AUTH_TOKENS",
			Message: "required (token=identity:cap|cap,...)",
		})
	} else {
		for _, entry := range strings.Split(cfg.AuthTokens, ",") {
			token, rest, ok := strings.Cut(entry, "=")
			if !ok || token == "" || rest == "" {
				errs = append(errs, ValidationError{
					Field:   "AUTH_TOKENS",
					Message: fmt.Sprintf("malformed entry %q, want token=identity:cap|cap", entry),
				})
			}
		}
	}

	durations := []struct {
		field string
		value string
	}{
		{"AUTH_TIMEOUT", cfg.AuthTimeoutStr},
		{"PING_INTERVAL", cfg.PingIntervalStr},
		{"ACK_TIMEOUT", cfg.AckTimeoutStr},
		{"EXEC_TIMEOUT", cfg.ExecTimeoutStr},
		{"CANCEL_GRACE", cfg.CancelGraceStr},
		{"RETRY_BASE", cfg.RetryBaseStr},
		{"RETRY_MAX", cfg.RetryMaxStr},
		{"RATE_WINDOW", cfg.RateWindowStr},
		{"RETENTION_WINDOW", cfg.RetentionWindowStr},
		{"DRAIN_TIMEOUT", cfg.DrainTimeoutStr},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if parsed <= 0 {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Message: "must be positive",
			})
		}
	}

	if cfg.RetryMax > 0 && cfg.RetryBase > cfg.RetryMax {
		errs = append(errs, ValidationError{
			Field:   "RETRY_BASE",
			Message: fmt.Sprintf("must not exceed RETRY_MAX (%s)", cfg.RetryMaxStr),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
