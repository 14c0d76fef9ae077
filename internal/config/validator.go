package config

import (
	"fmt"
	"regexp"
	"strings"
)

const minSecretLength = 16

var applicationPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateApplication validates the application name clients must send.
func (v *Validator) ValidateApplication(name string) error {
	if name == "" {
		return fmt.Errorf("application name cannot be empty")
	}
	if !applicationPattern.MatchString(name) {
		return fmt.Errorf("invalid application name %q (lowercase letters, digits, - and _)", name)
	}
	return nil
}

// ValidatePort validates a TCP port.
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSharedSecret validates the transport secret. Empty disables it.
func (v *Validator) ValidateSharedSecret(secret string) error {
	if secret == "" {
		return nil
	}
	if len(secret) < minSecretLength {
		return fmt.Errorf("shared secret must be at least %d characters", minSecretLength)
	}
	return nil
}

// ValidateTransport validates the client transport kind.
func (v *Validator) ValidateTransport(transport string) error {
	return oneOf("transport", transport, "http", "ws")
}

// ValidateCodec validates a wire codec name.
func (v *Validator) ValidateCodec(codec string) error {
	return oneOf("codec", codec, "json", "cbor")
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

func oneOf(what, value string, valid ...string) error {
	for _, candidate := range valid {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", what, value, strings.Join(valid, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error
	add := func(section string, err error) {
		if err != nil {
			errors = append(errors, fmt.Errorf("%s: %w", section, err))
		}
	}

	s := cfg.Server
	add("server", v.ValidateApplication(s.Application))
	add("server", v.ValidatePort(s.Port))
	if s.ActivityWindow <= 0 {
		add("server", fmt.Errorf("activity_window must be positive, got %d", s.ActivityWindow))
	}
	if s.WatchdogPeriod <= 0 {
		add("server", fmt.Errorf("watchdog_period must be positive, got %d", s.WatchdogPeriod))
	} else if s.WatchdogPeriod > s.ActivityWindow {
		add("server", fmt.Errorf("watchdog_period (%ds) exceeds activity_window (%ds)", s.WatchdogPeriod, s.ActivityWindow))
	}
	if s.AsyncWorkers <= 0 {
		add("server", fmt.Errorf("async_workers must be positive, got %d", s.AsyncWorkers))
	}
	if s.AsyncQueueSize < 0 {
		add("server", fmt.Errorf("async_queue_size must be >= 0"))
	}
	if s.RequestsPerMinute < 0 || s.MaxConcurrent < 0 {
		add("server", fmt.Errorf("rate limits must be >= 0"))
	}
	add("server", v.ValidateSharedSecret(s.SharedSecret))

	if strings.TrimSpace(cfg.Database.Path) == "" {
		add("database", fmt.Errorf("path is required"))
	}
	if cfg.Database.LargeBalance < 0 {
		add("database", fmt.Errorf("large_balance must be >= 0"))
	}

	add("client", v.ValidateTransport(cfg.Client.Transport))
	add("client", v.ValidateCodec(cfg.Client.Codec))
	if cfg.Client.PingDivisor < 1 {
		add("client", fmt.Errorf("ping_divisor must be at least 1, got %d", cfg.Client.PingDivisor))
	}

	add("logging", v.ValidateLogLevel(cfg.Logging.Level))
	return errors
}
