// Package config provides shared configuration loading helpers.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseEnvFrom loads configuration for the listed keys from lookup instead
// of the process environment. A nil lookup reads the process environment,
// so commands can inject their environment in tests.
func ParseEnvFrom(target any, lookup func(string) (string, bool), keys ...string) error {
	if lookup == nil {
		return ParseEnv(target)
	}
	environ := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := lookup(key); ok {
			environ[key] = value
		}
	}
	if err := env.ParseWithOptions(target, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
