package connector

import (
	"fmt"
	"strconv"
	"time"

	"github.com/teranos/sluice/errors"
)

// Config is a connection's connector-specific options, decoded from JSON or
// YAML. Each connector validates the keys it needs in its factory.
type Config map[string]any

// String returns the value of key, or "" when absent.
func (c Config) String(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// RequireString returns key or a ConfigurationError naming it.
func (c Config) RequireString(key string) (string, error) {
	s := c.String(key)
	if s == "" {
		return "", errors.NewConfigurationError(key, "is required")
	}
	return s, nil
}

// Int returns key as an int, or def when absent or unparseable.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns key as a bool, or def when absent or unparseable.
func (c Config) Bool(key string, def bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Duration parses key with time.ParseDuration, or returns def.
func (c Config) Duration(key string, def time.Duration) (time.Duration, error) {
	s := c.String(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.NewConfigurationError(key, "invalid duration %q", s)
	}
	return d, nil
}

// Strings returns key as a string list. A single string becomes a one-item list.
func (c Config) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}
