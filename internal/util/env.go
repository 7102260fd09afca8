package util

import (
	"log/slog"
	"os"
	"strings"
)

// ParseBoolEnv reads a boolean environment variable, accepting the usual
// spellings (true/1/yes/on, false/0/no/off, case-insensitive). Unset or
// unparseable values fall back to the default.
func ParseBoolEnv(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("ParseBoolEnv: unparseable boolean value, using fallback", "key", key, "value", raw, "fallback", fallback)
	return fallback
}
