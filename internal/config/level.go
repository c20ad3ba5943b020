package config

import (
	"fmt"
	"strings"
)

// LogLevel is one of the severities accepted under "log_level".
type LogLevel string

const (
	LevelDebug    LogLevel = "DEBUG"
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelCritical LogLevel = "CRITICAL"
)

// ParseLogLevel normalises s to a LogLevel. Matching is case-insensitive and
// "WARN" is accepted for WARNING.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "CRITICAL":
		return LevelCritical, nil
	}
	return "", fmt.Errorf("invalid log_level %q (want DEBUG, INFO, WARNING, ERROR or CRITICAL)", s)
}

// Valid reports whether l is one of the canonical levels.
func (l LogLevel) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	}
	return false
}
