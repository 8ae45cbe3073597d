package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// env reads typed values with fallbacks and remembers malformed input.
type env struct {
	warnings []string
}

func (e *env) warn(format string, args ...any) {
	e.warnings = append(e.warnings, fmt.Sprintf(format, args...))
}

func (e *env) get(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func (e *env) int(key string, fallback int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return fallback
	}
	val, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		e.warn("invalid int %q for %s, using default %d", valueStr, key, fallback)
		return fallback
	}
	return val
}

func (e *env) float64(key string, fallback float64) float64 {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return fallback
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		e.warn("invalid float64 %q for %s, using default %f", valueStr, key, fallback)
		return fallback
	}
	return val
}

func (e *env) bool(key string, fallback bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return fallback
	}
	val, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		e.warn("invalid bool %q for %s, using default %t", valueStr, key, fallback)
		return fallback
	}
	return val
}

func (e *env) seconds(key string, fallback int) time.Duration {
	return time.Duration(e.int(key, fallback)) * time.Second
}
