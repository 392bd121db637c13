package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Flag defaults are read from the environment before the logger exists, so
// parse problems are kept until setup can log them.
var (
	envWarningsMu sync.Mutex
	envWarnings   []string
)

func warnEnv(format string, args ...any) {
	envWarningsMu.Lock()
	defer envWarningsMu.Unlock()
	envWarnings = append(envWarnings, fmt.Sprintf(format, args...))
}

func flushEnvWarnings(logger *zap.Logger) {
	envWarningsMu.Lock()
	pending := envWarnings
	envWarnings = nil
	envWarningsMu.Unlock()
	for _, msg := range pending {
		logger.Warn(msg)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		warnEnv("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		warnEnv("invalid %s=%q, using fallback %.3f", name, raw, fallback)
		return fallback
	}
	return value
}
