// Package envutil reads process configuration from the environment:
// missing or unparsable values fall back to a caller-supplied default
// rather than failing startup. An unparsable value is logged at Debug
// level; a missing value is logged only by String.
package envutil

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
)

func String(key, defaultVal string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	return val
}

func Int(key string, defaultVal int, log *logger.Logger) int {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		if log != nil {
			log.Debug("environment variable could not be parsed as int, using default", "value", val, "default", defaultVal, "error", err)
		}
		return defaultVal
	}
	return n
}

func Bool(key string, defaultVal bool, log *logger.Logger) bool {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return defaultVal
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if log != nil {
			log.Debug("environment variable could not be parsed as bool, using default", "value", val, "default", defaultVal)
		}
		return defaultVal
	}
}

// DurationMS reads a millisecond integer env var and returns it as a
// time.Duration, matching the *_MS config variable names.
func DurationMS(key string, defaultMS int, log *logger.Logger) time.Duration {
	return time.Duration(Int(key, defaultMS, log)) * time.Millisecond
}

// IntSlice reads a comma-separated list of integers, e.g.
// WEBHOOK_RETRY_DELAYS_MS=1000,5000,15000.
func IntSlice(key string, defaultVal []int, log *logger.Logger) []int {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			if log != nil {
				log.Debug("environment variable entry could not be parsed as int, using default list", "value", val, "error", err)
			}
			return defaultVal
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// DurationMSSlice reads IntSlice's values as millisecond durations.
func DurationMSSlice(key string, defaultMS []int, log *logger.Logger) []time.Duration {
	ms := IntSlice(key, defaultMS, log)
	out := make([]time.Duration, len(ms))
	for i, v := range ms {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}
