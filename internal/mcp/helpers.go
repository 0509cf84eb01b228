package mcp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"comet-auto/internal/config"
	"comet-auto/internal/mangle"
)

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
		return fallback
	default:
		return fallback
	}
}

func getFloatArg(args map[string]interface{}, key string, fallback float64) float64 {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
		return fallback
	default:
		return fallback
	}
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

func clampLimit(limit, fallback, ceiling int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

// secondsArg converts a seconds argument to a duration, using fallback for
// missing or non-positive values.
func secondsArg(args map[string]interface{}, key string, fallback time.Duration) time.Duration {
	return config.Seconds(getFloatArg(args, key, 0), fallback)
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

// lastN returns the newest limit facts in chronological order.
func lastN(facts []mangle.Fact, limit int) []mangle.Fact {
	if limit <= 0 || len(facts) <= limit {
		return facts
	}
	return facts[len(facts)-limit:]
}

func filterPredicate(facts []mangle.Fact, predicate string) []mangle.Fact {
	if predicate == "" {
		return facts
	}
	out := make([]mangle.Fact, 0, len(facts))
	for _, f := range facts {
		if f.Predicate == predicate {
			out = append(out, f)
		}
	}
	return out
}
