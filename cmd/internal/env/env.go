// Package env reads typed configuration values from the process environment.
// Every reader falls back to its default on unset, blank, or unparseable
// values; negative numbers and durations are treated as unset because no
// Parley knob accepts them.
package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func raw(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// String returns the trimmed value of key, or def when unset or blank.
func String(key, def string) string {
	if v, ok := raw(key); ok {
		return v
	}
	return def
}

// Bool parses key as a boolean (strconv.ParseBool forms).
func Bool(key string, def bool) bool {
	v, ok := raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int parses key as a positive int.
func Int(key string, def int) int {
	v, ok := raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Int32 parses key as a non-negative int32 (pool sizes allow zero).
func Int32(key string, def int32) int32 {
	v, ok := raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// Duration parses key as a positive time.Duration.
func Duration(key string, def time.Duration) time.Duration {
	v, ok := raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// CSV splits key (or def when unset) on commas, trimming each element and
// dropping empties. Returns nil when nothing remains.
func CSV(key, def string) []string {
	v, ok := raw(key)
	if !ok {
		v = strings.TrimSpace(def)
	}
	if v == "" {
		return nil
	}

	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
