package config

import (
	"fmt"
	"strconv"
	"strings"
)

// setting describes how one dotted key is edited and displayed.
type setting struct {
	secret   bool
	// integer settings accept whole numbers in [min, max]; max 0 means
	// unbounded.
	integer  bool
	min, max int
	oneOf    []string
}

var settings = map[string]setting{
	"log_level":                     {oneOf: []string{"debug", "info", "warn", "error"}},
	"session.token":                 {secret: true},
	"realtime.typing_idle_ms":       {integer: true, min: 100, max: 60000},
	"realtime.seen_capacity":        {integer: true, min: 1},
	"realtime.seen_evict":           {integer: true, min: 1},
	"realtime.page_size":            {integer: true, min: 1, max: 200},
	"realtime.max_concurrent_rooms": {integer: true, min: 1, max: 64},
	"realtime.ping_interval_sec":    {integer: true, min: 1, max: 3600},
	"realtime.dial_timeout_sec":     {integer: true, min: 1, max: 300},
}

// IsSecretKey reports whether the value at key is masked when listed.
func IsSecretKey(key string) bool {
	return settings[key].secret
}

// parseSetting converts raw into the JSON value stored at key. current is
// the value presently at key and decides the type when key has no entry in
// settings.
func parseSetting(key, raw string, current any) (any, error) {
	s := settings[key]
	switch {
	case s.integer:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid number for %s: %w", key, err)
		}
		if n < s.min || (s.max > 0 && n > s.max) {
			if s.max > 0 {
				return nil, fmt.Errorf("%s must be between %d and %d, got %d", key, s.min, s.max, n)
			}
			return nil, fmt.Errorf("%s must be at least %d, got %d", key, s.min, n)
		}
		return float64(n), nil
	case len(s.oneOf) > 0:
		v := strings.ToLower(raw)
		for _, ok := range s.oneOf {
			if v == ok {
				return v, nil
			}
		}
		return nil, fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(s.oneOf, "|"), raw)
	}

	switch current.(type) {
	case float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number for %s: %w", key, err)
		}
		return n, nil
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bool for %s: %w", key, err)
		}
		return b, nil
	}
	return raw, nil
}

// Flatten converts a nested map into a flat map with dot-separated keys.
// For example, {"realtime": {"page_size": 30}} becomes {"realtime.page_size": 30}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = v
	}
}

// Unflatten converts a flat map with dot-separated keys back into a nested map.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		current := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := current[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				current[part] = next
			}
			current = next
		}
		current[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of the flat map with secret values masked.
// Session tokens of the form "<userId>.<secret>" keep the user part; the
// secret shows only its last 4 characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !IsSecretKey(k) || !ok || s == "" {
			out[k] = v
			continue
		}
		out[k] = maskToken(s)
	}
	return out
}

func maskToken(token string) string {
	prefix, secret := "", token
	if i := strings.LastIndexByte(token, '.'); i > 0 {
		prefix, secret = token[:i+1], token[i+1:]
	}
	if len(secret) > 4 {
		secret = secret[len(secret)-4:]
	}
	return prefix + "***" + secret
}
