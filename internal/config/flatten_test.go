package config

import (
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"realtime": map[string]any{
			"page_size":      30.0,
			"typing_idle_ms": 1200.0,
		},
		"log_level": "info",
	}
	got := Flatten(m)
	if got["realtime.page_size"] != 30.0 {
		t.Errorf("expected realtime.page_size=30, got %v", got["realtime.page_size"])
	}
	if got["realtime.typing_idle_ms"] != 1200.0 {
		t.Errorf("expected realtime.typing_idle_ms=1200, got %v", got["realtime.typing_idle_ms"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys, got %d", len(got))
	}
}

func TestFlatten_EmptyNestedMap(t *testing.T) {
	got := Flatten(map[string]any{"dev": map[string]any{}})
	if len(got) != 0 {
		t.Errorf("expected 0 keys (empty nested map produces nothing), got %d", len(got))
	}
}

func TestUnflatten_Nested(t *testing.T) {
	got := Unflatten(map[string]any{
		"session.user_id": "u1",
		"session.token":   "tok",
		"log_level":       "debug",
	})
	session, ok := got["session"].(map[string]any)
	if !ok {
		t.Fatalf("expected session to be map, got %T", got["session"])
	}
	if session["user_id"] != "u1" || session["token"] != "tok" {
		t.Errorf("unexpected session map: %v", session)
	}
	if got["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", got["log_level"])
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"api_base_url": "https://api.example.com/v1",
		"dev": map[string]any{
			"listen": "127.0.0.1:8088",
		},
	}
	back := Unflatten(Flatten(original))
	if back["api_base_url"] != original["api_base_url"] {
		t.Errorf("api_base_url mismatch: %v", back["api_base_url"])
	}
	dev := back["dev"].(map[string]any)
	if dev["listen"] != "127.0.0.1:8088" {
		t.Errorf("dev.listen mismatch: %v", dev["listen"])
	}
}

func TestMaskSecrets(t *testing.T) {
	got := MaskSecrets(map[string]any{
		"session.token":   "tok-abcdef1234",
		"session.user_id": "u1",
	})
	if got["session.token"] != "***1234" {
		t.Errorf("expected session.token=***1234, got %v", got["session.token"])
	}
	if got["session.user_id"] != "u1" {
		t.Errorf("expected session.user_id unchanged, got %v", got["session.user_id"])
	}
}

func TestMaskSecrets_ShortAndEmpty(t *testing.T) {
	got := MaskSecrets(map[string]any{"session.token": "ab"})
	if got["session.token"] != "***ab" {
		t.Errorf("expected ***ab for short secret, got %v", got["session.token"])
	}
	got = MaskSecrets(map[string]any{"session.token": ""})
	if got["session.token"] != "" {
		t.Errorf("expected empty string to remain empty, got %v", got["session.token"])
	}
}

func TestMaskSecrets_DevTokenKeepsUser(t *testing.T) {
	got := MaskSecrets(map[string]any{"session.token": "alice.3f9a0c77d2e14b58"})
	if got["session.token"] != "alice.***4b58" {
		t.Errorf("expected alice.***4b58, got %v", got["session.token"])
	}
}

func TestParseSetting(t *testing.T) {
	tests := []struct {
		key, raw string
		current  any
		want     any
		wantErr  bool
	}{
		{"realtime.page_size", "50", 30.0, 50.0, false},
		{"realtime.page_size", "0", 30.0, nil, true},
		{"realtime.page_size", "500", 30.0, nil, true},
		{"realtime.page_size", "2.5", 30.0, nil, true},
		{"realtime.typing_idle_ms", "50", 1200.0, nil, true},
		{"realtime.seen_capacity", "1000000", 200.0, 1000000.0, false},
		{"log_level", "DEBUG", "info", "debug", false},
		{"log_level", "verbose", "info", nil, true},
		{"dev.listen", ":9000", "127.0.0.1:8088", ":9000", false},
	}
	for _, tt := range tests {
		got, err := parseSetting(tt.key, tt.raw, tt.current)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSetting(%s, %q) error = %v, wantErr %v", tt.key, tt.raw, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseSetting(%s, %q) = %v, want %v", tt.key, tt.raw, got, tt.want)
		}
	}
}
