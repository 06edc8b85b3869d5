package types

import (
	"testing"
)

func TestNewEventID(t *testing.T) {
	id := NewEventID()
	if id == "" {
		t.Error("expected non-empty EventID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestMessageIDRoundTrip(t *testing.T) {
	id := MessageID(4242)
	parsed, err := ParseMessageID(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Errorf("expected %d, got %d", id, parsed)
	}

	if _, err := ParseMessageID("abc"); err == nil {
		t.Error("expected error for non-numeric id")
	}
}
