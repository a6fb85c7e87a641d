package ident

import (
	"strings"
	"testing"
)

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if !strings.HasPrefix(id, "session-") {
		t.Fatalf("NewSessionID() = %q, want session- prefix", id)
	}
	if id == NewSessionID() {
		t.Fatal("consecutive session ids must differ")
	}
}

func TestNewMessageID(t *testing.T) {
	if id := NewMessageID(); !strings.HasPrefix(id, "msg-") {
		t.Fatalf("NewMessageID() = %q, want msg- prefix", id)
	}
}

func TestUUIDv7Strategy(t *testing.T) {
	SetStrategy(StrategyUUIDv7)
	defer SetStrategy(StrategyKSUID)

	id := NewSessionID()
	if !strings.HasPrefix(id, "session-") {
		t.Fatalf("NewSessionID() = %q, want session- prefix", id)
	}
	// UUIDs carry dashes beyond the prefix.
	if strings.Count(id, "-") < 5 {
		t.Fatalf("NewSessionID() = %q, does not look like a uuid", id)
	}
}
