package proxy

import (
	"testing"
	"time"
)

func TestSessionManagerGetOrCreateReusesExistingSession(t *testing.T) {
	m := NewSessionManager(time.Minute)
	a := m.GetOrCreate("conn-1", "api.openai.com")
	b := m.GetOrCreate("conn-1", "api.openai.com")
	if a != b {
		t.Fatal("GetOrCreate returned a different session for the same id")
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
}

func TestSessionManagerRecordExchangeIncrementsCount(t *testing.T) {
	m := NewSessionManager(time.Minute)
	s := m.GetOrCreate("conn-1", "api.anthropic.com")
	m.RecordExchange("conn-1")
	m.RecordExchange("conn-1")
	if s.ExchangeCount != 2 {
		t.Fatalf("ExchangeCount = %d, want 2", s.ExchangeCount)
	}
}

func TestSessionManagerRemoveDropsSession(t *testing.T) {
	m := NewSessionManager(time.Minute)
	m.GetOrCreate("conn-1", "api.openai.com")
	m.Remove("conn-1")
	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after Remove", m.Len())
	}
}
