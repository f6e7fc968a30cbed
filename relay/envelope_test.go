package relay

import (
	"testing"
	"time"
)

func TestDefaultBudget(t *testing.T) {
	b := DefaultBudget()
	if b.MaxHops != DefaultMaxHops || b.CallBudgetRemaining != DefaultCallBudgetRemaining || b.HopCount != 0 {
		t.Errorf("unexpected default budget: %+v", b)
	}
	if !b.TTL.After(time.Now().UTC()) {
		t.Error("expected default TTL in the future")
	}
}

func TestBudgetDeriveIncrementsHopAndChain(t *testing.T) {
	b := DefaultBudget()
	derived := b.Derive("inbound-1")
	if derived.HopCount != 1 {
		t.Errorf("expected hopCount 1, got %d", derived.HopCount)
	}
	if derived.CallBudgetRemaining != b.CallBudgetRemaining-1 {
		t.Errorf("expected callBudgetRemaining decremented")
	}
	if len(derived.AncestorChain) != 1 || derived.AncestorChain[0] != "inbound-1" {
		t.Errorf("expected ancestor chain [inbound-1], got %v", derived.AncestorChain)
	}
}

func TestBudgetExceededMaxHops(t *testing.T) {
	b := Budget{MaxHops: 2, HopCount: 3, TTL: time.Now().Add(time.Minute), CallBudgetRemaining: 1}
	if !b.Exceeded("m1") {
		t.Error("expected exceeded when hopCount > maxHops")
	}
}

func TestBudgetExceededTTL(t *testing.T) {
	b := Budget{MaxHops: 8, HopCount: 0, TTL: time.Now().Add(-time.Second), CallBudgetRemaining: 1}
	if !b.Exceeded("m1") {
		t.Error("expected exceeded when ttl has elapsed")
	}
}

func TestBudgetExceededCallBudget(t *testing.T) {
	b := Budget{MaxHops: 8, HopCount: 0, TTL: time.Now().Add(time.Minute), CallBudgetRemaining: 0}
	if !b.Exceeded("m1") {
		t.Error("expected exceeded when callBudgetRemaining <= 0")
	}
}

func TestBudgetExceededCycleGuard(t *testing.T) {
	b := Budget{
		MaxHops: 8, HopCount: 1, TTL: time.Now().Add(time.Minute), CallBudgetRemaining: 5,
		AncestorChain: []string{"m1", "m2"},
	}
	if !b.Exceeded("m2") {
		t.Error("expected exceeded when messageID reappears in ancestor chain")
	}
	if b.Exceeded("m3") {
		t.Error("expected not exceeded for a fresh messageID")
	}
}
