package relay

import "testing"

func TestMatchWildcards(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"relay.agent.foo", "relay.agent.foo", true},
		{"relay.agent.*", "relay.agent.foo", true},
		{"relay.agent.*", "relay.agent.foo.bar", false},
		{"relay.agent.>", "relay.agent.foo", true},
		{"relay.agent.>", "relay.agent.foo.bar", true},
		{"relay.agent.>", "relay.agent", false},
		{"relay.*.foo", "relay.agent.foo", true},
		{"relay.*.foo", "relay.agent.bar", false},
	}
	for _, c := range cases {
		if got := Match(c.pattern, c.subject); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.subject, got, c.want)
		}
	}
}

func TestValidatePatternRejectsMidStreamGreaterThan(t *testing.T) {
	if err := ValidatePattern("a.>.c"); err == nil {
		t.Error("expected error for \">\" not in final segment")
	}
}

func TestValidatePatternAcceptsTrailingGreaterThan(t *testing.T) {
	if err := ValidatePattern("a.b.>"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateSubjectRejectsWildcards(t *testing.T) {
	if err := ValidateSubject("relay.agent.*"); err == nil {
		t.Error("expected error for wildcard in publish subject")
	}
}
