package relay

import "time"

// Default budget parameters (spec §5 "Timeouts").
const (
	DefaultMaxHops            = 8
	DefaultTTL                = 300 * time.Second
	DefaultCallBudgetRemaining = 10
)

// Budget bounds how far an envelope, and anything causally derived from it,
// may propagate through the bus (spec §4.6 step 1).
type Budget struct {
	MaxHops             int
	TTL                 time.Time
	CallBudgetRemaining int
	HopCount            int
	AncestorChain       []string
}

// DefaultBudget returns the budget applied when a caller passes none.
func DefaultBudget() Budget {
	return Budget{
		MaxHops:             DefaultMaxHops,
		TTL:                 time.Now().UTC().Add(DefaultTTL),
		CallBudgetRemaining: DefaultCallBudgetRemaining,
		HopCount:            0,
		AncestorChain:       nil,
	}
}

// Derive builds the budget for a reply that is causally derived from this
// envelope's inbound budget, per spec §4.6 step 1: hopCount increments and
// the inbound envelope's id joins the ancestor chain.
func (b Budget) Derive(inboundEnvelopeID string) Budget {
	chain := make([]string, 0, len(b.AncestorChain)+1)
	chain = append(chain, b.AncestorChain...)
	chain = append(chain, inboundEnvelopeID)
	return Budget{
		MaxHops:             b.MaxHops,
		TTL:                 b.TTL,
		CallBudgetRemaining: b.CallBudgetRemaining - 1,
		HopCount:            b.HopCount + 1,
		AncestorChain:       chain,
	}
}

// Exceeded reports whether publishing a new envelope with id messageID
// under this budget should be rejected (spec §4.6 step 2).
func (b Budget) Exceeded(messageID string) bool {
	if b.HopCount > b.MaxHops {
		return true
	}
	if !b.TTL.IsZero() && !time.Now().UTC().Before(b.TTL) {
		return true
	}
	if b.CallBudgetRemaining <= 0 {
		return true
	}
	for _, ancestor := range b.AncestorChain {
		if ancestor == messageID {
			return true
		}
	}
	return false
}

// Envelope is one message travelling the bus.
type Envelope struct {
	ID        string
	Subject   string
	Payload   any
	From      string
	ReplyTo   string
	Budget    Budget
	Timestamp time.Time
}
