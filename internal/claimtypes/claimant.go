package claimtypes

// ClaimantKind distinguishes human operators from automated agents.
type ClaimantKind string

const (
	ClaimantHuman ClaimantKind = "human"
	ClaimantAgent ClaimantKind = "agent"
)

// Claimant is the external identity the coordinator reads fields from.
// The core never authenticates it — the caller identity is an input to
// every operation (spec §1).
type Claimant struct {
	ID                  string
	Kind                ClaimantKind
	AgentType            string
	MaxConcurrentClaims int
	Capabilities         []string
}

// HasCapability reports whether the claimant advertises cap.
func (c Claimant) HasCapability(cap string) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// CoversAll reports whether the claimant's capabilities are a superset
// of required.
func (c Claimant) CoversAll(required []string) bool {
	for _, r := range required {
		if !c.HasCapability(r) {
			return false
		}
	}
	return true
}
