package claimtypes

// legalTransitions is the constant map backing the ClaimManager's
// state machine (spec §4.2). It is consulted, never duplicated —
// every component that needs to know "can X move to Y" calls
// CanTransition.
var legalTransitions = map[Status]map[Status]bool{
	StatusActive: {
		StatusPaused:          true,
		StatusBlocked:         true,
		StatusHandoffPending:  true,
		StatusReviewRequested: true,
		StatusStealable:       true,
		StatusCompleted:       true,
		StatusReleased:        true,
	},
	StatusPaused: {
		StatusActive:         true,
		StatusBlocked:        true,
		StatusHandoffPending: true,
		StatusStealable:      true,
		StatusCompleted:      true,
		StatusReleased:       true,
	},
	StatusBlocked: {
		StatusActive:    true,
		StatusPaused:    true,
		StatusStealable: true,
		StatusCompleted: true,
		StatusReleased:  true,
	},
	StatusHandoffPending: {
		StatusActive:    true,
		StatusCompleted: true,
		StatusReleased:  true,
	},
	StatusReviewRequested: {
		StatusActive:    true,
		StatusCompleted: true,
		StatusBlocked:   true,
	},
	StatusStealable: {
		StatusActive:    true,
		StatusCompleted: true,
		StatusStolen:    true,
	},
	// Terminal statuses have no entry and therefore no outgoing edges.
}

// CanTransition reports whether from -> to is a legal claim
// transition.
func CanTransition(from, to Status) bool {
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
