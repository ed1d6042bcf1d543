package queue

// State is a lifecycle state of a record.
//
//	Scheduled ──► InFlight ──► Succeeded
//	    ▲            │
//	    └── Failed ◄─┤
//	                 └──────► DeadLettered
type State uint8

const (
	StateScheduled State = iota
	StateInFlight
	StateFailed
	StateSucceeded
	StateDeadLettered
	StateExpired
)

var stateNames = []string{"scheduled", "in_flight", "failed", "succeeded", "dead_lettered", "expired"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no automatic transition leaves s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDeadLettered || s == StateExpired
}

// ValidTransition reports whether the engine may move a record from one state
// to another. Requeue of a dead letter is an operator action and is not
// listed here.
func ValidTransition(from, to State) bool {
	switch from {
	case StateScheduled:
		return to == StateInFlight || to == StateExpired
	case StateInFlight:
		return to == StateSucceeded || to == StateFailed
	case StateFailed:
		return to == StateScheduled || to == StateDeadLettered
	case StateDeadLettered:
		return to == StateExpired
	}
	return false
}
