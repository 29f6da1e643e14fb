package domain

// allowedTransitions is the bounded status machine. Out-of-order writes are
// rejected by the store with ErrConflictingState.
//
//	queued      -> in_progress | cancelled
//	in_progress -> completed | failed | escalated | blocked | cancelled
//	failed      -> in_progress | escalated | blocked
//	escalated   -> in_progress | blocked
//	completed, cancelled, blocked -> terminal
var allowedTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusInProgress: true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusEscalated: true,
		StatusBlocked:   true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusInProgress: true,
		StatusEscalated:  true,
		StatusBlocked:    true,
	},
	StatusEscalated: {
		StatusInProgress: true,
		StatusBlocked:    true,
	},
}

// CanTransition reports whether from -> to is an allowed status transition.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed,
		StatusEscalated, StatusCancelled, StatusBlocked:
		return true
	}
	return false
}
