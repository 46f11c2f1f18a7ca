package inflow

// AllowedTransition reports whether from -> to is an edge of the board state
// machine.
//
// TODO <-> IN_PROGRESS, IN_PROGRESS <-> WAITING, WAITING -> DONE,
// IN_PROGRESS -> DONE, DONE -> TODO (explicit reopen). DONE is otherwise
// terminal; reopening is a normal transition, not a special case.
func AllowedTransition(from, to TaskStatus) bool {
	switch from {
	case StatusTodo:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusWaiting || to == StatusDone || to == StatusTodo
	case StatusWaiting:
		return to == StatusInProgress || to == StatusDone
	case StatusDone:
		return to == StatusTodo
	default:
		return false
	}
}

// CheckTransition validates a requested move, returning a TransitionError
// for anything outside the allowed edge set.
func CheckTransition(from, to TaskStatus) error {
	if !to.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(to)}
	}
	if !AllowedTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
