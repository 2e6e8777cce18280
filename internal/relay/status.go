package relay

// Status is the lifecycle state of a request. The lifecycle is strictly
// forward: pending -> delegated -> streaming -> terminal, where terminal
// is one of completed, failed, aborted, timed_out.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelegated Status = "delegated"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
	StatusTimedOut  Status = "timed_out"
)

var statusOrder = map[Status]int{
	StatusPending:   0,
	StatusDelegated: 1,
	StatusStreaming: 2,
	StatusCompleted: 3,
	StatusFailed:    3,
	StatusAborted:   3,
	StatusTimedOut:  3,
}

// Terminal reports whether s ends the request lifecycle.
func (s Status) Terminal() bool {
	return statusOrder[s] == 3
}

// CanTransition reports whether from -> to respects the forward-only
// lifecycle. Same-status transitions are rejected; skipping intermediate
// states is allowed (e.g. pending -> failed).
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	fo, ok := statusOrder[from]
	if !ok {
		return false
	}
	to2, ok := statusOrder[to]
	if !ok {
		return false
	}
	return to2 > fo
}
