package relay

// WorkerSelector picks a worker from the currently connected pool.
// Pluggable so health-aware or load-balanced selection can be added
// later without touching the router.
type WorkerSelector interface {
	Pick(workers []Worker) (Worker, bool)
}

// FirstAvailable selects the first connected worker. Behavior with more
// than one worker connected is first-wins by pool iteration order.
type FirstAvailable struct{}

// Pick returns the first worker, or false if the pool is empty.
func (FirstAvailable) Pick(workers []Worker) (Worker, bool) {
	if len(workers) == 0 {
		return nil, false
	}
	return workers[0], true
}
