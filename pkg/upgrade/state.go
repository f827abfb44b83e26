package upgrade

// State is the lifecycle position of a Runner.
type State int32

const (
	StateIdle State = iota
	StateAcquiringLock
	StateRunning
	StateCompleted
	StateSkipped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAcquiringLock:
		return "ACQUIRING_LOCK"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateSkipped:
		return "SKIPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateSkipped || s == StateFailed
}
