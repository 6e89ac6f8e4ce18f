package internal

// State is a step of the service lifecycle.
//
//	UNINITIALIZED -> AWAITING_CONFIG -> INITIALIZING -> READY
//	                        |                 |
//	                        +-----> FAILED <--+
//
// AWAITING_CONFIG is only entered when the host supplies a readiness channel.
type State int32

const (
	StateUninitialized State = iota
	StateAwaitingConfig
	StateInitializing
	StateReady
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateAwaitingConfig:
		return "AWAITING_CONFIG"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// FailurePolicy decides what a worker does with a task whose processor failed.
type FailurePolicy int

const (
	// FailureFinish marks the task FINISHED. It is not retried.
	FailureFinish FailurePolicy = iota
	// FailureLeaveRunning keeps the task RUNNING so staleness recovery makes
	// it eligible again once its time budget elapses.
	FailureLeaveRunning
)

func (p FailurePolicy) String() string {
	if p == FailureLeaveRunning {
		return "leave_running"
	}
	return "finish"
}

// ParseFailurePolicy maps "finish" and "leave_running" to a policy. Anything else finishes.
func ParseFailurePolicy(s string) FailurePolicy {
	if s == "leave_running" {
		return FailureLeaveRunning
	}
	return FailureFinish
}
