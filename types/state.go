package types

// State is the lifecycle state of a sender's delivery worker.
// Transitions are one-way: Running → StopRequested → Stopped.
type State int32

const (
	StateRunning State = iota
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop-requested"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
