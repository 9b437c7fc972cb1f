package acquire

// State is the lifecycle stage of a Session.
type State int32

const (
	Idle State = iota
	Configuring
	Streaming
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IdlePolicy controls what the processor does when the queue is empty.
type IdlePolicy string

const (
	// IdleSpin yields the processor and polls again. It keeps up with bursty
	// readers at the cost of a busy core.
	IdleSpin IdlePolicy = "spin"
	// IdlePark sleeps until the reader pushes the next chunk.
	IdlePark IdlePolicy = "park"
)
