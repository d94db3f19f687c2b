package rpc

// State is the lifecycle position of a call
type State int32

const (
	StateIdle State = iota
	StateEncoding
	StatePublished
	StateAwaitingReply
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEncoding:
		return "encoding"
	case StatePublished:
		return "published"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can leave s
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}
