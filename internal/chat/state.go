package chat

// Phase is where the session is within a turn.
type Phase int

const (
	PhaseIdle Phase = iota
	// PhaseThinking: a send was accepted and no assistant delta has arrived yet.
	PhaseThinking
	// PhaseStreaming: deltas are being appended to the last assistant message.
	PhaseStreaming
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseThinking:
		return "thinking"
	case PhaseStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ConnState is the lifecycle state of the session's current connection.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnOpen
	ConnClosing
	ConnClosedRetryable
	ConnClosedTerminal
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosedRetryable:
		return "closed-retryable"
	case ConnClosedTerminal:
		return "closed-terminal"
	default:
		return "unknown"
	}
}
