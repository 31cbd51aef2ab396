package supervisor

// State — состояние соединения с точки зрения супервизора.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosedTransient
	StateClosedPermanent
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosedTransient:
		return "closed"
	case StateClosedPermanent:
		return "closed-permanent"
	}
	return "unknown"
}

// Signal — наружный сигнал супервизора для шлюза.
type Signal int

const (
	SignalReady Signal = iota
	SignalTerminalLogout
	SignalRestartStormAbort
)

func (s Signal) String() string {
	switch s {
	case SignalReady:
		return "ready"
	case SignalTerminalLogout:
		return "terminal-logout"
	case SignalRestartStormAbort:
		return "restart-storm-abort"
	}
	return "unknown"
}
