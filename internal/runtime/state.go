package runtime

// State is the lifecycle state of one session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateIdle          State = "idle"
	StateBusy          State = "busy"
	StateInterrupting  State = "interrupting"
	StateOffline       State = "offline"
	StateExited        State = "exited"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateUninitialized, StateStarting, StateIdle, StateBusy, StateInterrupting, StateOffline, StateExited:
		return true
	default:
		return false
	}
}

// Alive reports whether a session in state s can still accept work.
func (s State) Alive() bool {
	return s != StateUninitialized && s != StateExited && s.Valid()
}
