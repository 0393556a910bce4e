package domain

// State is a step of the per-job execution state machine.
type State int

const (
	StateProvisioning State = iota
	StateImageReady
	StateCreated
	StateStarted
	StateStreaming
	StateCompleted
	StateErrored
	StateTimedOut
	StateCleaned
)

var stateNames = [...]string{
	StateProvisioning: "provisioning",
	StateImageReady:   "image_ready",
	StateCreated:      "created",
	StateStarted:      "started",
	StateStreaming:    "streaming",
	StateCompleted:    "completed",
	StateErrored:      "errored",
	StateTimedOut:     "timed_out",
	StateCleaned:      "cleaned",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the state ends the streaming phase.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateTimedOut
}
