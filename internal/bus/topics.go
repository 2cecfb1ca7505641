package bus

// Check-in lifecycle topics.
const (
	TopicCycleCompleted = "cycle.completed"
	TopicCycleAborted   = "cycle.aborted"
	TopicCycleSkipped   = "cycle.skipped"
	TopicEngineRebuilt  = "engine.rebuilt"

	TopicIdentityEnrolled = "identity.enrolled"
	TopicIdentityCleared  = "identity.cleared"
)

// CycleEvent is published after every cycle that acquired the gate.
type CycleEvent struct {
	TraceID   string
	Source    string
	Fetched   int
	Skipped   int
	Succeeded int
	Failed    int
	Submitted bool
	Err       string
}

// IdentityEvent is published when the node key is persisted or cleared.
type IdentityEvent struct {
	HostIdentifier string
	Reason         string
}

// EngineRebuiltEvent carries the fault that forced the rebuild.
type EngineRebuiltEvent struct {
	Reason string
	Err    string
}
