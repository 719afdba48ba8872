package bus

// Console event topics.
const (
	TopicEntityUpdated  = "monitor.entity_updated"
	TopicEntityRemoved  = "monitor.entity_removed"
	TopicViewChanged    = "monitor.view_changed"
	TopicAgentFailed    = "monitor.agent_failed"
	TopicAgentsCleared  = "monitor.agents_cleared"
	TopicOrphanDropped  = "monitor.orphan_dropped"
	TopicSessionStarted = "session.started"
)

// EntityUpdatedEvent is published after an accepted mutation of the graph.
type EntityUpdatedEvent struct {
	Kind    string // "agent" | "task_node" | "todo"
	ID      string
	Created bool
}

// EntityRemovedEvent is published after an entity is removed.
type EntityRemovedEvent struct {
	Kind string
	ID   string
}

// AgentFailedEvent is published when an agent transitions to failed.
type AgentFailedEvent struct {
	AgentID     string
	DisplayName string
	StepLabel   string // last reported step, if any
}

// AgentsClearedEvent is published after a clear-completed-agents sweep.
type AgentsClearedEvent struct {
	RemovedIDs []string
}

// OrphanDroppedEvent is published when a parked update exhausts its
// reconciliation passes without resolving a parent.
type OrphanDroppedEvent struct {
	Kind string
	ID   string
}

// SessionStartedEvent is published once at startup, after the journal has
// opened and any previous session has been replayed.
type SessionStartedEvent struct {
	SessionID      string
	ReplayedEvents int
}
