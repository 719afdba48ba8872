// Package monitor implements the console's view-state and data-reconciliation
// core: an in-memory graph of agents, task nodes, and TODO items fed by
// partial out-of-order updates, plus the drill-down view machinery built on
// top of it.
package monitor

import "time"

// Kind identifies an entity kind in the graph.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindTaskNode Kind = "task_node"
	KindTodo     Kind = "todo"
)

// RoleMode is the workflow role an agent runs under.
type RoleMode string

const (
	RoleOrchestrator RoleMode = "orchestrator"
	RoleArchitect    RoleMode = "architect"
	RoleCode         RoleMode = "code"
	RoleAsk          RoleMode = "ask"
	RoleDebug        RoleMode = "debug"
)

// LifecycleState is the execution state of an agent or task node.
type LifecycleState string

const (
	LifecyclePending   LifecycleState = "pending"
	LifecycleRunning   LifecycleState = "running"
	LifecycleCompleted LifecycleState = "completed"
	LifecycleFailed    LifecycleState = "failed"
)

// Terminal reports whether the state is completed or failed.
func (s LifecycleState) Terminal() bool {
	return s == LifecycleCompleted || s == LifecycleFailed
}

// TodoStatus is the state of a single TODO item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoFailed     TodoStatus = "failed"
)

// statusRank orders TodoStatus along the pending → in_progress → terminal
// progression. Completed and failed share a rank: neither is "after" the
// other, and an ordinary merge may move between them only with a newer
// event time.
func statusRank(s TodoStatus) int {
	switch s {
	case TodoPending:
		return 0
	case TodoInProgress:
		return 1
	case TodoCompleted, TodoFailed:
		return 2
	}
	return 0
}

// Terminal reports whether the status is completed or failed.
func (s TodoStatus) Terminal() bool {
	return s == TodoCompleted || s == TodoFailed
}

// Priority is a TODO item's urgency bucket.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Priorities lists all buckets from most to least urgent. Grouping by
// priority always emits every bucket, empty ones included.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

func priorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 2
}

// Agent is a running top-level task instance.
type Agent struct {
	ID               string         `json:"id"`
	DisplayName      string         `json:"display_name"`
	RoleMode         RoleMode       `json:"role_mode"`
	LifecycleState   LifecycleState `json:"lifecycle_state"`
	CreatedAt        time.Time      `json:"created_at"`
	ProgressFraction *float64       `json:"progress_fraction,omitempty"`
	CurrentStepLabel string         `json:"current_step_label,omitempty"`
}

// TaskNode is a sub-unit of work within an agent's execution graph.
// ParentAgentID is a required back-reference; a node whose parent cannot be
// resolved is an orphan and is excluded from every view.
type TaskNode struct {
	ID               string         `json:"id"`
	ParentAgentID    string         `json:"parent_agent_id"`
	Description      string         `json:"description"`
	LifecycleState   LifecycleState `json:"lifecycle_state"`
	Dependencies     []string       `json:"dependencies,omitempty"`
	ProgressFraction *float64       `json:"progress_fraction,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// TodoItem is the smallest tracked unit of work, owned by a task node.
// Result and Error are mutually exclusive; CompletedAt is set iff the
// status is completed.
type TodoItem struct {
	ID              string     `json:"id"`
	OwnerTaskNodeID string     `json:"owner_task_node_id"`
	Content         string     `json:"content"`
	Status          TodoStatus `json:"status"`
	Priority        Priority   `json:"priority"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// AgentPatch is a partial update to an Agent. Nil fields are left untouched
// by a merge.
type AgentPatch struct {
	ID               string          `json:"id"`
	DisplayName      *string         `json:"display_name,omitempty"`
	RoleMode         *RoleMode       `json:"role_mode,omitempty"`
	LifecycleState   *LifecycleState `json:"lifecycle_state,omitempty"`
	CreatedAt        *time.Time      `json:"created_at,omitempty"`
	ProgressFraction *float64        `json:"progress_fraction,omitempty"`
	CurrentStepLabel *string         `json:"current_step_label,omitempty"`
}

// TaskNodePatch is a partial update to a TaskNode.
type TaskNodePatch struct {
	ID               string          `json:"id"`
	ParentAgentID    *string         `json:"parent_agent_id,omitempty"`
	Description      *string         `json:"description,omitempty"`
	LifecycleState   *LifecycleState `json:"lifecycle_state,omitempty"`
	Dependencies     *[]string       `json:"dependencies,omitempty"`
	ProgressFraction *float64        `json:"progress_fraction,omitempty"`
	CreatedAt        *time.Time      `json:"created_at,omitempty"`
}

// TodoPatch is a partial update to a TodoItem.
type TodoPatch struct {
	ID              string      `json:"id"`
	OwnerTaskNodeID *string     `json:"owner_task_node_id,omitempty"`
	Content         *string     `json:"content,omitempty"`
	Status          *TodoStatus `json:"status,omitempty"`
	Priority        *Priority   `json:"priority,omitempty"`
	Result          *string     `json:"result,omitempty"`
	Error           *string     `json:"error,omitempty"`
	CreatedAt       *time.Time  `json:"created_at,omitempty"`
	UpdatedAt       *time.Time  `json:"updated_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}
