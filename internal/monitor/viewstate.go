package monitor

import (
	"errors"
	"fmt"
)

// Level is a drill-down level of the monitoring view.
type Level string

const (
	LevelAgentsOverview Level = "AGENTS_OVERVIEW"
	LevelTaskGraph      Level = "TASK_GRAPH"
	LevelTaskNodeTodos  Level = "TASK_NODE_TODOS"
)

// Malformed navigation commands are rejected synchronously; the machine is
// left unchanged.
var (
	ErrUnknownAgent    = errors.New("agent does not exist")
	ErrUnknownTaskNode = errors.New("task node does not exist")
	ErrNodeNotInAgent  = errors.New("task node does not belong to the selected agent")
	ErrNoAgentSelected = errors.New("no agent selected")
)

type viewFrame struct {
	level      Level
	agentID    string
	taskNodeID string
}

// ViewState is the three-level navigation state machine: the current level,
// the selection pointers, and a back-stack. After every store mutation
// Resolve re-checks the pointers against the graph so they never dangle.
type ViewState struct {
	level        Level
	agentID      string
	taskNodeID   string
	backStack    []viewFrame
	autoSelected bool
}

// NewViewState returns a machine at AGENTS_OVERVIEW with nothing selected.
func NewViewState() *ViewState {
	return &ViewState{level: LevelAgentsOverview}
}

// Level returns the current drill-down level.
func (v *ViewState) Level() Level { return v.level }

// SelectedAgentID returns the selected agent id, or "".
func (v *ViewState) SelectedAgentID() string { return v.agentID }

// SelectedTaskNodeID returns the selected task node id, or "".
func (v *ViewState) SelectedTaskNodeID() string { return v.taskNodeID }

// SelectAgent selects an agent and drills into its task graph.
func (v *ViewState) SelectAgent(sn *Snapshot, id string) error {
	if _, ok := sn.Agent(id); !ok {
		return fmt.Errorf("select agent %q: %w", id, ErrUnknownAgent)
	}
	v.push()
	v.agentID = id
	v.taskNodeID = ""
	v.level = LevelTaskGraph
	v.autoSelected = false
	return nil
}

// SelectTaskNode selects a task node of the currently selected agent and
// drills into its TODO list.
func (v *ViewState) SelectTaskNode(sn *Snapshot, id string) error {
	if v.agentID == "" {
		return fmt.Errorf("select task node %q: %w", id, ErrNoAgentSelected)
	}
	n, ok := sn.TaskNode(id)
	if !ok || !sn.NodeResolved(n) {
		return fmt.Errorf("select task node %q: %w", id, ErrUnknownTaskNode)
	}
	if n.ParentAgentID != v.agentID {
		return fmt.Errorf("select task node %q: %w", id, ErrNodeNotInAgent)
	}
	v.push()
	v.taskNodeID = id
	v.level = LevelTaskNodeTodos
	return nil
}

// GoBack pops the back-stack, restoring the previous level and selection.
// At AGENTS_OVERVIEW with an empty stack it is a no-op.
func (v *ViewState) GoBack() {
	if len(v.backStack) == 0 {
		return
	}
	f := v.backStack[len(v.backStack)-1]
	v.backStack = v.backStack[:len(v.backStack)-1]
	v.level = f.level
	v.agentID = f.agentID
	v.taskNodeID = f.taskNodeID
}

// Reset clears the stack and selections and returns to AGENTS_OVERVIEW.
func (v *ViewState) Reset() {
	v.level = LevelAgentsOverview
	v.agentID = ""
	v.taskNodeID = ""
	v.backStack = nil
	v.autoSelected = false
}

// Resolve re-checks the selection against the graph. A selection whose
// agent disappeared demotes all the way to AGENTS_OVERVIEW and drops the
// back-stack: a stale deep link is never silently kept. A dead task node
// under a live agent demotes one level only. Finally the auto-select
// default is applied at the overview.
func (v *ViewState) Resolve(sn *Snapshot) {
	if v.agentID != "" {
		if _, ok := sn.Agent(v.agentID); !ok {
			v.Reset()
		}
	}
	if v.taskNodeID != "" {
		n, ok := sn.TaskNode(v.taskNodeID)
		if !ok || !sn.NodeResolved(n) || n.ParentAgentID != v.agentID {
			v.taskNodeID = ""
			if v.level == LevelTaskNodeTodos {
				v.level = LevelTaskGraph
			}
			v.pruneStack(sn)
		}
	}
	v.autoSelect(sn)
}

// autoSelect highlights a default agent at the overview when nothing is
// explicitly selected: the orchestrator if one is active, otherwise the
// earliest-created active agent. A usability default only — any explicit
// selection overrides it.
func (v *ViewState) autoSelect(sn *Snapshot) {
	if v.level != LevelAgentsOverview {
		return
	}
	if v.agentID != "" && !v.autoSelected {
		return
	}
	pick := ""
	for _, a := range sn.Agents {
		if a.LifecycleState.Terminal() {
			continue
		}
		if a.RoleMode == RoleOrchestrator {
			pick = a.ID
			break
		}
		if pick == "" {
			pick = a.ID // snapshot order is creation order
		}
	}
	v.agentID = pick
	v.autoSelected = pick != ""
}

// pruneStack drops frames whose task node selection no longer resolves, so
// GoBack never restores a dangling pointer.
func (v *ViewState) pruneStack(sn *Snapshot) {
	kept := v.backStack[:0]
	for _, f := range v.backStack {
		if f.taskNodeID != "" {
			n, ok := sn.TaskNode(f.taskNodeID)
			if !ok || !sn.NodeResolved(n) {
				continue
			}
		}
		kept = append(kept, f)
	}
	v.backStack = kept
}

func (v *ViewState) push() {
	v.backStack = append(v.backStack, viewFrame{
		level:      v.level,
		agentID:    v.agentID,
		taskNodeID: v.taskNodeID,
	})
}

// Breadcrumb is one entry in the navigation trail.
type Breadcrumb struct {
	Label string `json:"label"`
	Level Level  `json:"level"`
}

// Breadcrumbs renders the navigation trail for the current state.
func (v *ViewState) Breadcrumbs(sn *Snapshot) []Breadcrumb {
	crumbs := []Breadcrumb{{Label: "Agents", Level: LevelAgentsOverview}}
	if v.level == LevelAgentsOverview {
		return crumbs
	}
	if a, ok := sn.Agent(v.agentID); ok {
		label := a.DisplayName
		if label == "" {
			label = a.ID
		}
		crumbs = append(crumbs, Breadcrumb{Label: label, Level: LevelTaskGraph})
	}
	if v.level == LevelTaskNodeTodos {
		if n, ok := sn.TaskNode(v.taskNodeID); ok {
			label := n.Description
			if label == "" {
				label = n.ID
			}
			crumbs = append(crumbs, Breadcrumb{Label: label, Level: LevelTaskNodeTodos})
		}
	}
	return crumbs
}
