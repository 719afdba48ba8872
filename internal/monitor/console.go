package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/fleetdeck/internal/bus"
)

// BatchOp is a bulk operation over a task node's TODO items.
type BatchOp string

const (
	BatchComplete   BatchOp = "complete"
	BatchUncomplete BatchOp = "uncomplete"
	BatchDelete     BatchOp = "delete"
)

// ErrUnknownBatchOp is returned for an unrecognized batch operation.
var ErrUnknownBatchOp = errors.New("unknown batch operation")

// MetricsRecorder receives counters from the console loop. The otel
// package provides the real implementation; tests use the no-op.
type MetricsRecorder interface {
	UpdateApplied(kind Kind)
	UpdateDropped(kind Kind, reason string)
	UpdateBuffered(kind Kind)
	ReconcileDuration(seconds float64)
	EntityCount(n int)
	ViewChanged()
}

// NopMetrics is a MetricsRecorder that does nothing.
type NopMetrics struct{}

func (NopMetrics) UpdateApplied(Kind)         {}
func (NopMetrics) UpdateDropped(Kind, string) {}
func (NopMetrics) UpdateBuffered(Kind)        {}
func (NopMetrics) ReconcileDuration(float64)  {}
func (NopMetrics) EntityCount(int)            {}
func (NopMetrics) ViewChanged()               {}

// AgentSummary is an agent row of the overview level.
type AgentSummary struct {
	Agent
	Todos          TodoCounts `json:"todos"`
	CompletionRate float64    `json:"completion_rate"`
	TaskNodeCount  int        `json:"task_node_count"`
}

// TaskNodeView is a task node row of the task-graph level.
type TaskNodeView struct {
	TaskNode
	Counts     TodoCounts `json:"counts"`
	Percentage float64    `json:"percentage"`
	Ready      bool       `json:"ready"`
}

// ViewModel is the read-only projection handed to the presentation layer.
// It is recomputed after every accepted event or navigation call.
type ViewModel struct {
	Level            Level          `json:"level"`
	Breadcrumb       []Breadcrumb   `json:"breadcrumb"`
	AgentsOverview   []AgentSummary `json:"agents_overview"`
	SelectedAgent    *AgentSummary  `json:"selected_agent,omitempty"`
	TaskGraph        []TaskNodeView `json:"task_graph,omitempty"`
	TaskGraphCycle   bool           `json:"task_graph_cycle,omitempty"`
	SelectedTaskNode *TaskNodeView  `json:"selected_task_node,omitempty"`
	TodoProjection   TodoProjection `json:"todo_projection"`
	Stats            Stats          `json:"stats"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// ConsoleOptions configures a Console.
type ConsoleOptions struct {
	MaxEntities     int
	MaxBufferPasses int
	Logger          *slog.Logger
	Bus             *bus.Bus
	Metrics         MetricsRecorder

	// OnAccepted is called for every update event that mutated the graph,
	// after the mutation. The session journal hangs off this hook.
	OnAccepted func(ev UpdateEvent)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Console owns the core: the entity store, the reconciler, the view state
// machine, and the derived projections. It is the single writer — every
// inbound update and every navigation command runs to completion under one
// mutex before the next is accepted, so the derivation layers never observe
// a partially applied mutation.
type Console struct {
	mu sync.Mutex

	store   *Store
	rec     *Reconciler
	view    *ViewState
	logger  *slog.Logger
	bus     *bus.Bus
	metrics MetricsRecorder

	onAccepted func(ev UpdateEvent)
	now        func() time.Time

	todoQuery TodoQuery
	stats     Stats
	model     ViewModel

	// prior lifecycle states, for failure-transition notifications
	lastLifecycle map[string]LifecycleState
}

// NewConsole wires up a console core for one session.
func NewConsole(opts ConsoleOptions) *Console {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Console{
		logger:        opts.Logger,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		onAccepted:    opts.OnAccepted,
		now:           opts.Now,
		view:          NewViewState(),
		todoQuery:     TodoQuery{View: ViewAll, SortBy: SortCreatedAt},
		lastLifecycle: make(map[string]LifecycleState),
	}
	c.store = NewStore(StoreOptions{
		MaxEntities: opts.MaxEntities,
		Now:         opts.Now,
		// The active selection is never evicted out from under the view.
		Guard: func(kind Kind, id string) bool {
			switch kind {
			case KindAgent:
				return id == c.view.SelectedAgentID()
			case KindTaskNode:
				return id == c.view.SelectedTaskNodeID()
			}
			return false
		},
		// Eviction removes an entity for good: its group clocks go too, so
		// a later re-creation under the same id starts fresh instead of
		// seeing every field group as stale.
		OnEvicted: func(kind Kind, id string) {
			c.rec.Forget(kind, id)
			if kind == KindAgent {
				delete(c.lastLifecycle, id)
			}
		},
	})
	c.rec = NewReconciler(c.store, ReconcilerOptions{
		MaxBufferPasses: opts.MaxBufferPasses,
		Logger:          opts.Logger,
		OnOrphanDropped: func(kind Kind, id string) {
			opts.Metrics.UpdateDropped(kind, "orphan")
			c.publish(bus.TopicOrphanDropped, bus.OrphanDroppedEvent{Kind: string(kind), ID: id})
		},
	})
	c.refresh()
	return c
}

// Ingest applies one update event from the transport. Malformed events are
// returned as errors and leave the graph untouched; stale and orphaned
// updates are absorbed silently per the merge rules.
func (c *Console) Ingest(ev UpdateEvent) (ApplyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	res, err := c.rec.Apply(ev)
	c.metrics.ReconcileDuration(c.now().Sub(start).Seconds())
	if err != nil {
		c.metrics.UpdateDropped(ev.TargetKind, "malformed")
		return res, err
	}

	switch {
	case res.Applied:
		c.metrics.UpdateApplied(ev.TargetKind)
	case res.Buffered:
		c.metrics.UpdateBuffered(ev.TargetKind)
	case res.DroppedStale:
		c.metrics.UpdateDropped(ev.TargetKind, "stale")
	}

	if res.Applied {
		if c.onAccepted != nil {
			c.onAccepted(ev)
		}
		c.publish(bus.TopicEntityUpdated, bus.EntityUpdatedEvent{
			Kind:    string(ev.TargetKind),
			ID:      ev.TargetID,
			Created: res.Created,
		})
		// Parked updates unblocked by this event mutated the graph too;
		// they take the same accepted-event path so the journal and bus
		// see every mutation, not just the triggering one.
		for _, ap := range res.AppliedPending {
			c.metrics.UpdateApplied(ap.Event.TargetKind)
			if c.onAccepted != nil {
				c.onAccepted(ap.Event)
			}
			c.publish(bus.TopicEntityUpdated, bus.EntityUpdatedEvent{
				Kind:    string(ap.Event.TargetKind),
				ID:      ap.Event.TargetID,
				Created: ap.Created,
			})
		}
		c.refresh()
		c.notifyFailures()
	}
	return res, nil
}

// SelectAgent drills into an agent's task graph.
func (c *Console) SelectAgent(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sn := c.store.Snapshot()
	if err := c.view.SelectAgent(sn, id); err != nil {
		return err
	}
	c.refresh()
	return nil
}

// SelectTaskNode drills into a task node's TODO list. The node must belong
// to the currently selected agent.
func (c *Console) SelectTaskNode(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sn := c.store.Snapshot()
	if err := c.view.SelectTaskNode(sn, id); err != nil {
		return err
	}
	c.refresh()
	return nil
}

// GoBack pops one navigation level.
func (c *Console) GoBack() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view.GoBack()
	c.refresh()
}

// Reset returns to the overview and clears all selections.
func (c *Console) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view.Reset()
	c.refresh()
}

// SetTodoView switches the TODO projection mode.
func (c *Console) SetTodoView(mode string) error {
	v, err := ParseTodoView(mode)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.todoQuery.View = v
	c.refresh()
	return nil
}

// SetTodoSort switches the TODO sort field.
func (c *Console) SetTodoSort(field string) error {
	s, err := ParseTodoSort(field)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.todoQuery.SortBy = s
	c.refresh()
	return nil
}

// SetTodoSearch sets the free-text search filter.
func (c *Console) SetTodoSearch(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.todoQuery.Search = text
	c.refresh()
}

// ClearCompletedAgents removes all terminal agents except the selected one
// and returns the removed ids.
func (c *Console) ClearCompletedAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := c.store.ClearCompletedAgents()
	for _, id := range removed {
		c.rec.Forget(KindAgent, id)
		delete(c.lastLifecycle, id)
	}
	if len(removed) > 0 {
		c.publish(bus.TopicAgentsCleared, bus.AgentsClearedEvent{RemovedIDs: removed})
		c.refresh()
	}
	return removed
}

// RemoveEntity removes one entity. Dependents become orphans and drop out
// of the views on the next resolution pass.
func (c *Console) RemoveEntity(kind Kind, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.store.Remove(kind, id) {
		return false
	}
	c.rec.Forget(kind, id)
	if kind == KindAgent {
		delete(c.lastLifecycle, id)
	}
	c.publish(bus.TopicEntityRemoved, bus.EntityRemovedEvent{Kind: string(kind), ID: id})
	c.refresh()
	return true
}

// BatchTodoOperation applies a bulk complete/uncomplete/delete to the given
// TODO items of one task node. Items that do not exist or belong to a
// different node are skipped; the count of affected items is returned.
func (c *Console) BatchTodoOperation(taskNodeID string, todoIDs []string, op BatchOp) (int, error) {
	switch op {
	case BatchComplete, BatchUncomplete, BatchDelete:
	default:
		return 0, fmt.Errorf("batch op %q: %w", op, ErrUnknownBatchOp)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	affected := 0
	for _, id := range todoIDs {
		t, ok := c.store.GetTodo(id)
		if !ok || t.OwnerTaskNodeID != taskNodeID {
			continue
		}
		switch op {
		case BatchComplete:
			status := TodoCompleted
			c.store.UpsertTodo(TodoPatch{ID: id, Status: &status})
		case BatchUncomplete:
			// The explicit reset path: the one sanctioned backward move.
			c.store.ResetTodo(id, TodoPending)
		case BatchDelete:
			c.store.Remove(KindTodo, id)
			c.rec.Forget(KindTodo, id)
		}
		affected++
	}
	if affected > 0 {
		c.refresh()
	}
	return affected, nil
}

// ViewModel returns the current projection.
func (c *Console) ViewModel() ViewModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Stats returns the current derived statistics.
func (c *Console) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// PendingUpdates returns the number of parked child-before-parent updates.
func (c *Console) PendingUpdates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.PendingCount()
}

// EntityCount returns the number of live entities.
func (c *Console) EntityCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

// refresh re-resolves the selection, recomputes statistics and the view
// model, and announces the change. Called under the console lock after
// every accepted mutation or navigation call.
func (c *Console) refresh() {
	sn := c.store.Snapshot()
	c.view.Resolve(sn)
	c.stats = ComputeStats(sn)
	c.model = c.buildViewModel(sn)
	c.metrics.EntityCount(c.store.Len())
	c.metrics.ViewChanged()
	c.publish(bus.TopicViewChanged, c.model)
}

func (c *Console) buildViewModel(sn *Snapshot) ViewModel {
	vm := ViewModel{
		Level:       c.view.Level(),
		Breadcrumb:  c.view.Breadcrumbs(sn),
		Stats:       c.stats,
		GeneratedAt: c.now(),
	}

	vm.AgentsOverview = make([]AgentSummary, 0, len(sn.Agents))
	for _, a := range sn.Agents {
		vm.AgentsOverview = append(vm.AgentsOverview, c.agentSummary(a))
	}

	if id := c.view.SelectedAgentID(); id != "" {
		if a, ok := sn.Agent(id); ok {
			s := c.agentSummary(a)
			vm.SelectedAgent = &s

			order := OrderTaskNodes(sn, id)
			vm.TaskGraphCycle = order.HasCycle
			vm.TaskGraph = make([]TaskNodeView, 0, len(order.Nodes))
			for _, n := range order.Nodes {
				vm.TaskGraph = append(vm.TaskGraph, c.taskNodeView(sn, n))
			}
		}
	}
	if id := c.view.SelectedTaskNodeID(); id != "" {
		if n, ok := sn.TaskNode(id); ok {
			nv := c.taskNodeView(sn, n)
			vm.SelectedTaskNode = &nv
		}
	}

	q := c.todoQuery
	if c.view.Level() == LevelTaskNodeTodos {
		q.OwnerTaskNodeID = c.view.SelectedTaskNodeID()
	}
	vm.TodoProjection = QueryTodos(sn, q)
	return vm
}

func (c *Console) agentSummary(a Agent) AgentSummary {
	as := c.stats.PerAgent[a.ID]
	return AgentSummary{
		Agent:          a,
		Todos:          as.Todos,
		CompletionRate: as.CompletionRate,
		TaskNodeCount:  as.TaskNodeCount,
	}
}

func (c *Console) taskNodeView(sn *Snapshot, n TaskNode) TaskNodeView {
	counts := NodeCounts(sn, n.ID)
	return TaskNodeView{
		TaskNode:   n,
		Counts:     counts,
		Percentage: counts.CompletionRate() * 100,
		Ready:      NodeReady(sn, n),
	}
}

// notifyFailures publishes an agent-failed event for every agent that
// transitioned into failed since the last accepted mutation.
func (c *Console) notifyFailures() {
	sn := c.store.Snapshot()
	for _, a := range sn.Agents {
		prev, seen := c.lastLifecycle[a.ID]
		c.lastLifecycle[a.ID] = a.LifecycleState
		if a.LifecycleState == LifecycleFailed && (!seen || prev != LifecycleFailed) {
			c.logger.Warn("agent failed", "agent_id", a.ID, "step", a.CurrentStepLabel)
			c.publish(bus.TopicAgentFailed, bus.AgentFailedEvent{
				AgentID:     a.ID,
				DisplayName: a.DisplayName,
				StepLabel:   a.CurrentStepLabel,
			})
		}
	}
}

func (c *Console) publish(topic string, payload any) {
	if c.bus != nil {
		c.bus.Publish(topic, payload)
	}
}
