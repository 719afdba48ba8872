package monitor

import (
	"sort"
	"time"
)

const defaultMaxEntities = 2000

// StoreOptions configures a Store.
type StoreOptions struct {
	// MaxEntities is the live-entity ceiling; when the graph grows past it,
	// the oldest terminal entities are evicted. Zero means the default (2000).
	MaxEntities int

	// Guard reports whether an entity must not be evicted or removed by a
	// bulk operation (e.g. it is referenced by the active selection).
	Guard func(kind Kind, id string) bool

	// OnEvicted is called for every entity removed by ceiling eviction, so
	// the owner can drop per-entity state (reconciliation clocks) that the
	// store does not know about.
	OnEvicted func(kind Kind, id string)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the canonical mutable graph of agents, task nodes, and TODO
// items. It is pure CRUD plus merge semantics and has no navigation
// concept.
//
// The store is written from a single goroutine (the console loop); it does
// no locking of its own. Readers receive copies, never aliases into the
// maps.
type Store struct {
	agents    map[string]*Agent
	taskNodes map[string]*TaskNode
	todos     map[string]*TodoItem

	maxEntities int
	guard       func(Kind, string) bool
	onEvicted   func(Kind, string)
	now         func() time.Time
}

// NewStore creates an empty Store.
func NewStore(opts StoreOptions) *Store {
	if opts.MaxEntities <= 0 {
		opts.MaxEntities = defaultMaxEntities
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Guard == nil {
		opts.Guard = func(Kind, string) bool { return false }
	}
	return &Store{
		agents:      make(map[string]*Agent),
		taskNodes:   make(map[string]*TaskNode),
		todos:       make(map[string]*TodoItem),
		maxEntities: opts.MaxEntities,
		guard:       opts.Guard,
		onEvicted:   opts.OnEvicted,
		now:         opts.Now,
	}
}

// Len returns the total number of live entities.
func (s *Store) Len() int {
	return len(s.agents) + len(s.taskNodes) + len(s.todos)
}

// UpsertAgent merges a partial into the stored agent, creating it on first
// write. Fields present in the patch overwrite; absent fields are left
// untouched.
func (s *Store) UpsertAgent(p AgentPatch) Agent {
	a, ok := s.agents[p.ID]
	if !ok {
		a = &Agent{
			ID:             p.ID,
			LifecycleState: LifecyclePending,
			CreatedAt:      s.now(),
		}
		s.agents[p.ID] = a
	}
	if p.DisplayName != nil {
		a.DisplayName = *p.DisplayName
	}
	if p.RoleMode != nil {
		a.RoleMode = *p.RoleMode
	}
	if p.LifecycleState != nil {
		a.LifecycleState = *p.LifecycleState
	}
	if p.CreatedAt != nil {
		a.CreatedAt = *p.CreatedAt
	}
	if p.ProgressFraction != nil {
		f := clamp01(*p.ProgressFraction)
		a.ProgressFraction = &f
	}
	if p.CurrentStepLabel != nil {
		a.CurrentStepLabel = *p.CurrentStepLabel
	}
	out := *a
	s.evict()
	return out
}

// UpsertTaskNode merges a partial into the stored task node, creating it on
// first write.
func (s *Store) UpsertTaskNode(p TaskNodePatch) TaskNode {
	n, ok := s.taskNodes[p.ID]
	if !ok {
		n = &TaskNode{
			ID:             p.ID,
			LifecycleState: LifecyclePending,
			CreatedAt:      s.now(),
		}
		s.taskNodes[p.ID] = n
	}
	if p.ParentAgentID != nil {
		n.ParentAgentID = *p.ParentAgentID
	}
	if p.Description != nil {
		n.Description = *p.Description
	}
	if p.LifecycleState != nil {
		n.LifecycleState = *p.LifecycleState
	}
	if p.Dependencies != nil {
		n.Dependencies = append([]string(nil), (*p.Dependencies)...)
	}
	if p.ProgressFraction != nil {
		f := clamp01(*p.ProgressFraction)
		n.ProgressFraction = &f
	}
	if p.CreatedAt != nil {
		n.CreatedAt = *p.CreatedAt
	}
	out := *n
	s.evict()
	return out
}

// UpsertTodo merges a partial into the stored TODO item, creating it on
// first write. An ordinary merge never moves status backward along
// pending → in_progress → {completed, failed}; a backward status in the
// patch is dropped together with its coupled fields (result, error,
// completed_at), while independent fields still apply. ResetTodo is the
// explicit path for backward moves.
func (s *Store) UpsertTodo(p TodoPatch) TodoItem {
	t, ok := s.todos[p.ID]
	if !ok {
		now := s.now()
		t = &TodoItem{
			ID:        p.ID,
			Status:    TodoPending,
			Priority:  PriorityMedium,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.todos[p.ID] = t
	}
	if p.OwnerTaskNodeID != nil {
		t.OwnerTaskNodeID = *p.OwnerTaskNodeID
	}
	if p.Content != nil {
		t.Content = *p.Content
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.CreatedAt != nil {
		t.CreatedAt = *p.CreatedAt
	}

	statusAllowed := p.Status == nil || statusRank(*p.Status) >= statusRank(t.Status)
	if p.Status != nil && statusAllowed {
		s.applyTodoStatus(t, *p.Status, p.Result, p.Error, p.CompletedAt)
	} else if statusAllowed {
		// No status change; result/error may still arrive independently,
		// but only where they are consistent with the current status.
		if p.Result != nil && t.Status == TodoCompleted {
			t.Result = *p.Result
		}
		if p.Error != nil && t.Status == TodoFailed {
			t.Error = *p.Error
		}
	}

	if p.UpdatedAt != nil {
		t.UpdatedAt = *p.UpdatedAt
	} else {
		t.UpdatedAt = s.now()
	}
	out := *t
	s.evict()
	return out
}

// applyTodoStatus sets the status and keeps the coupled fields consistent:
// result iff completed, error iff failed, completed_at iff completed.
func (s *Store) applyTodoStatus(t *TodoItem, status TodoStatus, result, errMsg *string, completedAt *time.Time) {
	t.Status = status
	switch status {
	case TodoCompleted:
		if result != nil {
			t.Result = *result
		}
		t.Error = ""
		if completedAt != nil {
			ca := *completedAt
			t.CompletedAt = &ca
		} else if t.CompletedAt == nil {
			ca := s.now()
			t.CompletedAt = &ca
		}
	case TodoFailed:
		if errMsg != nil {
			t.Error = *errMsg
		}
		t.Result = ""
		t.CompletedAt = nil
	default:
		t.Result = ""
		t.Error = ""
		t.CompletedAt = nil
	}
}

// ResetTodo moves a TODO item backward to the given status. This is the
// explicit, intentional reset path; it bypasses the monotone-status rule
// and clears result, error, and completed_at as needed.
func (s *Store) ResetTodo(id string, status TodoStatus) (TodoItem, bool) {
	t, ok := s.todos[id]
	if !ok {
		return TodoItem{}, false
	}
	s.applyTodoStatus(t, status, nil, nil, nil)
	t.UpdatedAt = s.now()
	return *t, true
}

// Get returns a copy of the entity with the given kind and id.
func (s *Store) Get(kind Kind, id string) (any, bool) {
	switch kind {
	case KindAgent:
		if a, ok := s.agents[id]; ok {
			return *a, true
		}
	case KindTaskNode:
		if n, ok := s.taskNodes[id]; ok {
			return *n, true
		}
	case KindTodo:
		if t, ok := s.todos[id]; ok {
			return *t, true
		}
	}
	return nil, false
}

// GetAgent returns a copy of the agent, if present.
func (s *Store) GetAgent(id string) (Agent, bool) {
	a, ok := s.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// GetTaskNode returns a copy of the task node, if present.
func (s *Store) GetTaskNode(id string) (TaskNode, bool) {
	n, ok := s.taskNodes[id]
	if !ok {
		return TaskNode{}, false
	}
	return *n, true
}

// GetTodo returns a copy of the TODO item, if present.
func (s *Store) GetTodo(id string) (TodoItem, bool) {
	t, ok := s.todos[id]
	if !ok {
		return TodoItem{}, false
	}
	return *t, true
}

// Remove deletes an entity. Removal never cascades: dependents simply fail
// future resolution lookups and are filtered from views as orphans.
func (s *Store) Remove(kind Kind, id string) bool {
	switch kind {
	case KindAgent:
		if _, ok := s.agents[id]; ok {
			delete(s.agents, id)
			return true
		}
	case KindTaskNode:
		if _, ok := s.taskNodes[id]; ok {
			delete(s.taskNodes, id)
			return true
		}
	case KindTodo:
		if _, ok := s.todos[id]; ok {
			delete(s.todos, id)
			return true
		}
	}
	return false
}

// ClearCompletedAgents removes all terminal agents except guarded ones and
// returns the removed ids.
func (s *Store) ClearCompletedAgents() []string {
	var removed []string
	for id, a := range s.agents {
		if a.LifecycleState.Terminal() && !s.guard(KindAgent, id) {
			delete(s.agents, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot is an immutable copy of the graph handed to the derivation
// layers (statistics, queries, view model).
type Snapshot struct {
	Agents    []Agent
	TaskNodes []TaskNode
	Todos     []TodoItem

	agentByID map[string]int
	nodeByID  map[string]int
}

// Snapshot copies the current graph. Agents and task nodes are ordered by
// creation time (ties by id); TODO items by creation time descending.
func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{
		Agents:    make([]Agent, 0, len(s.agents)),
		TaskNodes: make([]TaskNode, 0, len(s.taskNodes)),
		Todos:     make([]TodoItem, 0, len(s.todos)),
		agentByID: make(map[string]int, len(s.agents)),
		nodeByID:  make(map[string]int, len(s.taskNodes)),
	}
	for _, a := range s.agents {
		snap.Agents = append(snap.Agents, *a)
	}
	sort.Slice(snap.Agents, func(i, j int) bool {
		if !snap.Agents[i].CreatedAt.Equal(snap.Agents[j].CreatedAt) {
			return snap.Agents[i].CreatedAt.Before(snap.Agents[j].CreatedAt)
		}
		return snap.Agents[i].ID < snap.Agents[j].ID
	})
	for i, a := range snap.Agents {
		snap.agentByID[a.ID] = i
	}

	for _, n := range s.taskNodes {
		cp := *n
		cp.Dependencies = append([]string(nil), n.Dependencies...)
		snap.TaskNodes = append(snap.TaskNodes, cp)
	}
	sort.Slice(snap.TaskNodes, func(i, j int) bool {
		if !snap.TaskNodes[i].CreatedAt.Equal(snap.TaskNodes[j].CreatedAt) {
			return snap.TaskNodes[i].CreatedAt.Before(snap.TaskNodes[j].CreatedAt)
		}
		return snap.TaskNodes[i].ID < snap.TaskNodes[j].ID
	})
	for i, n := range snap.TaskNodes {
		snap.nodeByID[n.ID] = i
	}

	for _, t := range s.todos {
		snap.Todos = append(snap.Todos, *t)
	}
	sort.Slice(snap.Todos, func(i, j int) bool {
		if !snap.Todos[i].CreatedAt.Equal(snap.Todos[j].CreatedAt) {
			return snap.Todos[i].CreatedAt.After(snap.Todos[j].CreatedAt)
		}
		return snap.Todos[i].ID < snap.Todos[j].ID
	})
	return snap
}

// Agent looks up an agent in the snapshot.
func (sn *Snapshot) Agent(id string) (Agent, bool) {
	i, ok := sn.agentByID[id]
	if !ok {
		return Agent{}, false
	}
	return sn.Agents[i], true
}

// TaskNode looks up a task node in the snapshot.
func (sn *Snapshot) TaskNode(id string) (TaskNode, bool) {
	i, ok := sn.nodeByID[id]
	if !ok {
		return TaskNode{}, false
	}
	return sn.TaskNodes[i], true
}

// NodeResolved reports whether a task node's parent agent is live. Orphaned
// nodes are excluded from every view.
func (sn *Snapshot) NodeResolved(n TaskNode) bool {
	if n.ParentAgentID == "" {
		return false
	}
	_, ok := sn.agentByID[n.ParentAgentID]
	return ok
}

// TodoResolved reports whether a TODO item's owning task node resolves to a
// live, non-orphaned node.
func (sn *Snapshot) TodoResolved(t TodoItem) bool {
	if t.OwnerTaskNodeID == "" {
		return false
	}
	n, ok := sn.TaskNode(t.OwnerTaskNodeID)
	if !ok {
		return false
	}
	return sn.NodeResolved(n)
}

// ResolvedTodos returns the TODO items visible to views, i.e. those whose
// ownership chain resolves.
func (sn *Snapshot) ResolvedTodos() []TodoItem {
	out := make([]TodoItem, 0, len(sn.Todos))
	for _, t := range sn.Todos {
		if sn.TodoResolved(t) {
			out = append(out, t)
		}
	}
	return out
}

// AgentTaskNodes returns the non-orphaned task nodes owned by an agent, in
// snapshot order.
func (sn *Snapshot) AgentTaskNodes(agentID string) []TaskNode {
	var out []TaskNode
	for _, n := range sn.TaskNodes {
		if n.ParentAgentID == agentID && sn.NodeResolved(n) {
			out = append(out, n)
		}
	}
	return out
}

// NodeTodos returns the TODO items owned by a task node, in snapshot order.
func (sn *Snapshot) NodeTodos(nodeID string) []TodoItem {
	var out []TodoItem
	for _, t := range sn.Todos {
		if t.OwnerTaskNodeID == nodeID && sn.TodoResolved(t) {
			out = append(out, t)
		}
	}
	return out
}

// evict removes the oldest terminal entities while the graph is over the
// ceiling. TODO items go first, then task nodes, then agents; guarded
// entities are skipped. Live (non-terminal) entities are never evicted.
func (s *Store) evict() {
	if s.Len() <= s.maxEntities {
		return
	}

	type victim struct {
		kind Kind
		id   string
		at   time.Time
	}
	var victims []victim
	for id, t := range s.todos {
		if t.Status.Terminal() && !s.guard(KindTodo, id) {
			victims = append(victims, victim{KindTodo, id, t.UpdatedAt})
		}
	}
	for id, n := range s.taskNodes {
		if n.LifecycleState.Terminal() && !s.guard(KindTaskNode, id) {
			victims = append(victims, victim{KindTaskNode, id, n.CreatedAt})
		}
	}
	for id, a := range s.agents {
		if a.LifecycleState.Terminal() && !s.guard(KindAgent, id) {
			victims = append(victims, victim{KindAgent, id, a.CreatedAt})
		}
	}
	kindOrder := map[Kind]int{KindTodo: 0, KindTaskNode: 1, KindAgent: 2}
	sort.Slice(victims, func(i, j int) bool {
		if kindOrder[victims[i].kind] != kindOrder[victims[j].kind] {
			return kindOrder[victims[i].kind] < kindOrder[victims[j].kind]
		}
		if !victims[i].at.Equal(victims[j].at) {
			return victims[i].at.Before(victims[j].at)
		}
		return victims[i].id < victims[j].id
	})
	for _, v := range victims {
		if s.Len() <= s.maxEntities {
			return
		}
		if s.Remove(v.kind, v.id) && s.onEvicted != nil {
			s.onEvicted(v.kind, v.id)
		}
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
