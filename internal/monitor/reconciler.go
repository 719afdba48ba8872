package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

const defaultMaxBufferPasses = 3

// Field groups gated by per-group last-writer-wins. Fields in the same
// group are mutually exclusive and move together; groups of one entity are
// independent of each other.
const (
	groupIdentity  = "identity"
	groupLifecycle = "lifecycle"
	groupProgress  = "progress"
	groupStatus    = "status"
	groupOutcome   = "outcome"
)

// UpdateEvent is one inbound partial update. Patch is the kind-specific
// patch object (AgentPatch / TaskNodePatch / TodoPatch) in JSON form; the
// envelope is validated at the transport boundary, the patch shape here.
type UpdateEvent struct {
	TargetKind  Kind            `json:"target_kind"`
	TargetID    string          `json:"target_id"`
	EventTimeMs int64           `json:"event_time_ms"`
	Patch       json.RawMessage `json:"patch"`
}

// ApplyResult describes what the reconciler did with one event.
type ApplyResult struct {
	Applied       bool     // some field group reached the store
	Created       bool     // the target entity did not exist before
	Buffered      bool     // parked until the parent shows up
	DroppedGroups []string // field groups rejected as stale
	DroppedStale  bool     // the whole event was stale

	// AppliedPending lists previously parked updates that applied as a side
	// effect of this event, in retry order. They mutated the graph exactly
	// like directly applied events and must go through the same accepted-
	// event plumbing (journal, bus, metrics).
	AppliedPending []AppliedUpdate
}

// AppliedUpdate is one parked update that finally applied.
type AppliedUpdate struct {
	Event   UpdateEvent
	Created bool
}

type entityKey struct {
	kind Kind
	id   string
}

type pendingUpdate struct {
	ev         UpdateEvent
	passesLeft int
}

// Reconciler is the ingestion boundary: it accepts one update event at a
// time in delivery order and applies it to the store under merge rules that
// tolerate out-of-order and repeated delivery.
//
// The tolerance mechanism is per-field-group last-writer-wins by event
// time: an event older than the last applied write for a group is dropped
// for that group only, and independent groups of the same event still
// apply. Child-before-parent delivery is tolerated by parking the event for
// a bounded number of subsequent reconciliation passes.
type Reconciler struct {
	store  *Store
	logger *slog.Logger

	maxPasses       int
	clocks          map[entityKey]map[string]int64
	pending         []pendingUpdate
	onOrphanDropped func(kind Kind, id string)
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	// MaxBufferPasses is how many reconciliation passes a parentless update
	// survives before it is dropped with a diagnostic. Zero means 3.
	MaxBufferPasses int
	Logger          *slog.Logger

	// OnOrphanDropped is called when a parked update exhausts its passes.
	OnOrphanDropped func(kind Kind, id string)
}

// NewReconciler creates a Reconciler writing into the given store.
func NewReconciler(store *Store, opts ReconcilerOptions) *Reconciler {
	if opts.MaxBufferPasses <= 0 {
		opts.MaxBufferPasses = defaultMaxBufferPasses
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		store:           store,
		logger:          opts.Logger,
		maxPasses:       opts.MaxBufferPasses,
		clocks:          make(map[entityKey]map[string]int64),
		onOrphanDropped: opts.OnOrphanDropped,
	}
}

// Apply ingests one update event. It returns a malformed-event error only
// when the event cannot be decoded at all; stale or orphaned updates are
// not errors.
func (r *Reconciler) Apply(ev UpdateEvent) (ApplyResult, error) {
	res, err := r.applyOne(ev)
	if err != nil {
		return res, err
	}
	// Every accepted mutation is one reconciliation pass for parked
	// updates: their parent may just have arrived.
	if res.Applied {
		res.AppliedPending = r.retryPending()
	}
	return res, nil
}

func (r *Reconciler) applyOne(ev UpdateEvent) (ApplyResult, error) {
	if ev.TargetID == "" {
		return ApplyResult{}, fmt.Errorf("update event: empty target_id")
	}
	switch ev.TargetKind {
	case KindAgent:
		return r.applyAgent(ev)
	case KindTaskNode:
		return r.applyTaskNode(ev, true)
	case KindTodo:
		return r.applyTodo(ev, true)
	default:
		return ApplyResult{}, fmt.Errorf("update event: unknown target_kind %q", ev.TargetKind)
	}
}

func (r *Reconciler) applyAgent(ev UpdateEvent) (ApplyResult, error) {
	var p AgentPatch
	if err := json.Unmarshal(ev.Patch, &p); err != nil {
		return ApplyResult{}, fmt.Errorf("agent patch for %s: %w", ev.TargetID, err)
	}
	if err := validateAgentPatch(p); err != nil {
		return ApplyResult{}, err
	}
	p.ID = ev.TargetID

	res := ApplyResult{}
	_, existed := r.store.GetAgent(ev.TargetID)
	res.Created = !existed

	if stale := r.gate(KindAgent, ev.TargetID, groupIdentity, ev.EventTimeMs,
		p.DisplayName != nil || p.RoleMode != nil || p.CreatedAt != nil); stale {
		p.DisplayName, p.RoleMode, p.CreatedAt = nil, nil, nil
		res.DroppedGroups = append(res.DroppedGroups, groupIdentity)
	}
	if stale := r.gate(KindAgent, ev.TargetID, groupLifecycle, ev.EventTimeMs,
		p.LifecycleState != nil); stale {
		p.LifecycleState = nil
		res.DroppedGroups = append(res.DroppedGroups, groupLifecycle)
	}
	if stale := r.gate(KindAgent, ev.TargetID, groupProgress, ev.EventTimeMs,
		p.ProgressFraction != nil || p.CurrentStepLabel != nil); stale {
		p.ProgressFraction, p.CurrentStepLabel = nil, nil
		res.DroppedGroups = append(res.DroppedGroups, groupProgress)
	}

	// When every group was gated out there is nothing left to merge, and a
	// fully-stale event must never create the entity.
	if patchEmptyAgent(p) && len(res.DroppedGroups) > 0 {
		res.Created = false
		res.DroppedStale = true
		return res, nil
	}
	r.store.UpsertAgent(p)
	res.Applied = true
	return res, nil
}

func (r *Reconciler) applyTaskNode(ev UpdateEvent, allowBuffer bool) (ApplyResult, error) {
	var p TaskNodePatch
	if err := json.Unmarshal(ev.Patch, &p); err != nil {
		return ApplyResult{}, fmt.Errorf("task node patch for %s: %w", ev.TargetID, err)
	}
	if err := validateTaskNodePatch(p); err != nil {
		return ApplyResult{}, err
	}
	p.ID = ev.TargetID

	// A task node's owning agent is a required relationship. Hold the event
	// until the parent shows up when the chain does not resolve yet.
	if !r.taskNodeParentResolvable(p) {
		if allowBuffer {
			r.buffer(ev)
			return ApplyResult{Buffered: true}, nil
		}
		return ApplyResult{Buffered: true}, nil
	}

	res := ApplyResult{}
	_, existed := r.store.GetTaskNode(ev.TargetID)
	res.Created = !existed

	if stale := r.gate(KindTaskNode, ev.TargetID, groupIdentity, ev.EventTimeMs,
		p.ParentAgentID != nil || p.Description != nil || p.Dependencies != nil || p.CreatedAt != nil); stale {
		p.ParentAgentID, p.Description, p.Dependencies, p.CreatedAt = nil, nil, nil, nil
		res.DroppedGroups = append(res.DroppedGroups, groupIdentity)
	}
	if stale := r.gate(KindTaskNode, ev.TargetID, groupLifecycle, ev.EventTimeMs,
		p.LifecycleState != nil); stale {
		p.LifecycleState = nil
		res.DroppedGroups = append(res.DroppedGroups, groupLifecycle)
	}
	if stale := r.gate(KindTaskNode, ev.TargetID, groupProgress, ev.EventTimeMs,
		p.ProgressFraction != nil); stale {
		p.ProgressFraction = nil
		res.DroppedGroups = append(res.DroppedGroups, groupProgress)
	}

	if patchEmptyTaskNode(p) && len(res.DroppedGroups) > 0 {
		res.Created = false
		res.DroppedStale = true
		return res, nil
	}
	r.store.UpsertTaskNode(p)
	res.Applied = true
	return res, nil
}

func (r *Reconciler) applyTodo(ev UpdateEvent, allowBuffer bool) (ApplyResult, error) {
	var p TodoPatch
	if err := json.Unmarshal(ev.Patch, &p); err != nil {
		return ApplyResult{}, fmt.Errorf("todo patch for %s: %w", ev.TargetID, err)
	}
	if err := validateTodoPatch(p); err != nil {
		return ApplyResult{}, err
	}
	p.ID = ev.TargetID

	if !r.todoOwnerResolvable(p) {
		if allowBuffer {
			r.buffer(ev)
			return ApplyResult{Buffered: true}, nil
		}
		return ApplyResult{Buffered: true}, nil
	}

	res := ApplyResult{}
	_, existed := r.store.GetTodo(ev.TargetID)
	res.Created = !existed

	if stale := r.gate(KindTodo, ev.TargetID, groupIdentity, ev.EventTimeMs,
		p.OwnerTaskNodeID != nil || p.Content != nil || p.Priority != nil || p.CreatedAt != nil); stale {
		p.OwnerTaskNodeID, p.Content, p.Priority, p.CreatedAt = nil, nil, nil, nil
		res.DroppedGroups = append(res.DroppedGroups, groupIdentity)
	}
	if stale := r.gate(KindTodo, ev.TargetID, groupStatus, ev.EventTimeMs,
		p.Status != nil || p.CompletedAt != nil); stale {
		p.Status, p.CompletedAt = nil, nil
		res.DroppedGroups = append(res.DroppedGroups, groupStatus)
	}
	if stale := r.gate(KindTodo, ev.TargetID, groupOutcome, ev.EventTimeMs,
		p.Result != nil || p.Error != nil); stale {
		p.Result, p.Error = nil, nil
		res.DroppedGroups = append(res.DroppedGroups, groupOutcome)
	}

	if patchEmptyTodo(p) && len(res.DroppedGroups) > 0 {
		res.Created = false
		res.DroppedStale = true
		return res, nil
	}
	r.store.UpsertTodo(p)
	res.Applied = true
	return res, nil
}

// gate implements per-field-group last-writer-wins. It returns true when
// the group is present in the patch but the event is older than the last
// applied write for that group; otherwise it advances the group clock when
// the group is present.
func (r *Reconciler) gate(kind Kind, id, group string, eventTimeMs int64, present bool) bool {
	if !present {
		return false
	}
	key := entityKey{kind, id}
	clock := r.clocks[key]
	if clock == nil {
		clock = make(map[string]int64)
		r.clocks[key] = clock
	}
	if last, ok := clock[group]; ok && eventTimeMs < last {
		return true
	}
	clock[group] = eventTimeMs
	return false
}

func (r *Reconciler) taskNodeParentResolvable(p TaskNodePatch) bool {
	if p.ParentAgentID != nil {
		_, ok := r.store.GetAgent(*p.ParentAgentID)
		return ok
	}
	// No parent in the patch: fine for an existing node with a known
	// parent, unresolvable for a brand-new one.
	n, ok := r.store.GetTaskNode(p.ID)
	if !ok {
		return false
	}
	_, ok = r.store.GetAgent(n.ParentAgentID)
	return ok
}

func (r *Reconciler) todoOwnerResolvable(p TodoPatch) bool {
	if p.OwnerTaskNodeID != nil {
		_, ok := r.store.GetTaskNode(*p.OwnerTaskNodeID)
		return ok
	}
	t, ok := r.store.GetTodo(p.ID)
	if !ok {
		return false
	}
	_, ok = r.store.GetTaskNode(t.OwnerTaskNodeID)
	return ok
}

func (r *Reconciler) buffer(ev UpdateEvent) {
	r.pending = append(r.pending, pendingUpdate{ev: ev, passesLeft: r.maxPasses})
	r.logger.Debug("update parked: parent not yet resolvable",
		"kind", ev.TargetKind, "id", ev.TargetID, "pending", len(r.pending))
}

// retryPending re-attempts parked updates and returns the ones that
// applied. Entries that still cannot resolve lose a pass; exhausted
// entries are dropped with a diagnostic.
func (r *Reconciler) retryPending() []AppliedUpdate {
	if len(r.pending) == 0 {
		return nil
	}
	var applied []AppliedUpdate
	kept := r.pending[:0]
	for _, pu := range r.pending {
		var res ApplyResult
		var err error
		switch pu.ev.TargetKind {
		case KindTaskNode:
			res, err = r.applyTaskNode(pu.ev, false)
		case KindTodo:
			res, err = r.applyTodo(pu.ev, false)
		}
		if err != nil {
			r.logger.Warn("parked update became malformed, dropping",
				"kind", pu.ev.TargetKind, "id", pu.ev.TargetID, "error", err)
			continue
		}
		if !res.Buffered {
			if res.Applied {
				applied = append(applied, AppliedUpdate{Event: pu.ev, Created: res.Created})
			}
			continue // applied or stale-dropped, either way done
		}
		pu.passesLeft--
		if pu.passesLeft <= 0 {
			r.logger.Warn("orphan update dropped: parent never resolved",
				"kind", pu.ev.TargetKind, "id", pu.ev.TargetID)
			if r.onOrphanDropped != nil {
				r.onOrphanDropped(pu.ev.TargetKind, pu.ev.TargetID)
			}
			continue
		}
		kept = append(kept, pu)
	}
	r.pending = kept
	return applied
}

// PendingCount returns the number of parked updates.
func (r *Reconciler) PendingCount() int {
	return len(r.pending)
}

// Forget clears reconciliation state for a removed entity so a later
// re-creation under the same id starts with fresh group clocks.
func (r *Reconciler) Forget(kind Kind, id string) {
	delete(r.clocks, entityKey{kind, id})
}

func validateAgentPatch(p AgentPatch) error {
	if p.RoleMode != nil {
		switch *p.RoleMode {
		case RoleOrchestrator, RoleArchitect, RoleCode, RoleAsk, RoleDebug:
		default:
			return fmt.Errorf("agent patch: unknown role_mode %q", *p.RoleMode)
		}
	}
	if p.LifecycleState != nil {
		if err := validateLifecycle(*p.LifecycleState); err != nil {
			return fmt.Errorf("agent patch: %w", err)
		}
	}
	return nil
}

func validateTaskNodePatch(p TaskNodePatch) error {
	if p.ParentAgentID != nil && *p.ParentAgentID == "" {
		return fmt.Errorf("task node patch: empty parent_agent_id")
	}
	if p.LifecycleState != nil {
		if err := validateLifecycle(*p.LifecycleState); err != nil {
			return fmt.Errorf("task node patch: %w", err)
		}
	}
	return nil
}

func validateTodoPatch(p TodoPatch) error {
	if p.OwnerTaskNodeID != nil && *p.OwnerTaskNodeID == "" {
		return fmt.Errorf("todo patch: empty owner_task_node_id")
	}
	if p.Status != nil {
		switch *p.Status {
		case TodoPending, TodoInProgress, TodoCompleted, TodoFailed:
		default:
			return fmt.Errorf("todo patch: unknown status %q", *p.Status)
		}
	}
	if p.Priority != nil {
		switch *p.Priority {
		case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		default:
			return fmt.Errorf("todo patch: unknown priority %q", *p.Priority)
		}
	}
	if p.Result != nil && p.Error != nil {
		return fmt.Errorf("todo patch: result and error are mutually exclusive")
	}
	return nil
}

func validateLifecycle(s LifecycleState) error {
	switch s {
	case LifecyclePending, LifecycleRunning, LifecycleCompleted, LifecycleFailed:
		return nil
	}
	return fmt.Errorf("unknown lifecycle_state %q", s)
}

func patchEmptyAgent(p AgentPatch) bool {
	return p.DisplayName == nil && p.RoleMode == nil && p.LifecycleState == nil &&
		p.CreatedAt == nil && p.ProgressFraction == nil && p.CurrentStepLabel == nil
}

func patchEmptyTaskNode(p TaskNodePatch) bool {
	return p.ParentAgentID == nil && p.Description == nil && p.LifecycleState == nil &&
		p.Dependencies == nil && p.ProgressFraction == nil && p.CreatedAt == nil
}

func patchEmptyTodo(p TodoPatch) bool {
	return p.OwnerTaskNodeID == nil && p.Content == nil && p.Status == nil &&
		p.Priority == nil && p.Result == nil && p.Error == nil &&
		p.CreatedAt == nil && p.UpdatedAt == nil && p.CompletedAt == nil
}
