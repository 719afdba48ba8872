package monitor

import (
	"encoding/json"
	"reflect"
	"testing"
)

func mustPatch(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal patch: %v", err)
	}
	return b
}

func agentEvent(t *testing.T, id string, ts int64, p AgentPatch) UpdateEvent {
	t.Helper()
	return UpdateEvent{TargetKind: KindAgent, TargetID: id, EventTimeMs: ts, Patch: mustPatch(t, p)}
}

func nodeEvent(t *testing.T, id string, ts int64, p TaskNodePatch) UpdateEvent {
	t.Helper()
	return UpdateEvent{TargetKind: KindTaskNode, TargetID: id, EventTimeMs: ts, Patch: mustPatch(t, p)}
}

func todoEvent(t *testing.T, id string, ts int64, p TodoPatch) UpdateEvent {
	t.Helper()
	return UpdateEvent{TargetKind: KindTodo, TargetID: id, EventTimeMs: ts, Patch: mustPatch(t, p)}
}

func newTestReconciler() (*Reconciler, *Store) {
	s := NewStore(StoreOptions{})
	r := NewReconciler(s, ReconcilerOptions{})
	return r, s
}

// seedGraph sets up agent a1 -> node t1.
func seedGraph(t *testing.T, r *Reconciler) {
	t.Helper()
	if _, err := r.Apply(agentEvent(t, "a1", 1, AgentPatch{
		RoleMode:       ptr(RoleOrchestrator),
		LifecycleState: ptr(LifecycleRunning),
	})); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	if _, err := r.Apply(nodeEvent(t, "t1", 2, TaskNodePatch{
		ParentAgentID: ptr("a1"),
		Description:   ptr("build"),
	})); err != nil {
		t.Fatalf("seed node: %v", err)
	}
}

func TestReconciler_FirstWriteCreates(t *testing.T) {
	r, s := newTestReconciler()
	res, err := r.Apply(agentEvent(t, "a1", 10, AgentPatch{DisplayName: ptr("Orc")}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Created || !res.Applied {
		t.Fatalf("result = %+v, want created+applied", res)
	}
	if _, ok := s.GetAgent("a1"); !ok {
		t.Fatal("agent not created")
	}
}

func TestReconciler_Idempotence(t *testing.T) {
	r, s := newTestReconciler()
	seedGraph(t, r)

	ev := todoEvent(t, "d1", 10, TodoPatch{
		OwnerTaskNodeID: ptr("t1"),
		Content:         ptr("write tests"),
		Status:          ptr(TodoInProgress),
	})
	if _, err := r.Apply(ev); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	first, _ := s.GetTodo("d1")

	if _, err := r.Apply(ev); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	second, _ := s.GetTodo("d1")

	// UpdatedAt is bookkeeping; the merged content must be identical.
	first.UpdatedAt = second.UpdatedAt
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("duplicate delivery changed state:\n first=%+v\nsecond=%+v", first, second)
	}
}

func TestReconciler_OrderToleranceIndependentGroups(t *testing.T) {
	// Two updates to independent field groups of the same entity must
	// commute.
	deliver := func(t *testing.T, order [2]int) TodoItem {
		r, s := newTestReconciler()
		seedGraph(t, r)
		evs := []UpdateEvent{
			todoEvent(t, "d1", 10, TodoPatch{OwnerTaskNodeID: ptr("t1"), Content: ptr("step one")}),
			todoEvent(t, "d1", 11, TodoPatch{Status: ptr(TodoInProgress)}),
		}
		for _, i := range order {
			if _, err := r.Apply(evs[i]); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
		got, _ := s.GetTodo("d1")
		return got
	}

	a := deliver(t, [2]int{0, 1})
	b := deliver(t, [2]int{1, 0})
	// Second delivery order parks the status event (owner unknown) and
	// applies it on the next pass; bookkeeping timestamps differ.
	a.UpdatedAt = b.UpdatedAt
	a.CreatedAt = b.CreatedAt
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("delivery order changed final state:\n a=%+v\n b=%+v", a, b)
	}
}

func TestReconciler_StaleStatusRejectedScenario(t *testing.T) {
	// Spec scenario: d1 completed at t=10, d2 in_progress at t=11, then a
	// stale d1 pending at t=5. The stale write loses; completion stays.
	r, s := newTestReconciler()
	seedGraph(t, r)

	events := []UpdateEvent{
		todoEvent(t, "d1", 1, TodoPatch{OwnerTaskNodeID: ptr("t1")}),
		todoEvent(t, "d2", 1, TodoPatch{OwnerTaskNodeID: ptr("t1")}),
		todoEvent(t, "d1", 10, TodoPatch{Status: ptr(TodoCompleted)}),
		todoEvent(t, "d2", 11, TodoPatch{Status: ptr(TodoInProgress)}),
	}
	for _, ev := range events {
		if _, err := r.Apply(ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	res, err := r.Apply(todoEvent(t, "d1", 5, TodoPatch{Status: ptr(TodoPending)}))
	if err != nil {
		t.Fatalf("stale apply: %v", err)
	}
	if !res.DroppedStale {
		t.Fatalf("result = %+v, want whole event dropped as stale", res)
	}

	d1, _ := s.GetTodo("d1")
	if d1.Status != TodoCompleted {
		t.Fatalf("d1 status = %q, want completed", d1.Status)
	}

	counts := NodeCounts(s.Snapshot(), "t1")
	if got := counts.CompletionRate(); got != 0.5 {
		t.Fatalf("completion rate = %v, want 0.5", got)
	}
}

func TestReconciler_StaleGroupDroppedOthersApply(t *testing.T) {
	r, s := newTestReconciler()
	seedGraph(t, r)

	if _, err := r.Apply(todoEvent(t, "d1", 10, TodoPatch{
		OwnerTaskNodeID: ptr("t1"),
		Content:         ptr("original"),
	})); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := r.Apply(todoEvent(t, "d1", 20, TodoPatch{
		Status: ptr(TodoInProgress),
	})); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Older event: stale for the status group, fresh for identity.
	res, err := r.Apply(todoEvent(t, "d1", 15, TodoPatch{
		Status:  ptr(TodoCompleted),
		Content: ptr("late description"),
	}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Applied {
		t.Fatalf("result = %+v, want partial apply", res)
	}
	if len(res.DroppedGroups) != 1 || res.DroppedGroups[0] != groupStatus {
		t.Fatalf("dropped groups = %v, want [status]", res.DroppedGroups)
	}

	got, _ := s.GetTodo("d1")
	if got.Status != TodoInProgress {
		t.Fatalf("status = %q, want in_progress (stale group dropped)", got.Status)
	}
	if got.Content != "late description" {
		t.Fatalf("content = %q, independent group must apply", got.Content)
	}
}

func TestReconciler_ChildBeforeParentBuffered(t *testing.T) {
	r, s := newTestReconciler()

	res, err := r.Apply(nodeEvent(t, "t1", 5, TaskNodePatch{
		ParentAgentID: ptr("a1"),
		Description:   ptr("early child"),
	}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Buffered {
		t.Fatalf("result = %+v, want buffered", res)
	}
	if _, ok := s.GetTaskNode("t1"); ok {
		t.Fatal("node created before parent resolved")
	}

	// Parent arrives; the parked child applies on the same pass.
	if _, err := r.Apply(agentEvent(t, "a1", 6, AgentPatch{})); err != nil {
		t.Fatalf("apply parent: %v", err)
	}
	n, ok := s.GetTaskNode("t1")
	if !ok {
		t.Fatal("parked node not applied after parent arrived")
	}
	if n.Description != "early child" {
		t.Fatalf("description = %q, want early child", n.Description)
	}
	if r.PendingCount() != 0 {
		t.Fatalf("pending = %d, want 0", r.PendingCount())
	}
}

func TestReconciler_OrphanDroppedAfterBoundedPasses(t *testing.T) {
	var dropped []string
	s := NewStore(StoreOptions{})
	r := NewReconciler(s, ReconcilerOptions{
		MaxBufferPasses: 2,
		OnOrphanDropped: func(kind Kind, id string) {
			dropped = append(dropped, id)
		},
	})

	if _, err := r.Apply(todoEvent(t, "d9", 1, TodoPatch{OwnerTaskNodeID: ptr("missing")})); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if r.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", r.PendingCount())
	}

	// Each unrelated accepted event is one reconciliation pass.
	r.Apply(agentEvent(t, "x1", 2, AgentPatch{}))
	r.Apply(agentEvent(t, "x2", 3, AgentPatch{}))

	if r.PendingCount() != 0 {
		t.Fatalf("pending = %d, want 0 after passes exhausted", r.PendingCount())
	}
	if len(dropped) != 1 || dropped[0] != "d9" {
		t.Fatalf("dropped = %v, want [d9]", dropped)
	}
	if _, ok := s.GetTodo("d9"); ok {
		t.Fatal("orphan update reached the store")
	}
}

func TestReconciler_MalformedEvents(t *testing.T) {
	r, _ := newTestReconciler()
	seedGraph(t, r)

	cases := []struct {
		name string
		ev   UpdateEvent
	}{
		{"empty id", UpdateEvent{TargetKind: KindAgent, Patch: []byte(`{}`)}},
		{"unknown kind", UpdateEvent{TargetKind: "widget", TargetID: "w1", Patch: []byte(`{}`)}},
		{"bad json", UpdateEvent{TargetKind: KindAgent, TargetID: "a1", Patch: []byte(`{`)}},
		{"bad role", agentEvent(t, "a1", 9, AgentPatch{RoleMode: ptr(RoleMode("wizard"))})},
		{"bad status", todoEvent(t, "d1", 9, TodoPatch{OwnerTaskNodeID: ptr("t1"), Status: ptr(TodoStatus("done-ish"))})},
		{"result and error", todoEvent(t, "d1", 9, TodoPatch{OwnerTaskNodeID: ptr("t1"), Result: ptr("ok"), Error: ptr("no")})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Apply(tc.ev); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestReconciler_ForgetResetsClocks(t *testing.T) {
	r, s := newTestReconciler()
	seedGraph(t, r)

	r.Apply(agentEvent(t, "a1", 100, AgentPatch{LifecycleState: ptr(LifecycleCompleted)}))
	s.Remove(KindAgent, "a1")
	r.Forget(KindAgent, "a1")

	// Re-created under the same id: old clocks must not reject this.
	res, err := r.Apply(agentEvent(t, "a1", 50, AgentPatch{LifecycleState: ptr(LifecycleRunning)}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Applied || !res.Created {
		t.Fatalf("result = %+v, want created+applied", res)
	}
	a, _ := s.GetAgent("a1")
	if a.LifecycleState != LifecycleRunning {
		t.Fatalf("lifecycle = %q, want running", a.LifecycleState)
	}
}

func TestReconciler_FullyStaleEventNeverCreates(t *testing.T) {
	r, s := newTestReconciler()
	seedGraph(t, r)

	r.Apply(todoEvent(t, "d1", 100, TodoPatch{
		OwnerTaskNodeID: ptr("t1"),
		Content:         ptr("ship"),
		Status:          ptr(TodoCompleted),
	}))
	// Removed behind the reconciler's back: the group clocks survive.
	s.Remove(KindTodo, "d1")

	res, err := r.Apply(todoEvent(t, "d1", 50, TodoPatch{
		OwnerTaskNodeID: ptr("t1"),
		Content:         ptr("late echo"),
		Status:          ptr(TodoPending),
	}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Applied || res.Created || !res.DroppedStale {
		t.Fatalf("result = %+v, want dropped-stale and no creation", res)
	}
	if _, ok := s.GetTodo("d1"); ok {
		t.Fatal("fully-stale event created an entity")
	}
}
