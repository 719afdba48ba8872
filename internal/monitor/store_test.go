package monitor

import (
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func testClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestStore_UpsertAgent_FirstWriteCreates(t *testing.T) {
	s := NewStore(StoreOptions{})
	a := s.UpsertAgent(AgentPatch{ID: "a1", DisplayName: ptr("Builder")})

	if a.ID != "a1" {
		t.Fatalf("id = %q, want a1", a.ID)
	}
	if a.DisplayName != "Builder" {
		t.Fatalf("display name = %q, want Builder", a.DisplayName)
	}
	if a.LifecycleState != LifecyclePending {
		t.Fatalf("lifecycle = %q, want pending", a.LifecycleState)
	}
	if a.CreatedAt.IsZero() {
		t.Fatal("created_at not set on first write")
	}
}

func TestStore_UpsertAgent_PartialMerge(t *testing.T) {
	s := NewStore(StoreOptions{})
	s.UpsertAgent(AgentPatch{
		ID:          "a1",
		DisplayName: ptr("Builder"),
		RoleMode:    ptr(RoleCode),
	})
	// Patch only the lifecycle; name and role must survive.
	a := s.UpsertAgent(AgentPatch{ID: "a1", LifecycleState: ptr(LifecycleRunning)})

	if a.DisplayName != "Builder" || a.RoleMode != RoleCode {
		t.Fatalf("untouched fields changed: %+v", a)
	}
	if a.LifecycleState != LifecycleRunning {
		t.Fatalf("lifecycle = %q, want running", a.LifecycleState)
	}
}

func TestStore_UpsertTodo_MonotoneStatus(t *testing.T) {
	s := NewStore(StoreOptions{})
	s.UpsertTodo(TodoPatch{ID: "d1", Status: ptr(TodoCompleted)})

	// Ordinary merge must not move completed back to pending.
	got := s.UpsertTodo(TodoPatch{ID: "d1", Status: ptr(TodoPending), Content: ptr("still applies")})
	if got.Status != TodoCompleted {
		t.Fatalf("status = %q, want completed (backward merge rejected)", got.Status)
	}
	if got.Content != "still applies" {
		t.Fatalf("independent field dropped: content = %q", got.Content)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at cleared by rejected status")
	}
}

func TestStore_UpsertTodo_ResultErrorExclusive(t *testing.T) {
	s := NewStore(StoreOptions{})
	s.UpsertTodo(TodoPatch{ID: "d1", Status: ptr(TodoCompleted), Result: ptr("ok")})
	got, _ := s.GetTodo("d1")
	if got.Result != "ok" || got.Error != "" {
		t.Fatalf("completed item: result=%q error=%q", got.Result, got.Error)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set for completed item")
	}

	got = s.UpsertTodo(TodoPatch{ID: "d1", Status: ptr(TodoFailed), Error: ptr("boom")})
	if got.Error != "boom" || got.Result != "" {
		t.Fatalf("failed item: result=%q error=%q", got.Result, got.Error)
	}
	if got.CompletedAt != nil {
		t.Fatal("completed_at survived transition to failed")
	}
}

func TestStore_ResetTodo_BackwardMove(t *testing.T) {
	s := NewStore(StoreOptions{})
	s.UpsertTodo(TodoPatch{ID: "d1", Status: ptr(TodoCompleted), Result: ptr("done")})

	got, ok := s.ResetTodo("d1", TodoPending)
	if !ok {
		t.Fatal("reset of existing item failed")
	}
	if got.Status != TodoPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}
	if got.Result != "" || got.Error != "" || got.CompletedAt != nil {
		t.Fatalf("reset left stale outcome fields: %+v", got)
	}

	if _, ok := s.ResetTodo("nope", TodoPending); ok {
		t.Fatal("reset of missing item reported success")
	}
}

func TestStore_RemoveDoesNotCascade(t *testing.T) {
	s := NewStore(StoreOptions{})
	s.UpsertAgent(AgentPatch{ID: "a1"})
	s.UpsertTaskNode(TaskNodePatch{ID: "t1", ParentAgentID: ptr("a1")})
	s.UpsertTodo(TodoPatch{ID: "d1", OwnerTaskNodeID: ptr("t1")})

	if !s.Remove(KindAgent, "a1") {
		t.Fatal("remove agent failed")
	}

	// Dependents survive in the store but are orphaned in the snapshot.
	if _, ok := s.GetTaskNode("t1"); !ok {
		t.Fatal("task node cascade-deleted")
	}
	sn := s.Snapshot()
	n, _ := sn.TaskNode("t1")
	if sn.NodeResolved(n) {
		t.Fatal("orphaned node still resolves")
	}
	if got := len(sn.ResolvedTodos()); got != 0 {
		t.Fatalf("resolved todos = %d, want 0", got)
	}
}

func TestStore_ClearCompletedAgents_RespectsGuard(t *testing.T) {
	selected := "a2"
	s := NewStore(StoreOptions{
		Guard: func(kind Kind, id string) bool {
			return kind == KindAgent && id == selected
		},
	})
	s.UpsertAgent(AgentPatch{ID: "a1", LifecycleState: ptr(LifecycleCompleted)})
	s.UpsertAgent(AgentPatch{ID: "a2", LifecycleState: ptr(LifecycleCompleted)})
	s.UpsertAgent(AgentPatch{ID: "a3", LifecycleState: ptr(LifecycleRunning)})

	removed := s.ClearCompletedAgents()
	if len(removed) != 1 || removed[0] != "a1" {
		t.Fatalf("removed = %v, want [a1]", removed)
	}
	if _, ok := s.GetAgent("a2"); !ok {
		t.Fatal("guarded agent removed")
	}
	if _, ok := s.GetAgent("a3"); !ok {
		t.Fatal("running agent removed")
	}
}

func TestStore_EvictionCeiling(t *testing.T) {
	s := NewStore(StoreOptions{
		MaxEntities: 4,
		Now:         testClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)),
	})
	s.UpsertAgent(AgentPatch{ID: "a1", LifecycleState: ptr(LifecycleRunning)})
	s.UpsertTaskNode(TaskNodePatch{ID: "t1", ParentAgentID: ptr("a1")})

	// Two terminal todos, then a third one pushes over the ceiling: the
	// oldest terminal todo goes first.
	s.UpsertTodo(TodoPatch{ID: "d1", OwnerTaskNodeID: ptr("t1"), Status: ptr(TodoCompleted)})
	s.UpsertTodo(TodoPatch{ID: "d2", OwnerTaskNodeID: ptr("t1"), Status: ptr(TodoCompleted)})
	s.UpsertTodo(TodoPatch{ID: "d3", OwnerTaskNodeID: ptr("t1")})

	if s.Len() > 4 {
		t.Fatalf("len = %d, want <= 4", s.Len())
	}
	if _, ok := s.GetTodo("d1"); ok {
		t.Fatal("oldest terminal todo not evicted")
	}
	if _, ok := s.GetTodo("d3"); !ok {
		t.Fatal("live todo evicted")
	}
	if _, ok := s.GetAgent("a1"); !ok {
		t.Fatal("running agent evicted")
	}
}

func TestStore_ProgressFractionClamped(t *testing.T) {
	s := NewStore(StoreOptions{})
	a := s.UpsertAgent(AgentPatch{ID: "a1", ProgressFraction: ptr(1.7)})
	if *a.ProgressFraction != 1 {
		t.Fatalf("progress = %v, want 1", *a.ProgressFraction)
	}
	a = s.UpsertAgent(AgentPatch{ID: "a1", ProgressFraction: ptr(-0.2)})
	if *a.ProgressFraction != 0 {
		t.Fatalf("progress = %v, want 0", *a.ProgressFraction)
	}
}

func TestSnapshot_Ordering(t *testing.T) {
	clock := testClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	s := NewStore(StoreOptions{Now: clock})
	s.UpsertAgent(AgentPatch{ID: "b"})
	s.UpsertAgent(AgentPatch{ID: "a"})

	sn := s.Snapshot()
	if sn.Agents[0].ID != "b" || sn.Agents[1].ID != "a" {
		t.Fatalf("agents not in creation order: %v, %v", sn.Agents[0].ID, sn.Agents[1].ID)
	}
}
