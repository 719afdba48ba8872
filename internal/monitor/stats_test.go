package monitor

import (
	"testing"
	"time"
)

func statsGraph(t *testing.T) *Store {
	t.Helper()
	s := NewStore(StoreOptions{Now: testClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))})
	s.UpsertAgent(AgentPatch{ID: "a1", RoleMode: ptr(RoleOrchestrator), LifecycleState: ptr(LifecycleRunning)})
	s.UpsertAgent(AgentPatch{ID: "a2", RoleMode: ptr(RoleCode), LifecycleState: ptr(LifecycleRunning)})
	s.UpsertTaskNode(TaskNodePatch{ID: "t1", ParentAgentID: ptr("a1")})
	s.UpsertTaskNode(TaskNodePatch{ID: "t2", ParentAgentID: ptr("a2")})
	return s
}

func TestComputeStats_CountsAndRates(t *testing.T) {
	s := statsGraph(t)
	s.UpsertTodo(TodoPatch{ID: "d1", OwnerTaskNodeID: ptr("t1"), Status: ptr(TodoCompleted)})
	s.UpsertTodo(TodoPatch{ID: "d2", OwnerTaskNodeID: ptr("t1"), Status: ptr(TodoInProgress)})
	s.UpsertTodo(TodoPatch{ID: "d3", OwnerTaskNodeID: ptr("t2")})
	s.UpsertTodo(TodoPatch{ID: "d4", OwnerTaskNodeID: ptr("t2"), Status: ptr(TodoFailed), Error: ptr("x")})

	st := ComputeStats(s.Snapshot())

	if st.Global.Total != 4 || st.Global.Completed != 1 || st.Global.InProgress != 1 ||
		st.Global.Pending != 1 || st.Global.Failed != 1 {
		t.Fatalf("global counts = %+v", st.Global)
	}
	if st.GlobalRate != 0.25 {
		t.Fatalf("global rate = %v, want 0.25", st.GlobalRate)
	}
	a1 := st.PerAgent["a1"]
	if a1.Todos.Total != 2 || a1.CompletionRate != 0.5 {
		t.Fatalf("a1 stats = %+v", a1)
	}
	if st.ActiveAgents != 2 || st.TotalAgents != 2 {
		t.Fatalf("agents: active=%d total=%d", st.ActiveAgents, st.TotalAgents)
	}
}

func TestComputeStats_EmptyGraphRateZero(t *testing.T) {
	s := NewStore(StoreOptions{})
	st := ComputeStats(s.Snapshot())
	if st.GlobalRate != 0 {
		t.Fatalf("rate = %v, want 0 for empty graph", st.GlobalRate)
	}
	if st.Global.Total != 0 {
		t.Fatalf("total = %d, want 0", st.Global.Total)
	}
}

func TestComputeStats_RateBounds(t *testing.T) {
	s := statsGraph(t)
	for i, id := range []string{"x1", "x2", "x3"} {
		status := TodoPending
		if i%2 == 0 {
			status = TodoCompleted
		}
		s.UpsertTodo(TodoPatch{ID: id, OwnerTaskNodeID: ptr("t1"), Status: &status})
	}
	st := ComputeStats(s.Snapshot())
	for id, as := range st.PerAgent {
		if as.CompletionRate < 0 || as.CompletionRate > 1 {
			t.Fatalf("agent %s rate %v out of [0,1]", id, as.CompletionRate)
		}
	}
	if st.GlobalRate < 0 || st.GlobalRate > 1 {
		t.Fatalf("global rate %v out of [0,1]", st.GlobalRate)
	}
}

func TestComputeStats_MostActiveAgent(t *testing.T) {
	s := statsGraph(t)
	// a1 has two in-progress items, a2 one.
	s.UpsertTodo(TodoPatch{ID: "d1", OwnerTaskNodeID: ptr("t1"), Status: ptr(TodoInProgress)})
	s.UpsertTodo(TodoPatch{ID: "d2", OwnerTaskNodeID: ptr("t1"), Status: ptr(TodoInProgress)})
	s.UpsertTodo(TodoPatch{ID: "d3", OwnerTaskNodeID: ptr("t2"), Status: ptr(TodoInProgress)})

	st := ComputeStats(s.Snapshot())
	if st.MostActiveAgent != "a1" {
		t.Fatalf("most active = %q, want a1", st.MostActiveAgent)
	}
	// d3 was written last, so a2 is the most recently active.
	if st.MostRecentAgent != "a2" {
		t.Fatalf("most recent = %q, want a2", st.MostRecentAgent)
	}
}

func TestComputeStats_MostActiveTieBrokenByRecency(t *testing.T) {
	s := statsGraph(t)
	s.UpsertTodo(TodoPatch{ID: "d1", OwnerTaskNodeID: ptr("t1"), Status: ptr(TodoInProgress)})
	s.UpsertTodo(TodoPatch{ID: "d2", OwnerTaskNodeID: ptr("t2"), Status: ptr(TodoInProgress)})

	st := ComputeStats(s.Snapshot())
	// One in-progress item each; d2 is newer, so a2 wins the tie.
	if st.MostActiveAgent != "a2" {
		t.Fatalf("most active = %q, want a2 on recency tie-break", st.MostActiveAgent)
	}
}

func TestComputeStats_OrphansExcluded(t *testing.T) {
	s := statsGraph(t)
	s.UpsertTodo(TodoPatch{ID: "d1", OwnerTaskNodeID: ptr("t1"), Status: ptr(TodoCompleted)})
	s.Remove(KindAgent, "a1") // orphans t1 and d1

	st := ComputeStats(s.Snapshot())
	if st.Global.Total != 0 {
		t.Fatalf("orphaned todo counted: %+v", st.Global)
	}
	if st.OrphanedEntities != 2 {
		t.Fatalf("orphaned = %d, want 2 (node + todo)", st.OrphanedEntities)
	}
}

func TestNodeCounts(t *testing.T) {
	s := statsGraph(t)
	s.UpsertTodo(TodoPatch{ID: "d1", OwnerTaskNodeID: ptr("t1"), Status: ptr(TodoCompleted)})
	s.UpsertTodo(TodoPatch{ID: "d2", OwnerTaskNodeID: ptr("t1")})

	c := NodeCounts(s.Snapshot(), "t1")
	if c.Total != 2 || c.Completed != 1 {
		t.Fatalf("counts = %+v", c)
	}
	if c.CompletionRate() != 0.5 {
		t.Fatalf("rate = %v, want 0.5", c.CompletionRate())
	}
}

func TestOrderTaskNodes_DependencyOrder(t *testing.T) {
	s := NewStore(StoreOptions{Now: testClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))})
	s.UpsertAgent(AgentPatch{ID: "a1"})
	// t3 depends on t2 depends on t1, inserted out of order.
	s.UpsertTaskNode(TaskNodePatch{ID: "t3", ParentAgentID: ptr("a1"), Dependencies: ptr([]string{"t2"})})
	s.UpsertTaskNode(TaskNodePatch{ID: "t2", ParentAgentID: ptr("a1"), Dependencies: ptr([]string{"t1"})})
	s.UpsertTaskNode(TaskNodePatch{ID: "t1", ParentAgentID: ptr("a1")})

	order := OrderTaskNodes(s.Snapshot(), "a1")
	if order.HasCycle {
		t.Fatal("unexpected cycle")
	}
	got := []string{order.Nodes[0].ID, order.Nodes[1].ID, order.Nodes[2].ID}
	want := []string{"t1", "t2", "t3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestOrderTaskNodes_CycleTolerated(t *testing.T) {
	s := NewStore(StoreOptions{})
	s.UpsertAgent(AgentPatch{ID: "a1"})
	s.UpsertTaskNode(TaskNodePatch{ID: "t1", ParentAgentID: ptr("a1"), Dependencies: ptr([]string{"t2"})})
	s.UpsertTaskNode(TaskNodePatch{ID: "t2", ParentAgentID: ptr("a1"), Dependencies: ptr([]string{"t1"})})

	order := OrderTaskNodes(s.Snapshot(), "a1")
	if !order.HasCycle {
		t.Fatal("cycle not reported")
	}
	if len(order.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2 (cycle members still listed)", len(order.Nodes))
	}
}
