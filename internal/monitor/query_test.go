package monitor

import (
	"testing"
	"time"
)

func queryGraph(t *testing.T) *Store {
	t.Helper()
	s := NewStore(StoreOptions{Now: testClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))})
	s.UpsertAgent(AgentPatch{ID: "a1"})
	s.UpsertTaskNode(TaskNodePatch{ID: "build", ParentAgentID: ptr("a1"), Description: ptr("Build phase")})
	s.UpsertTaskNode(TaskNodePatch{ID: "test", ParentAgentID: ptr("a1"), Description: ptr("Test phase")})

	s.UpsertTodo(TodoPatch{ID: "d1", OwnerTaskNodeID: ptr("build"), Content: ptr("compile core"),
		Status: ptr(TodoCompleted), Priority: ptr(PriorityHigh)})
	s.UpsertTodo(TodoPatch{ID: "d2", OwnerTaskNodeID: ptr("build"), Content: ptr("link binaries"),
		Status: ptr(TodoInProgress), Priority: ptr(PriorityCritical)})
	s.UpsertTodo(TodoPatch{ID: "d3", OwnerTaskNodeID: ptr("test"), Content: ptr("unit tests"),
		Priority: ptr(PriorityMedium)})
	s.UpsertTodo(TodoPatch{ID: "d4", OwnerTaskNodeID: ptr("test"), Content: ptr("Smoke TESTS"),
		Status: ptr(TodoFailed), Error: ptr("flaky"), Priority: ptr(PriorityLow)})
	return s
}

func TestQueryTodos_Views(t *testing.T) {
	sn := queryGraph(t).Snapshot()

	cases := []struct {
		view TodoView
		want int
	}{
		{ViewAll, 4},
		{ViewActive, 2},    // pending + in_progress
		{ViewCompleted, 1},
	}
	for _, tc := range cases {
		got := QueryTodos(sn, TodoQuery{View: tc.view})
		if got.Matched != tc.want {
			t.Fatalf("view %q matched %d, want %d", tc.view, got.Matched, tc.want)
		}
	}
}

func TestQueryTodos_SearchCaseInsensitive(t *testing.T) {
	sn := queryGraph(t).Snapshot()

	got := QueryTodos(sn, TodoQuery{Search: "tests"})
	if got.Matched != 2 {
		t.Fatalf("matched %d, want 2 (content match, case-insensitive)", got.Matched)
	}

	// Search also matches the owning task node id.
	got = QueryTodos(sn, TodoQuery{Search: "BUILD"})
	if got.Matched != 2 {
		t.Fatalf("matched %d, want 2 (owner id match)", got.Matched)
	}
}

func TestQueryTodos_SortPriorityStable(t *testing.T) {
	sn := queryGraph(t).Snapshot()
	got := QueryTodos(sn, TodoQuery{SortBy: SortPriority})

	order := make([]string, len(got.Items))
	for i, item := range got.Items {
		order[i] = item.ID
	}
	// critical, high, medium, low
	want := []string{"d2", "d1", "d3", "d4"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestQueryTodos_DefaultSortNewestFirst(t *testing.T) {
	sn := queryGraph(t).Snapshot()
	got := QueryTodos(sn, TodoQuery{})
	if got.Items[0].ID != "d4" {
		t.Fatalf("first item = %q, want newest d4", got.Items[0].ID)
	}
}

func TestQueryTodos_GroupByTask(t *testing.T) {
	sn := queryGraph(t).Snapshot()
	got := QueryTodos(sn, TodoQuery{View: ViewByTask})

	if !got.Grouped || len(got.Groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(got.Groups))
	}
	var buildGroup *TodoGroup
	for i := range got.Groups {
		if got.Groups[i].Key == "build" {
			buildGroup = &got.Groups[i]
		}
	}
	if buildGroup == nil {
		t.Fatal("build group missing")
	}
	if buildGroup.Label != "Build phase" {
		t.Fatalf("label = %q, want Build phase", buildGroup.Label)
	}
	if buildGroup.Counts.Completed != 1 || buildGroup.Counts.Total != 2 {
		t.Fatalf("counts = %+v", buildGroup.Counts)
	}
	if buildGroup.Percentage != 50 {
		t.Fatalf("percentage = %v, want 50", buildGroup.Percentage)
	}
}

func TestQueryTodos_GroupByPriorityIncludesEmptyBuckets(t *testing.T) {
	s := NewStore(StoreOptions{})
	s.UpsertAgent(AgentPatch{ID: "a1"})
	s.UpsertTaskNode(TaskNodePatch{ID: "t1", ParentAgentID: ptr("a1")})
	s.UpsertTodo(TodoPatch{ID: "d1", OwnerTaskNodeID: ptr("t1"), Priority: ptr(PriorityLow)})

	got := QueryTodos(s.Snapshot(), TodoQuery{View: ViewByPriority})
	if len(got.Groups) != 4 {
		t.Fatalf("groups = %d, want all 4 priority buckets", len(got.Groups))
	}
	if got.Groups[0].Key != string(PriorityCritical) || len(got.Groups[0].Items) != 0 {
		t.Fatalf("critical bucket = %+v, want present and empty", got.Groups[0])
	}
	if len(got.Groups[3].Items) != 1 {
		t.Fatalf("low bucket items = %d, want 1", len(got.Groups[3].Items))
	}
}

func TestQueryTodos_OwnerScope(t *testing.T) {
	sn := queryGraph(t).Snapshot()
	got := QueryTodos(sn, TodoQuery{OwnerTaskNodeID: "test"})
	if got.Matched != 2 {
		t.Fatalf("matched %d, want 2", got.Matched)
	}
	for _, item := range got.Items {
		if item.OwnerTaskNodeID != "test" {
			t.Fatalf("foreign item leaked: %+v", item)
		}
	}
}

func TestQueryTodos_OrphansInvisible(t *testing.T) {
	s := queryGraph(t)
	s.Remove(KindTaskNode, "test")

	got := QueryTodos(s.Snapshot(), TodoQuery{})
	if got.Matched != 2 {
		t.Fatalf("matched %d, want 2 after orphaning", got.Matched)
	}
}

func TestParseTodoViewAndSort(t *testing.T) {
	if _, err := ParseTodoView("by_task"); err != nil {
		t.Fatalf("by_task rejected: %v", err)
	}
	if _, err := ParseTodoView("bogus"); err == nil {
		t.Fatal("bogus view accepted")
	}
	if _, err := ParseTodoSort("priority"); err != nil {
		t.Fatalf("priority rejected: %v", err)
	}
	if _, err := ParseTodoSort("bogus"); err == nil {
		t.Fatal("bogus sort accepted")
	}
}
