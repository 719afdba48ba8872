package monitor

import (
	"fmt"
	"sort"
	"strings"
)

// TodoView selects which slice of the TODO population a query returns.
type TodoView string

const (
	ViewAll        TodoView = "all"
	ViewActive     TodoView = "active"
	ViewCompleted  TodoView = "completed"
	ViewByTask     TodoView = "by_task"
	ViewByPriority TodoView = "by_priority"
)

// TodoSort selects the sort key. Sorting is stable; ties always fall back
// to created_at descending.
type TodoSort string

const (
	SortCreatedAt TodoSort = "created_at"
	SortUpdatedAt TodoSort = "updated_at"
	SortPriority  TodoSort = "priority"
	SortStatus    TodoSort = "status"
)

// ParseTodoView validates a view name from the wire.
func ParseTodoView(s string) (TodoView, error) {
	switch v := TodoView(s); v {
	case ViewAll, ViewActive, ViewCompleted, ViewByTask, ViewByPriority:
		return v, nil
	}
	return "", fmt.Errorf("unknown todo view %q", s)
}

// ParseTodoSort validates a sort field from the wire.
func ParseTodoSort(s string) (TodoSort, error) {
	switch v := TodoSort(s); v {
	case SortCreatedAt, SortUpdatedAt, SortPriority, SortStatus:
		return v, nil
	}
	return "", fmt.Errorf("unknown todo sort %q", s)
}

// TodoQuery is one projection request over the TODO population.
type TodoQuery struct {
	View   TodoView `json:"view"`
	SortBy TodoSort `json:"sort_by"`
	Search string   `json:"search,omitempty"`

	// OwnerTaskNodeID restricts the population to one task node (the third
	// drill-down level). Empty means the flat all-TODOs observation mode.
	OwnerTaskNodeID string `json:"owner_task_node_id,omitempty"`
}

// TodoGroup is one bucket of a grouped projection.
type TodoGroup struct {
	Key        string     `json:"key"`
	Label      string     `json:"label"`
	Items      []TodoItem `json:"items"`
	Counts     TodoCounts `json:"counts"`
	Percentage float64    `json:"percentage"`
}

// TodoProjection is the result handed to the presentation layer: either a
// flat item list or a group list, depending on the view.
type TodoProjection struct {
	Query   TodoQuery   `json:"query"`
	Items   []TodoItem  `json:"items,omitempty"`
	Groups  []TodoGroup `json:"groups,omitempty"`
	Grouped bool        `json:"grouped"`
	Matched int         `json:"matched"`
}

// QueryTodos filters, sorts, and groups the resolved TODO items of a
// snapshot. Orphaned items never appear.
func QueryTodos(sn *Snapshot, q TodoQuery) TodoProjection {
	if q.View == "" {
		q.View = ViewAll
	}
	if q.SortBy == "" {
		q.SortBy = SortCreatedAt
	}

	var pop []TodoItem
	if q.OwnerTaskNodeID != "" {
		pop = sn.NodeTodos(q.OwnerTaskNodeID)
	} else {
		pop = sn.ResolvedTodos()
	}

	items := make([]TodoItem, 0, len(pop))
	for _, t := range pop {
		if !viewMatch(q.View, t.Status) {
			continue
		}
		if !searchMatch(q.Search, t) {
			continue
		}
		items = append(items, t)
	}
	sortTodos(items, q.SortBy)

	proj := TodoProjection{Query: q, Matched: len(items)}
	switch q.View {
	case ViewByTask:
		proj.Grouped = true
		proj.Groups = groupByTask(sn, items)
	case ViewByPriority:
		proj.Grouped = true
		proj.Groups = groupByPriority(items)
	default:
		proj.Items = items
	}
	return proj
}

func viewMatch(view TodoView, s TodoStatus) bool {
	switch view {
	case ViewActive:
		return s == TodoPending || s == TodoInProgress
	case ViewCompleted:
		return s == TodoCompleted
	default:
		return true
	}
}

// searchMatch matches free text case-insensitively against the content and
// the owning task node id.
func searchMatch(search string, t TodoItem) bool {
	if search == "" {
		return true
	}
	needle := strings.ToLower(search)
	return strings.Contains(strings.ToLower(t.Content), needle) ||
		strings.Contains(strings.ToLower(t.OwnerTaskNodeID), needle)
}

func sortTodos(items []TodoItem, by TodoSort) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch by {
		case SortUpdatedAt:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
		case SortPriority:
			if priorityRank(a.Priority) != priorityRank(b.Priority) {
				return priorityRank(a.Priority) < priorityRank(b.Priority)
			}
		case SortStatus:
			if statusRank(a.Status) != statusRank(b.Status) {
				return statusRank(a.Status) < statusRank(b.Status)
			}
		}
		// Tie-break (and created_at sort): newest first.
		return a.CreatedAt.After(b.CreatedAt)
	})
}

// groupByTask partitions by owning task node, each group annotated with its
// completion summary. Groups follow snapshot task-node order.
func groupByTask(sn *Snapshot, items []TodoItem) []TodoGroup {
	byNode := make(map[string][]TodoItem)
	for _, t := range items {
		byNode[t.OwnerTaskNodeID] = append(byNode[t.OwnerTaskNodeID], t)
	}
	var groups []TodoGroup
	for _, n := range sn.TaskNodes {
		bucket, ok := byNode[n.ID]
		if !ok {
			continue
		}
		counts := NodeCounts(sn, n.ID)
		label := n.Description
		if label == "" {
			label = n.ID
		}
		groups = append(groups, TodoGroup{
			Key:        n.ID,
			Label:      label,
			Items:      bucket,
			Counts:     counts,
			Percentage: counts.CompletionRate() * 100,
		})
	}
	return groups
}

// groupByPriority partitions into the four fixed buckets. Empty buckets are
// included so the UI can render "no critical items" instead of omitting the
// tab.
func groupByPriority(items []TodoItem) []TodoGroup {
	byPrio := make(map[Priority][]TodoItem, len(Priorities))
	for _, t := range items {
		byPrio[t.Priority] = append(byPrio[t.Priority], t)
	}
	groups := make([]TodoGroup, 0, len(Priorities))
	for _, p := range Priorities {
		bucket := byPrio[p]
		var counts TodoCounts
		for _, t := range bucket {
			counts = tally(counts, t.Status)
		}
		groups = append(groups, TodoGroup{
			Key:        string(p),
			Label:      string(p),
			Items:      bucket,
			Counts:     counts,
			Percentage: counts.CompletionRate() * 100,
		})
	}
	return groups
}
