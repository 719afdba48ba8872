package monitor

import "time"

// TodoCounts tallies TODO items by status.
type TodoCounts struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
}

// CompletionRate returns completed/total, or 0 when total is 0.
func (c TodoCounts) CompletionRate() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Completed) / float64(c.Total)
}

// AgentStats is the per-agent slice of the statistics.
type AgentStats struct {
	AgentID        string     `json:"agent_id"`
	Todos          TodoCounts `json:"todos"`
	CompletionRate float64    `json:"completion_rate"`
	TaskNodeCount  int        `json:"task_node_count"`
	LastActivity   time.Time  `json:"last_activity"`
}

// Stats is the derived aggregate view of a store snapshot.
type Stats struct {
	Global           TodoCounts            `json:"global"`
	GlobalRate       float64               `json:"global_rate"`
	ActiveAgents     int                   `json:"active_agents"`
	TotalAgents      int                   `json:"total_agents"`
	PerAgent         map[string]AgentStats `json:"per_agent"`
	MostRecentAgent  string                `json:"most_recent_agent,omitempty"`
	MostActiveAgent  string                `json:"most_active_agent,omitempty"`
	OrphanedEntities int                   `json:"orphaned_entities"`
}

// ComputeStats derives counts and rates from a snapshot. It is a pure
// function: same snapshot, same result. Orphaned task nodes and TODO items
// are excluded, the same exclusion every view applies.
//
// Cost is O(n) over current entities, which is bounded by the store's
// eviction ceiling.
func ComputeStats(sn *Snapshot) Stats {
	st := Stats{
		PerAgent:    make(map[string]AgentStats, len(sn.Agents)),
		TotalAgents: len(sn.Agents),
	}

	nodeAgent := make(map[string]string, len(sn.TaskNodes))
	for _, a := range sn.Agents {
		st.PerAgent[a.ID] = AgentStats{AgentID: a.ID}
		if !a.LifecycleState.Terminal() {
			st.ActiveAgents++
		}
	}
	for _, n := range sn.TaskNodes {
		if !sn.NodeResolved(n) {
			st.OrphanedEntities++
			continue
		}
		nodeAgent[n.ID] = n.ParentAgentID
		as := st.PerAgent[n.ParentAgentID]
		as.TaskNodeCount++
		st.PerAgent[n.ParentAgentID] = as
	}

	// inProgress / lastActivity drive the "most active" and "most recent"
	// labels below.
	type activity struct {
		inProgress int
		last       time.Time
	}
	act := make(map[string]activity, len(sn.Agents))

	for _, t := range sn.Todos {
		agentID, ok := nodeAgent[t.OwnerTaskNodeID]
		if !ok {
			st.OrphanedEntities++
			continue
		}
		st.Global = tally(st.Global, t.Status)
		as := st.PerAgent[agentID]
		as.Todos = tally(as.Todos, t.Status)
		if t.UpdatedAt.After(as.LastActivity) {
			as.LastActivity = t.UpdatedAt
		}
		st.PerAgent[agentID] = as

		a := act[agentID]
		if t.Status == TodoInProgress {
			a.inProgress++
		}
		if t.UpdatedAt.After(a.last) {
			a.last = t.UpdatedAt
		}
		act[agentID] = a
	}

	for id, as := range st.PerAgent {
		as.CompletionRate = as.Todos.CompletionRate()
		st.PerAgent[id] = as
	}
	st.GlobalRate = st.Global.CompletionRate()

	// Most recently active agent: latest TODO activity wins.
	var recentAt time.Time
	for _, a := range sn.Agents {
		if x, ok := act[a.ID]; ok && x.last.After(recentAt) {
			recentAt = x.last
			st.MostRecentAgent = a.ID
		}
	}

	// Most active agent: highest in_progress count, ties broken by most
	// recent activity. Snapshot order makes the scan deterministic.
	best := -1
	var bestAt time.Time
	for _, a := range sn.Agents {
		x := act[a.ID]
		if x.inProgress == 0 {
			continue
		}
		if x.inProgress > best || (x.inProgress == best && x.last.After(bestAt)) {
			best = x.inProgress
			bestAt = x.last
			st.MostActiveAgent = a.ID
		}
	}

	return st
}

// NodeCounts tallies one task node's TODO items from a snapshot.
func NodeCounts(sn *Snapshot, nodeID string) TodoCounts {
	var c TodoCounts
	for _, t := range sn.NodeTodos(nodeID) {
		c = tally(c, t.Status)
	}
	return c
}

func tally(c TodoCounts, s TodoStatus) TodoCounts {
	c.Total++
	switch s {
	case TodoCompleted:
		c.Completed++
	case TodoInProgress:
		c.InProgress++
	case TodoPending:
		c.Pending++
	case TodoFailed:
		c.Failed++
	}
	return c
}
