package monitor

// TaskOrder is an agent's task nodes in dependency order: nodes whose
// dependencies (within the same agent) are all terminal come first, then
// the rest in topological order, stable by creation time. Cycles are
// tolerated and reported, never fatal — the nodes on a cycle are appended
// in creation order.
type TaskOrder struct {
	Nodes    []TaskNode `json:"nodes"`
	HasCycle bool       `json:"has_cycle"`
}

// OrderTaskNodes computes the dependency order for one agent's task graph.
// Dependencies pointing outside the agent (or at removed nodes) are
// ignored; the graph must stay renderable whatever the backend sends.
func OrderTaskNodes(sn *Snapshot, agentID string) TaskOrder {
	nodes := sn.AgentTaskNodes(agentID)
	if len(nodes) == 0 {
		return TaskOrder{}
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}

	indegree := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i, n := range nodes {
		for _, dep := range n.Dependencies {
			j, ok := index[dep]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm; the ready queue is kept in creation order, which is
	// the slice order of the snapshot.
	var queue []int
	for i := range nodes {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	out := TaskOrder{Nodes: make([]TaskNode, 0, len(nodes))}
	seen := make([]bool, len(nodes))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		seen[i] = true
		out.Nodes = append(out.Nodes, nodes[i])
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}

	if len(out.Nodes) < len(nodes) {
		out.HasCycle = true
		for i, n := range nodes {
			if !seen[i] {
				out.Nodes = append(out.Nodes, n)
			}
		}
	}
	return out
}

// NodeReady reports whether all of a node's in-agent dependencies are
// terminal, i.e. the node is unblocked.
func NodeReady(sn *Snapshot, n TaskNode) bool {
	for _, dep := range n.Dependencies {
		d, ok := sn.TaskNode(dep)
		if !ok || d.ParentAgentID != n.ParentAgentID {
			continue
		}
		if !d.LifecycleState.Terminal() {
			return false
		}
	}
	return true
}
