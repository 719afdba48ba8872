// Package tui renders the console's drill-down view in the terminal. It is a
// thin presentation layer: every keypress maps to a console navigation call
// and the screen is redrawn from the resulting view model.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/fleetdeck/internal/monitor"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	cursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
)

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	console *monitor.Console
	vm      monitor.ViewModel
	cursor  int
	err     error
}

func newModel(console *monitor.Console) model {
	return model{console: console, vm: console.ViewModel()}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.vm = m.console.ViewModel()
		m.clampCursor()
		return m, tickCmd()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < m.rowCount()-1 {
				m.cursor++
			}
		case "enter":
			m.err = m.drill()
			m.vm = m.console.ViewModel()
			m.cursor = 0
		case "esc", "backspace":
			m.console.GoBack()
			m.vm = m.console.ViewModel()
			m.cursor = 0
			m.err = nil
		case "r":
			m.console.Reset()
			m.vm = m.console.ViewModel()
			m.cursor = 0
			m.err = nil
		case "c":
			m.console.ClearCompletedAgents()
			m.vm = m.console.ViewModel()
			m.clampCursor()
		case "v":
			m.cycleTodoView()
			m.vm = m.console.ViewModel()
		}
	}
	return m, nil
}

// drill descends one level from the row under the cursor.
func (m *model) drill() error {
	switch m.vm.Level {
	case monitor.LevelAgentsOverview:
		if m.cursor < len(m.vm.AgentsOverview) {
			return m.console.SelectAgent(m.vm.AgentsOverview[m.cursor].ID)
		}
	case monitor.LevelTaskGraph:
		if m.cursor < len(m.vm.TaskGraph) {
			return m.console.SelectTaskNode(m.vm.TaskGraph[m.cursor].ID)
		}
	}
	return nil
}

// cycleTodoView rotates the projection mode at the TODO level.
func (m *model) cycleTodoView() {
	order := []monitor.TodoView{
		monitor.ViewAll, monitor.ViewActive, monitor.ViewCompleted,
		monitor.ViewByTask, monitor.ViewByPriority,
	}
	cur := m.vm.TodoProjection.Query.View
	for i, v := range order {
		if v == cur {
			_ = m.console.SetTodoView(string(order[(i+1)%len(order)]))
			return
		}
	}
	_ = m.console.SetTodoView(string(monitor.ViewAll))
}

func (m *model) rowCount() int {
	switch m.vm.Level {
	case monitor.LevelAgentsOverview:
		return len(m.vm.AgentsOverview)
	case monitor.LevelTaskGraph:
		return len(m.vm.TaskGraph)
	case monitor.LevelTaskNodeTodos:
		return len(m.vm.TodoProjection.Items)
	}
	return 0
}

func (m *model) clampCursor() {
	if n := m.rowCount(); m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("fleetdeck"))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(renderBreadcrumb(m.vm.Breadcrumb)))
	b.WriteString("\n\n")

	switch m.vm.Level {
	case monitor.LevelAgentsOverview:
		m.renderAgents(&b)
	case monitor.LevelTaskGraph:
		m.renderTaskGraph(&b)
	case monitor.LevelTaskNodeTodos:
		m.renderTodos(&b)
	}

	b.WriteString("\n")
	b.WriteString(renderStats(m.vm.Stats))
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(failStyle.Render(m.err.Error()))
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("↑/↓ move · enter drill · esc back · r reset · c clear done · v view · q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m model) renderAgents(b *strings.Builder) {
	if len(m.vm.AgentsOverview) == 0 {
		b.WriteString(dimStyle.Render("no agents yet"))
		b.WriteString("\n")
		return
	}
	for i, a := range m.vm.AgentsOverview {
		name := a.DisplayName
		if name == "" {
			name = a.ID
		}
		line := fmt.Sprintf("%s  %s  %s  %d/%d todos  %d nodes",
			renderLifecycle(a.LifecycleState), name, a.RoleMode,
			a.Todos.Completed, a.Todos.Total, a.TaskNodeCount)
		b.WriteString(cursorFor(i == m.cursor))
		b.WriteString(line)
		b.WriteString("\n")
	}
}

func (m model) renderTaskGraph(b *strings.Builder) {
	if m.vm.TaskGraphCycle {
		b.WriteString(failStyle.Render("dependency cycle detected; showing creation order"))
		b.WriteString("\n")
	}
	if len(m.vm.TaskGraph) == 0 {
		b.WriteString(dimStyle.Render("no task nodes"))
		b.WriteString("\n")
		return
	}
	for i, n := range m.vm.TaskGraph {
		ready := " "
		if n.Ready {
			ready = okStyle.Render("»")
		}
		line := fmt.Sprintf("%s %s  %s  %.0f%%  %d deps",
			renderLifecycle(n.LifecycleState), ready, n.Description,
			n.Percentage, len(n.Dependencies))
		b.WriteString(cursorFor(i == m.cursor))
		b.WriteString(line)
		b.WriteString("\n")
	}
}

func (m model) renderTodos(b *strings.Builder) {
	p := m.vm.TodoProjection
	b.WriteString(dimStyle.Render(fmt.Sprintf("view=%s sort=%s matched=%d", p.Query.View, p.Query.SortBy, p.Matched)))
	b.WriteString("\n")
	if p.Grouped {
		for _, g := range p.Groups {
			b.WriteString(titleStyle.Render(fmt.Sprintf("%s (%d/%d, %.0f%%)",
				g.Label, g.Counts.Completed, g.Counts.Total, g.Percentage)))
			b.WriteString("\n")
			for _, t := range g.Items {
				b.WriteString("   ")
				b.WriteString(renderTodo(t))
				b.WriteString("\n")
			}
		}
		return
	}
	if len(p.Items) == 0 {
		b.WriteString(dimStyle.Render("no todo items"))
		b.WriteString("\n")
		return
	}
	for i, t := range p.Items {
		b.WriteString(cursorFor(i == m.cursor))
		b.WriteString(renderTodo(t))
		b.WriteString("\n")
	}
}

func renderTodo(t monitor.TodoItem) string {
	mark := "[ ]"
	switch t.Status {
	case monitor.TodoCompleted:
		mark = okStyle.Render("[x]")
	case monitor.TodoFailed:
		mark = failStyle.Render("[!]")
	case monitor.TodoInProgress:
		mark = runStyle.Render("[~]")
	}
	s := fmt.Sprintf("%s %s (%s)", mark, t.Content, t.Priority)
	if t.Error != "" {
		s += " " + failStyle.Render(t.Error)
	}
	return s
}

func renderLifecycle(s monitor.LifecycleState) string {
	switch s {
	case monitor.LifecycleRunning:
		return runStyle.Render("●")
	case monitor.LifecycleCompleted:
		return okStyle.Render("✔")
	case monitor.LifecycleFailed:
		return failStyle.Render("✘")
	}
	return dimStyle.Render("○")
}

func renderBreadcrumb(crumbs []monitor.Breadcrumb) string {
	labels := make([]string, 0, len(crumbs))
	for _, c := range crumbs {
		labels = append(labels, c.Label)
	}
	return strings.Join(labels, " › ")
}

func renderStats(st monitor.Stats) string {
	return dimStyle.Render(fmt.Sprintf(
		"agents %d active / %d total · todos %d/%d (%.0f%%) · orphans %d",
		st.ActiveAgents, st.TotalAgents,
		st.Global.Completed, st.Global.Total, st.GlobalRate*100,
		st.OrphanedEntities))
}

func cursorFor(selected bool) string {
	if selected {
		return cursorStyle.Render("▸ ")
	}
	return "  "
}

// Run starts the terminal UI and blocks until the user quits or the context
// is canceled.
func Run(ctx context.Context, console *monitor.Console) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newModel(console))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
