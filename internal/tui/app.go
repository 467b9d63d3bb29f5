package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/kylemclaren/promptoncron/internal/db"
	"github.com/kylemclaren/promptoncron/internal/notify"
)

// Store is the read side of the database the dashboard polls, plus manual
// run creation.
type Store interface {
	ListTasks(ctx context.Context) ([]*db.Task, error)
	LastRunStatuses(ctx context.Context) (map[string]db.RunStatus, error)
	ListTaskRuns(ctx context.Context, taskID string, limit int) ([]*db.Run, error)
	GetResultByRun(ctx context.Context, runID string) (*db.Result, error)
	CreateManualRun(ctx context.Context, taskID string, now time.Time) (*db.Run, error)
}

// View represents the current view
type View int

const (
	ViewList View = iota
	ViewRuns
)

// KeyMap defines keybindings
type KeyMap struct {
	Up    key.Binding
	Down  key.Binding
	Enter key.Binding
	Run   key.Binding
	Back  key.Binding
	Help  key.Binding
	Quit  key.Binding
}

var keys = KeyMap{
	Up:    key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:  key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Enter: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "runs")),
	Run:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "run now")),
	Back:  key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Help:  key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Enter, k.Run, k.Help, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Enter},
		{k.Run, k.Back, k.Quit},
	}
}

const (
	refreshInterval = 2 * time.Second
	queryTimeout    = 5 * time.Second
	runHistory      = 20
	previewRows     = 20

	minWidth           = 60
	maxTableWidth      = 160
	headerHeight       = 4
	footerHeight       = 4
	minTableHeight     = 5
	outputHeaderHeight = 5
	outputFooterHeight = 3
)

// Model is the dashboard model
type Model struct {
	store    Store
	notifier notify.Notifier
	now      func() time.Time

	currentView View
	width       int
	height      int

	tasks    []*db.Task
	statuses map[string]db.RunStatus
	table    table.Model

	spinner  spinner.Model
	help     help.Model
	showHelp bool

	selectedTask *db.Task
	taskRuns     []*db.Run
	latest       *db.Result
	viewport     viewport.Model
	mdRenderer   *glamour.TermRenderer

	statusMsg   string
	statusErr   bool
	statusTicks int
}

// NewModel creates the dashboard. notifier may be nil.
func NewModel(store Store, notifier notify.Notifier) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(busyColor)

	h := help.New()
	h.Styles.ShortKey = keyHint
	h.Styles.ShortDesc = descHint

	t := table.New(
		table.WithColumns(calculateTableColumns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(tableStyles())

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return Model{
		store:      store,
		notifier:   notifier,
		now:        time.Now,
		statuses:   map[string]db.RunStatus{},
		table:      t,
		spinner:    s,
		help:       h,
		viewport:   viewport.New(80, 20),
		mdRenderer: renderer,
	}
}

func calculateTableColumns(width int) []table.Column {
	available := width - 4
	if available < minWidth {
		available = minWidth
	}
	if available > maxTableWidth {
		available = maxTableWidth
	}

	statusWidth := 12
	remaining := available - statusWidth - 8
	nameWidth := max(remaining*30/85, 12)
	scheduleWidth := max(remaining*20/85, 14)
	nextWidth := max(remaining*20/85, 14)
	searchWidth := 6

	return []table.Column{
		{Title: "Name", Width: nameWidth},
		{Title: "Schedule", Width: scheduleWidth},
		{Title: "Status", Width: statusWidth},
		{Title: "Web", Width: searchWidth},
		{Title: "Next Run", Width: nextWidth},
	}
}

// Messages
type tasksLoadedMsg struct {
	tasks    []*db.Task
	statuses map[string]db.RunStatus
}
type runsLoadedMsg struct {
	taskID string
	runs   []*db.Run
	latest *db.Result
}
type runQueuedMsg struct {
	task *db.Task
	run  *db.Run
}
type errMsg struct{ err error }
type tickMsg time.Time

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadTasks(), m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) loadTasks() tea.Cmd {
	store := m.store
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		tasks, err := store.ListTasks(ctx)
		if err != nil {
			return errMsg{err}
		}
		statuses, err := store.LastRunStatuses(ctx)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks: tasks, statuses: statuses}
	}
}

// loadRuns fetches the run history of a task and the result of its most
// recent successful run.
func (m Model) loadRuns(taskID string) tea.Cmd {
	store := m.store
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		runs, err := store.ListTaskRuns(ctx, taskID, runHistory)
		if err != nil {
			return errMsg{err}
		}
		msg := runsLoadedMsg{taskID: taskID, runs: runs}
		for _, run := range runs {
			if run.Status != db.RunStatusSuccess {
				continue
			}
			result, err := store.GetResultByRun(ctx, run.ID)
			if err == nil {
				msg.latest = result
			}
			break
		}
		return msg
	}
}

func (m Model) runNow(task *db.Task) tea.Cmd {
	store, notifier, now := m.store, m.notifier, m.now()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		run, err := store.CreateManualRun(ctx, task.ID, now)
		if err != nil {
			return errMsg{fmt.Errorf("queue %s: %w", task.Name, err)}
		}
		if notifier != nil {
			// Workers poll anyway, so a lost wakeup only adds latency.
			_ = notifier.Publish(ctx, run.ID)
		}
		return runQueuedMsg{task: task, run: run}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		switch m.currentView {
		case ViewList:
			return m.updateList(msg)
		case ViewRuns:
			return m.updateRuns(msg)
		}

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		if m.statusTicks > 0 {
			m.statusTicks--
			if m.statusTicks == 0 {
				m.statusMsg = ""
			}
		}
		cmds = append(cmds, tickCmd(), m.loadTasks())
		if m.currentView == ViewRuns && m.selectedTask != nil {
			cmds = append(cmds, m.loadRuns(m.selectedTask.ID))
		}

	case tasksLoadedMsg:
		m.tasks = msg.tasks
		m.statuses = msg.statuses
		if m.statuses == nil {
			m.statuses = map[string]db.RunStatus{}
		}
		m.updateTable()

	case runsLoadedMsg:
		if m.selectedTask == nil || m.selectedTask.ID != msg.taskID {
			break
		}
		first := m.taskRuns == nil
		m.taskRuns = msg.runs
		if m.taskRuns == nil {
			m.taskRuns = []*db.Run{}
		}
		m.latest = msg.latest
		m.viewport.SetContent(m.renderRunsContent())
		if first {
			m.viewport.GotoTop()
		}

	case runQueuedMsg:
		m.setStatus("Queued run of "+msg.task.Name, false)
		cmds = append(cmds, m.loadTasks())
		if m.currentView == ViewRuns && m.selectedTask != nil {
			cmds = append(cmds, m.loadRuns(m.selectedTask.ID))
		}

	case errMsg:
		m.setStatus("Error: "+msg.err.Error(), true)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	m.table.SetColumns(calculateTableColumns(width))
	m.table.SetWidth(min(width-4, maxTableWidth))
	m.table.SetHeight(max(height-headerHeight-footerHeight-4, minTableHeight))

	m.viewport.Width = width - 6
	m.viewport.Height = max(height-outputHeaderHeight-outputFooterHeight-2, 5)
	m.help.Width = width

	if renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width-10, 20)),
	); err == nil {
		m.mdRenderer = renderer
	}
	if m.currentView == ViewRuns {
		m.viewport.SetContent(m.renderRunsContent())
	}
}

func (m Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, keys.Help):
		m.showHelp = !m.showHelp
		return m, nil
	case key.Matches(msg, keys.Enter):
		task := m.selected()
		if task == nil {
			return m, nil
		}
		m.selectedTask = task
		m.taskRuns = nil
		m.latest = nil
		m.currentView = ViewRuns
		m.viewport.SetContent(note.Render("Loading runs..."))
		return m, m.loadRuns(task.ID)
	case key.Matches(msg, keys.Run):
		if task := m.selected(); task != nil {
			return m, m.runNow(task)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) updateRuns(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Back), msg.String() == "q":
		m.currentView = ViewList
		m.selectedTask = nil
		return m, nil
	case key.Matches(msg, keys.Run):
		return m, m.runNow(m.selectedTask)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) selected() *db.Task {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.tasks) {
		return nil
	}
	return m.tasks[i]
}

func (m *Model) updateTable() {
	columns := m.table.Columns()
	nameWidth, scheduleWidth := 18, 18
	if len(columns) >= 2 {
		nameWidth = columns[0].Width - 2
		scheduleWidth = columns[1].Width - 2
	}

	rows := make([]table.Row, len(m.tasks))
	for i, task := range m.tasks {
		status := string(task.Status)
		if icon := runIcon(m.statuses[task.ID]); icon != "" {
			status = icon + " " + status
		}
		web := "-"
		if task.WebSearchEnabled {
			web = "yes"
		}
		next := "-"
		if task.NextRunAt != nil {
			next = formatTime(*task.NextRunAt, m.now())
		}
		rows[i] = table.Row{
			truncate(task.Name, nameWidth),
			truncate(task.CronExpr+" "+task.Timezone, scheduleWidth),
			status,
			web,
			next,
		}
	}
	m.table.SetRows(rows)
}

func runIcon(status db.RunStatus) string {
	switch status {
	case db.RunStatusSuccess:
		return "✓"
	case db.RunStatusFailed:
		return "✗"
	case db.RunStatusRunning:
		return "●"
	case db.RunStatusQueued:
		return "○"
	}
	return ""
}

func formatTime(t, now time.Time) string {
	if t.Before(now) {
		return t.Local().Format("Jan 02 15:04")
	}
	diff := t.Sub(now)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("in %ds", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("in %dm", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("in %dh %dm", int(diff.Hours()), int(diff.Minutes())%60)
	}
	return t.Local().Format("Jan 02 15:04")
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if limit < 4 || len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}

func (m *Model) setStatus(msg string, isErr bool) {
	m.statusMsg = msg
	m.statusErr = isErr
	m.statusTicks = 3
}

func (m Model) active() int {
	n := 0
	for _, s := range m.statuses {
		if s == db.RunStatusRunning || s == db.RunStatusQueued {
			n++
		}
	}
	return n
}

func (m Model) View() string {
	var content string
	switch m.currentView {
	case ViewRuns:
		content = m.renderRuns()
	default:
		content = m.renderList()
	}
	return frame.Render(content)
}

func (m Model) renderList() string {
	var b strings.Builder

	b.WriteString(title.Render("promptoncron"))
	b.WriteString("\n\n")

	if n := m.active(); n > 0 {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(runStyles[db.RunStatusRunning].Render(fmt.Sprintf("%d task(s) queued or running", n)))
		b.WriteString("\n\n")
	}

	if len(m.tasks) == 0 {
		b.WriteString(placeholder.Render("No tasks yet\n\nCreate one with POST /api/tasks"))
	} else {
		b.WriteString(m.table.View())
	}
	b.WriteString("\n")
	m.writeStatus(&b)

	b.WriteString("\n")
	if m.showHelp {
		b.WriteString(m.help.FullHelpView(keys.FullHelp()))
	} else {
		b.WriteString(m.help.ShortHelpView(keys.ShortHelp()))
	}
	return b.String()
}

func (m Model) writeStatus(b *strings.Builder) {
	if m.statusMsg == "" {
		return
	}
	if m.statusErr {
		b.WriteString(flashErr.Render("✗ " + m.statusMsg))
	} else {
		b.WriteString(flashOK.Render("✓ " + m.statusMsg))
	}
	b.WriteString("\n")
}

func (m Model) renderRuns() string {
	var b strings.Builder
	task := m.selectedTask

	b.WriteString(title.Render(task.Name))
	b.WriteString("  ")
	b.WriteString(taskBadge(task))
	b.WriteString("  ")
	b.WriteString(note.Render(task.CronExpr + " (" + task.Timezone + ")"))
	b.WriteString("\n")
	b.WriteString(note.Render(truncate(strings.Join(strings.Fields(task.Prompt), " "), max(m.width-6, 40))))
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	m.writeStatus(&b)
	b.WriteString("\n")

	b.WriteString(keyHint.Render("↑/↓") + descHint.Render(" scroll • ") +
		keyHint.Render("r") + descHint.Render(" run now • ") +
		keyHint.Render("esc") + descHint.Render(" back"))
	return b.String()
}

func (m Model) renderRunsContent() string {
	if len(m.taskRuns) == 0 {
		return placeholder.Render("No runs yet for this task")
	}

	var b strings.Builder
	if m.latest != nil {
		md := m.latest.Markdown(previewRows)
		if rendered, err := m.renderMarkdown(md); err == nil {
			b.WriteString(rendered)
		} else {
			b.WriteString(md)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	for _, run := range m.taskRuns {
		b.WriteString(runHeader(run))
		b.WriteString("\n")
		if details := runDetails(run); details != "" {
			b.WriteString(note.Render(details))
			b.WriteString("\n")
		}
		if run.ErrorMessage != nil {
			b.WriteString(runStyles[db.RunStatusFailed].Render("Error: "))
			b.WriteString(*run.ErrorMessage)
			b.WriteString("\n")
		}
		b.WriteString(rule.Render(strings.Repeat("─", 60)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderMarkdown(md string) (string, error) {
	if m.mdRenderer == nil {
		return "", fmt.Errorf("no markdown renderer")
	}
	return m.mdRenderer.Render(md)
}

func runHeader(run *db.Run) string {
	duration := "..."
	if run.StartedAt != nil && run.FinishedAt != nil {
		duration = run.FinishedAt.Sub(*run.StartedAt).Round(time.Millisecond).String()
	} else if run.Status == db.RunStatusQueued {
		duration = "waiting"
	}
	return fmt.Sprintf("%s  %s  %s  (%s)", runBadge(run.Status),
		run.ScheduledFor.Local().Format("2006-01-02 15:04:05"), run.Trigger, duration)
}

func runDetails(run *db.Run) string {
	var parts []string
	if run.LLMModel != nil {
		parts = append(parts, *run.LLMModel)
	}
	if total, ok := run.TokenUsage["total_tokens"]; ok {
		parts = append(parts, fmt.Sprintf("%d tokens", total))
	}
	if run.CostEstimate != nil {
		parts = append(parts, fmt.Sprintf("$%.4f", *run.CostEstimate))
	}
	if run.Attempt > 1 {
		parts = append(parts, fmt.Sprintf("attempt %d", run.Attempt))
	}
	return strings.Join(parts, " · ")
}

// Run starts the dashboard
func Run(store Store, notifier notify.Notifier) error {
	p := tea.NewProgram(NewModel(store, notifier), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
