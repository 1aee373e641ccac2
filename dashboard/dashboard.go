// Package dashboard is a terminal dashboard for a running goquest server.
//
// It polls the control API for the engine snapshot, the task list and the event feed,
// and sends control actions for key presses:
//
//	enter  start the selected task
//	p      pause
//	r      resume
//	s      stop
//	x      emergency stop
//	q      quit
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nomis52/goquest/orchestrator"
	"github.com/nomis52/goquest/server/handlers"
	"github.com/nomis52/goquest/statusreporter"
)

const (
	defaultRefreshInterval = time.Second
	requestTimeout         = 5 * time.Second
	maxEvents              = 8
	progressWidth          = 30
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F7B801"))
	stateStyleRun = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	stateStyleOK  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	stateStyleBad = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	stateStyleDim = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	barFullStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	barEmptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

// Client is the part of the control API the dashboard uses.
type Client interface {
	Status(ctx context.Context) (handlers.APIStatusResponse, error)
	Tasks(ctx context.Context) ([]handlers.TaskResponse, error)
	Events(ctx context.Context, after uint64) ([]statusreporter.Event, error)
	Start(ctx context.Context, taskID string) (handlers.StartResponse, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	EmergencyStop(ctx context.Context) error
}

// Model is the bubbletea model of the dashboard.
type Model struct {
	client   Client
	interval time.Duration

	tasks     list.Model
	status    handlers.APIStatusResponse
	events    []statusreporter.Event
	lastSeq   uint64
	loaded    bool
	err       error
	statusMsg string
	width     int
}

// Option configures a Model.
type Option func(*Model)

// WithRefreshInterval sets how often the server is polled.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Model) {
		m.interval = d
	}
}

// taskItem implements list.Item for a registered task.
type taskItem struct {
	task handlers.TaskResponse
}

func (i taskItem) Title() string { return i.task.Name }
func (i taskItem) Description() string {
	if i.task.Completed {
		return i.task.ID + " · completed"
	}
	return i.task.ID
}
func (i taskItem) FilterValue() string { return i.task.Name }

type refreshMsg struct {
	status handlers.APIStatusResponse
	tasks  []handlers.TaskResponse
	events []statusreporter.Event
	err    error
}

type tickMsg struct{}

type actionMsg struct {
	label string
	err   error
}

// New creates a dashboard backed by client.
func New(client Client, opts ...Option) *Model {
	tasks := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	tasks.Title = "Tasks"
	tasks.SetShowStatusBar(false)
	tasks.SetFilteringEnabled(false)
	tasks.SetShowHelp(false)

	m := &Model{
		client:   client,
		interval: defaultRefreshInterval,
		tasks:    tasks,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.scheduleRefresh())
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		// Leave room for the engine panel, the event feed and the help line.
		m.tasks.SetSize(msg.Width, max(5, msg.Height-maxEvents-12))
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.scheduleRefresh())

	case refreshMsg:
		return m, m.applyRefresh(msg)

	case actionMsg:
		if msg.err != nil {
			m.statusMsg = fmt.Sprintf("%s failed: %v", msg.label, msg.err)
		} else {
			m.statusMsg = msg.label + " sent"
		}
		return m, m.fetch()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "p":
			return m, m.action("pause", m.client.Pause)
		case "r":
			return m, m.action("resume", m.client.Resume)
		case "s":
			return m, m.action("stop", m.client.Stop)
		case "x":
			return m, m.action("emergency stop", m.client.EmergencyStop)
		case "enter":
			item, ok := m.tasks.SelectedItem().(taskItem)
			if !ok {
				return m, nil
			}
			return m, m.start(item.task.ID)
		}
	}

	var cmd tea.Cmd
	m.tasks, cmd = m.tasks.Update(msg)
	return m, cmd
}

func (m *Model) applyRefresh(msg refreshMsg) tea.Cmd {
	if msg.err != nil {
		m.err = msg.err
		return nil
	}
	m.err = nil
	m.loaded = true
	m.status = msg.status

	for _, ev := range msg.events {
		if ev.Seq <= m.lastSeq {
			continue
		}
		m.events = append(m.events, ev)
		m.lastSeq = ev.Seq
	}
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}

	items := make([]list.Item, 0, len(msg.tasks))
	for _, t := range msg.tasks {
		items = append(items, taskItem{task: t})
	}
	return m.tasks.SetItems(items)
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("goquest"))
	if host := m.status.Server.Hostname; host != "" {
		b.WriteString(detailStyle.Render(" · " + host))
	}
	b.WriteString("\n\n")

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Server unreachable: %v", m.err)))
		b.WriteString("\n\n")
	case !m.loaded:
		b.WriteString("Connecting…\n\n")
	default:
		b.WriteString(m.renderEngine())
		b.WriteString("\n")
	}

	b.WriteString(m.tasks.View())
	b.WriteString("\n\n")
	b.WriteString(m.renderEvents())

	if m.statusMsg != "" {
		b.WriteString("\n")
		b.WriteString(detailStyle.Render(m.statusMsg))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter=start  p=pause  r=resume  s=stop  x=emergency stop  q=quit"))
	return b.String()
}

func (m *Model) renderEngine() string {
	snap := m.status.Engine
	lines := []string{"State: " + stateStyle(snap.State).Render(snap.State.String())}
	if snap.TaskID != "" {
		name := snap.TaskName
		if name == "" {
			name = snap.TaskID
		}
		lines = append(lines,
			fmt.Sprintf("Task: %s", name),
			fmt.Sprintf("%s %d%%", progressBar(snap.Progress, progressWidth), snap.Progress),
		)
		if snap.Step != "" {
			lines = append(lines, detailStyle.Render("Step: "+snap.Step))
		}
		lines = append(lines, detailStyle.Render(fmt.Sprintf("Units: %d · Retries: %d", snap.Units, snap.Retries)))
	}
	if snap.Aborted {
		lines = append(lines, stateStyleBad.Render("Emergency stop requested"))
	}
	if snap.LastError != "" {
		lines = append(lines, errorStyle.Render("Last error: "+snap.LastError))
	}
	if m.status.NextRun.NextRun != nil {
		lines = append(lines, detailStyle.Render("Next run: "+m.status.NextRun.NextRun.Local().Format(time.DateTime)))
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m *Model) renderEvents() string {
	if len(m.events) == 0 {
		return detailStyle.Render("No events yet")
	}
	lines := make([]string, 0, len(m.events)+1)
	lines = append(lines, "Events")
	for _, ev := range m.events {
		lines = append(lines, detailStyle.Render(fmt.Sprintf("  %s [%s] %s", ev.Time.Local().Format(time.TimeOnly), ev.Kind, ev.Message)))
	}
	return strings.Join(lines, "\n")
}

func (m *Model) fetch() tea.Cmd {
	after := m.lastSeq
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		status, err := m.client.Status(ctx)
		if err != nil {
			return refreshMsg{err: err}
		}
		tasks, err := m.client.Tasks(ctx)
		if err != nil {
			return refreshMsg{err: err}
		}
		events, err := m.client.Events(ctx, after)
		if err != nil {
			return refreshMsg{err: err}
		}
		return refreshMsg{status: status, tasks: tasks, events: events}
	}
}

func (m *Model) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m *Model) action(label string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return actionMsg{label: label, err: fn(ctx)}
	}
}

func (m *Model) start(taskID string) tea.Cmd {
	return m.action("start "+taskID, func(ctx context.Context) error {
		_, err := m.client.Start(ctx, taskID)
		return err
	})
}

func stateStyle(s orchestrator.State) lipgloss.Style {
	switch s {
	case orchestrator.StateExecuting, orchestrator.StatePreparing:
		return stateStyleRun
	case orchestrator.StateCompleted:
		return stateStyleOK
	case orchestrator.StateError:
		return stateStyleBad
	default:
		return stateStyleDim
	}
}

func progressBar(pct, width int) string {
	pct = min(max(pct, 0), 100)
	full := pct * width / 100
	return barFullStyle.Render(strings.Repeat("█", full)) + barEmptyStyle.Render(strings.Repeat("░", width-full))
}
