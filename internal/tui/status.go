package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/colony/pkg/models"
)

// fetchTimeout bounds a single Source call.
const fetchTimeout = 5 * time.Second

// StatusOrder is the order statuses are listed in.
var StatusOrder = []models.TaskStatus{
	models.TaskStatusPending,
	models.TaskStatusQueued,
	models.TaskStatusInProgress,
	models.TaskStatusCompleted,
	models.TaskStatusFailed,
	models.TaskStatusBlocked,
	models.TaskStatusCancelled,
}

// Snapshot is one poll of the task store.
type Snapshot struct {
	Tenant    string
	Counts    map[models.TaskStatus]int
	Recent    []*models.Task
	FetchedAt time.Time
}

// Source produces a Snapshot.
type Source func(ctx context.Context) (Snapshot, error)

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type refreshMsg struct{}

// StatusModel is the bubbletea model of the dashboard.
type StatusModel struct {
	ctx      context.Context
	source   Source
	interval time.Duration

	keys    keyMap
	spinner spinner.Model
	table   table.Model

	snap    Snapshot
	err     error
	loading bool
	width   int

	headerStyle lipgloss.Style
	labelStyle  lipgloss.Style
	errorStyle  lipgloss.Style
	helpStyle   lipgloss.Style
}

// NewStatusModel creates the dashboard model. It polls source every interval.
func NewStatusModel(ctx context.Context, source Source, interval time.Duration) *StatusModel {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 26},
			{Title: "Agent", Width: 10},
			{Title: "Priority", Width: 9},
			{Title: "Status", Width: 12},
			{Title: "Title", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("238")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return &StatusModel{
		ctx:      ctx,
		source:   source,
		interval: interval,
		keys:     defaultKeyMap(),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
		table:    t,
		loading:  true,

		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			MarginBottom(1),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),

		helpStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
	}
}

// NewStatusProgram wraps the dashboard in a full-screen program.
func NewStatusProgram(ctx context.Context, source Source, interval time.Duration) *tea.Program {
	return tea.NewProgram(NewStatusModel(ctx, source, interval), tea.WithAltScreen(), tea.WithContext(ctx))
}

// Init starts the spinner and the first fetch.
func (m *StatusModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m *StatusModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, fetchTimeout)
		defer cancel()
		snap, err := m.source(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m *StatusModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return refreshMsg{} })
}

// Update handles input and poll results.
func (m *StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			if m.loading {
				return m, nil
			}
			m.loading = true
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		if h := msg.Height - 8; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case snapshotMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.table.SetRows(rows(msg.snap.Recent))
		}
		return m, m.tick()

	case refreshMsg:
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, m.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the dashboard.
func (m *StatusModel) View() string {
	var b strings.Builder

	title := "colony tasks"
	if m.snap.Tenant != "" {
		title += " / " + m.snap.Tenant
	}
	b.WriteString(m.headerStyle.Render(title))
	b.WriteString("\n")

	b.WriteString(m.countsLine())
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(m.errorStyle.Render("refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}

	status := ""
	switch {
	case m.loading:
		status = m.spinner.View() + " refreshing"
	case !m.snap.FetchedAt.IsZero():
		status = "updated " + m.snap.FetchedAt.Format("15:04:05")
	}
	b.WriteString(m.labelStyle.Render(status))
	b.WriteString("  ")
	b.WriteString(m.helpStyle.Render(helpLine(m.keys.help())))
	return b.String()
}

func (m *StatusModel) countsLine() string {
	parts := make([]string, 0, len(StatusOrder)+1)
	total := 0
	for _, s := range StatusOrder {
		n := m.snap.Counts[s]
		total += n
		parts = append(parts, m.labelStyle.Render(string(s)+":")+" "+StatusStyle(s).Render(fmt.Sprintf("%d", n)))
	}
	parts = append(parts, m.labelStyle.Render("total:")+" "+fmt.Sprintf("%d", total))
	return strings.Join(parts, "  ")
}

// StatusStyle returns the color used for a status.
func StatusStyle(s models.TaskStatus) lipgloss.Style {
	st := lipgloss.NewStyle().Bold(true)
	switch s {
	case models.TaskStatusCompleted:
		return st.Foreground(lipgloss.Color("34"))
	case models.TaskStatusFailed:
		return st.Foreground(lipgloss.Color("196"))
	case models.TaskStatusBlocked:
		return st.Foreground(lipgloss.Color("214"))
	case models.TaskStatusInProgress:
		return st.Foreground(lipgloss.Color("39"))
	case models.TaskStatusCancelled:
		return st.Foreground(lipgloss.Color("240"))
	default:
		return st.Foreground(lipgloss.Color("252"))
	}
}

func rows(tasks []*models.Task) []table.Row {
	out := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, table.Row{t.ID, t.Assignee, t.Priority.String(), string(t.Status), t.Title})
	}
	return out
}

func helpLine(bindings []key.Binding) string {
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " • ")
}
