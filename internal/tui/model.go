package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type panel int

const (
	panelBrains panel = iota
	panelEvents
)

var keys = struct {
	quit, refresh, tab key.Binding
}{
	quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	tab:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch panel")),
}

type snapshotMsg Snapshot

type tickMsg struct{}

// Model is the dashboard state.
type Model struct {
	client   *Client
	interval time.Duration

	snap   Snapshot
	brains table.Model
	events viewport.Model
	focus  panel

	width, height int
}

// NewModel creates a dashboard that refreshes from client every interval.
func NewModel(client *Client, interval time.Duration) Model {
	t := table.New(
		table.WithColumns(brainColumns(80)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(colorMuted)
	styles.Selected = styles.Selected.Foreground(colorPrimary).Bold(true)
	t.SetStyles(styles)

	return Model{
		client:   client,
		interval: interval,
		brains:   t,
		events:   viewport.New(80, 8),
	}
}

func brainColumns(width int) []table.Column {
	route := width - 12 - 10 - 12 - 8
	if route < 12 {
		route = 12
	}
	return []table.Column{
		{Title: "ROUTE", Width: route},
		{Title: "STATUS", Width: 10},
		{Title: "ORIGIN", Width: 10},
		{Title: "LAST SEEN", Width: 12},
	}
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return snapshotMsg(m.client.Fetch(ctx))
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m Model) Init() tea.Cmd {
	return m.fetch()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.quit):
			return m, tea.Quit
		case key.Matches(msg, keys.refresh):
			return m, m.fetch()
		case key.Matches(msg, keys.tab):
			if m.focus == panelBrains {
				m.focus = panelEvents
				m.brains.Blur()
			} else {
				m.focus = panelBrains
				m.brains.Focus()
			}
			return m, nil
		}

	case snapshotMsg:
		m.apply(Snapshot(msg))
		return m, m.tick()

	case tickMsg:
		return m, m.fetch()
	}

	var cmd tea.Cmd
	if m.focus == panelBrains {
		m.brains, cmd = m.brains.Update(msg)
	} else {
		m.events, cmd = m.events.Update(msg)
	}
	return m, cmd
}

// apply stores a snapshot. A failed refresh keeps the previous data and
// only records the error.
func (m *Model) apply(s Snapshot) {
	if s.Err != nil && !m.snap.At.IsZero() {
		m.snap.Err = s.Err
		return
	}
	m.snap = s
	m.brains.SetRows(brainRows(s, time.Now()))
	m.events.SetContent(eventLines(s))
}

func (m *Model) resize() {
	inner := m.width - 4
	if inner < 40 {
		inner = 40
	}
	rest := m.height - 8
	if rest < 8 {
		rest = 8
	}
	m.brains.SetColumns(brainColumns(inner))
	m.brains.SetWidth(inner)
	m.brains.SetHeight(rest / 2)
	m.events.Width = inner
	m.events.Height = rest - rest/2
}

func brainRows(s Snapshot, now time.Time) []table.Row {
	if len(s.Live) == 0 && len(s.Known) == 0 {
		rows := make([]table.Row, 0, len(s.Health.Routes))
		for _, route := range s.Health.Routes {
			rows = append(rows, table.Row{route, "online", "-", "-"})
		}
		return rows
	}

	live := make(map[string]bool, len(s.Live))
	rows := make([]table.Row, 0, len(s.Live)+len(s.Known))
	for _, b := range s.Live {
		live[b.Route] = true
		rows = append(rows, table.Row{b.Route, "online", string(b.Origin), since(now, b.LastSeen)})
	}
	for _, b := range s.Known {
		if live[b.Route] || b.Online {
			continue
		}
		rows = append(rows, table.Row{b.Route, "offline", b.Origin, since(now, b.LastSeen)})
	}
	return rows
}

func eventLines(s Snapshot) string {
	if len(s.Events) == 0 {
		return subtleStyle.Render("  No audit events (log in with --username to see them)")
	}
	var sb strings.Builder
	for _, e := range s.Events {
		fmt.Fprintf(&sb, "%s  %s  %s  %s\n",
			subtleStyle.Render(e.CreatedAt.Local().Format("15:04:05")),
			actionStyle(e.Action).Render(fmt.Sprintf("%-16s", e.Action)),
			textStyle.Render(e.Route),
			subtleStyle.Render(e.RemoteAddr))
	}
	return sb.String()
}

func since(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm ago", int(d.Hours()), int(d.Minutes())%60)
	}
}

func (m Model) header() string {
	h := m.snap.Health
	dot := onlineDot
	if m.snap.Err != nil || h.Status != "ok" {
		dot = offlineDot
	}
	line := fmt.Sprintf("%s %s  %s", titleStyle.Render("Brain Proxy"), dot, subtleStyle.Render(m.client.base))
	stats := fmt.Sprintf("brains %d   requests %d   offline %d   uptime %s",
		h.ConnectedBrains, h.TotalRequests, h.OfflineResponses, h.UptimeDuration())
	if h.Version != "" {
		stats += "   version " + h.Version
	}
	out := line + "\n" + textStyle.Render(stats)
	if m.snap.Err != nil {
		out += "\n" + errorStyle.Render("refresh failed: "+m.snap.Err.Error())
	}
	return out
}

func (m Model) View() string {
	brainsStyle, eventsStyle := focusedPanel, panelStyle
	if m.focus == panelEvents {
		brainsStyle, eventsStyle = panelStyle, focusedPanel
	}
	help := subtleStyle.Render(fmt.Sprintf("  %s %s  %s %s  %s %s",
		keys.quit.Help().Key, keys.quit.Help().Desc,
		keys.refresh.Help().Key, keys.refresh.Help().Desc,
		keys.tab.Help().Key, keys.tab.Help().Desc))

	return lipgloss.JoinVertical(lipgloss.Left,
		m.header(),
		brainsStyle.Render(m.brains.View()),
		eventsStyle.Render(m.events.View()),
		help,
	)
}

// Run shows the dashboard until the user quits or ctx is canceled.
func Run(ctx context.Context, client *Client, interval time.Duration) error {
	p := tea.NewProgram(NewModel(client, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !(errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
