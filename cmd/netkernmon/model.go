package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// model is netkernmon's single-screen dashboard: a periodically refreshed
// table of netkernd's exported gauges/counters, the bubbletea/bubbles
// equivalent of Splat-NDPeekr's RenderTable-over-raw-ANSI loop in
// lib/display.go, generalized from one NDP/MLD peer table into a scrape of
// whatever metrics netkernd currently exports.
type model struct {
	addr    string
	refresh time.Duration

	table    table.Model
	lastErr  error
	lastPoll time.Time
}

type tickMsg struct{}

type scrapeResultMsg struct {
	samples []sample
	err     error
}

var baseStyle = lipgloss.NewStyle().
	BorderStyle(lipgloss.NormalBorder()).
	BorderForeground(lipgloss.Color("240"))

func newModel(addr string, refresh time.Duration) model {
	columns := []table.Column{
		{Title: "Metric", Width: 34},
		{Title: "Labels", Width: 24},
		{Title: "Value", Width: 12},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithRows(nil),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return model{addr: addr, refresh: refresh, table: t}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(scrapeCmd(m.addr), tickCmd(m.refresh))
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return tickMsg{} })
}

func scrapeCmd(addr string) tea.Cmd {
	return func() tea.Msg {
		samples, err := fetchSamples(context.Background(), addr, 3*time.Second)
		return scrapeResultMsg{samples: samples, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(scrapeCmd(m.addr), tickCmd(m.refresh))
	case scrapeResultMsg:
		m.lastPoll = time.Now()
		m.lastErr = msg.err
		if msg.err == nil {
			rows := make([]table.Row, 0, len(msg.samples))
			for _, s := range msg.samples {
				rows = append(rows, table.Row{
					s.Name,
					labelString(s.Labels),
					strconv.FormatFloat(s.Value, 'g', -1, 64),
				})
			}
			m.table.SetRows(rows)
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m model) View() string {
	status := fmt.Sprintf("netkernd @ %s — updated %s", m.addr, m.lastPoll.Format("15:04:05"))
	if m.lastErr != nil {
		status = fmt.Sprintf("netkernd @ %s — scrape failed: %v", m.addr, m.lastErr)
	}
	return status + "\n" + baseStyle.Render(m.table.View()) + "\n(q to quit)\n"
}
