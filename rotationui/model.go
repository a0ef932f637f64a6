// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotationui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// snapshotMsg delivers a completed snapshot fetch (or its error)
// through the bubbletea message loop.
type snapshotMsg struct {
	snapshot Snapshot
	err      error
}

// refreshMsg fires on the poll interval to schedule the next fetch.
type refreshMsg struct{}

// fetchTimeout bounds one snapshot fetch. The service answers from
// SQLite over a local socket; anything slower means it is wedged and
// the dashboard shows the error instead of hanging.
const fetchTimeout = 10 * time.Second

// Model is the bubbletea model for the pool dashboard.
type Model struct {
	source  Source
	theme   Theme
	keys    KeyMap
	refresh time.Duration

	snapshot Snapshot
	fetchErr error

	// visible is the filtered, rank-sorted view of snapshot.Keys.
	visible []KeyRow
	cursor  int

	filter       string
	filterActive bool

	width  int
	height int
}

// New creates a dashboard model polling source every refresh.
func New(source Source, refresh time.Duration) Model {
	return Model{
		source:  source,
		theme:   DefaultTheme,
		keys:    DefaultKeyMap,
		refresh: refresh,
	}
}

// Run starts the dashboard in the alternate screen and blocks until
// the user quits.
func Run(source Source, refresh time.Duration) error {
	// The dashboard runs over SSH and inside sandboxes where terminal
	// detection is unreliable; pin the profile rather than letting
	// lipgloss re-detect.
	lipgloss.SetColorProfile(termenv.ANSI256)
	program := tea.NewProgram(New(source, refresh), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

// Init fetches the first snapshot and starts the refresh timer.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.scheduleRefresh())
}

func (m Model) fetch() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		snapshot, err := source.Snapshot(ctx)
		return snapshotMsg{snapshot: snapshot, err: err}
	}
}

func (m Model) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.refresh, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

// Update handles messages: snapshot arrivals, refresh ticks, resize,
// and keyboard input.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		if msg.err != nil {
			// Keep the last good snapshot on screen; surface the error
			// in the status line until a fetch succeeds.
			m.fetchErr = msg.err
			return m, nil
		}
		m.fetchErr = nil
		m.snapshot = msg.snapshot
		m.applyFilter()
		return m, nil

	case refreshMsg:
		return m, tea.Batch(m.fetch(), m.scheduleRefresh())

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.filterActive {
		switch {
		case key.Matches(msg, m.keys.FilterClear):
			m.filterActive = false
			m.filter = ""
			m.applyFilter()
		case msg.Type == tea.KeyEnter:
			m.filterActive = false
		case msg.Type == tea.KeyBackspace:
			if m.filter != "" {
				m.filter = m.filter[:len(m.filter)-1]
				m.applyFilter()
			}
		case msg.String() == "ctrl+c":
			return m, tea.Quit
		case msg.Type == tea.KeyRunes:
			m.filter += string(msg.Runes)
			m.applyFilter()
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.FilterActivate):
		m.filterActive = true
	case key.Matches(msg, m.keys.FilterClear):
		if m.filter != "" {
			m.filter = ""
			m.applyFilter()
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.visible)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Home):
		m.cursor = 0
	case key.Matches(msg, m.keys.End):
		if len(m.visible) > 0 {
			m.cursor = len(m.visible) - 1
		}
	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetch()
	}
	return m, nil
}

// applyFilter recomputes the visible rows: fuzzy-match the filter
// against "id provider", drop non-matches, and rank by match score
// (ties broken by ID for a stable order). An empty filter shows
// everything in the service's ID order.
func (m *Model) applyFilter() {
	if m.filter == "" {
		m.visible = m.snapshot.Keys
	} else {
		pattern := []rune(strings.ToLower(m.filter))
		type ranked struct {
			row   KeyRow
			score int
		}
		matches := make([]ranked, 0, len(m.snapshot.Keys))
		for _, row := range m.snapshot.Keys {
			result := FuzzyMatch(row.ID+" "+row.Provider, pattern)
			if result.Matched {
				matches = append(matches, ranked{row: row, score: result.Score})
			}
		}
		sort.SliceStable(matches, func(i, j int) bool {
			if matches[i].score != matches[j].score {
				return matches[i].score > matches[j].score
			}
			return matches[i].row.ID < matches[j].row.ID
		})
		m.visible = make([]KeyRow, len(matches))
		for i, match := range matches {
			m.visible[i] = match.row
		}
	}

	if m.cursor >= len(m.visible) {
		m.cursor = len(m.visible) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// View renders the dashboard: stats header, key table, status line.
func (m Model) View() string {
	var b strings.Builder

	headerStyle := lipgloss.NewStyle().Foreground(m.theme.HeaderForeground).Bold(true)
	faint := lipgloss.NewStyle().Foreground(m.theme.FaintText)

	stats := m.snapshot.Stats
	b.WriteString(headerStyle.Render("keywheel"))
	b.WriteString(faint.Render(fmt.Sprintf(
		"  %d active · %d cooling · %d disabled · %d bindings · %d reserves",
		stats.ActiveKeys, stats.CoolingKeys, stats.DisabledKeys,
		stats.ActiveBindings, stats.UnusedBackups)))
	if !m.snapshot.Taken.IsZero() {
		b.WriteString(faint.Render("  refreshed " + m.snapshot.Taken.Format("15:04:05")))
	}
	b.WriteString("\n")

	if m.fetchErr != nil {
		errStyle := lipgloss.NewStyle().Foreground(m.theme.ErrorText)
		b.WriteString(errStyle.Render("fetch failed: " + m.fetchErr.Error()))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(m.renderTable())
	b.WriteString("\n")
	b.WriteString(m.renderStatusLine())
	return b.String()
}

// tableFormat is the fixed layout of the key table. Cooldown and
// score are short; the ID column absorbs long key names.
const tableFormat = "%-28s %-12s %-13s %6s %9s %6s %7s"

func (m Model) renderTable() string {
	var b strings.Builder

	headerStyle := lipgloss.NewStyle().Foreground(m.theme.FaintText).Bold(true)
	b.WriteString(headerStyle.Render(fmt.Sprintf(tableFormat,
		"KEY", "PROVIDER", "STATUS", "SCORE", "COOLDOWN", "BOUND", "STREAK")))
	b.WriteString("\n")

	if len(m.visible) == 0 {
		b.WriteString(lipgloss.NewStyle().Foreground(m.theme.FaintText).
			Render("  no keys match"))
		b.WriteString("\n")
		return b.String()
	}

	for i, row := range m.visible {
		line := fmt.Sprintf(tableFormat,
			truncate(row.ID, 28),
			truncate(row.Provider, 12),
			row.Status,
			fmt.Sprintf("%.2f", row.Score),
			cooldownLabel(row.CooldownUntil),
			fmt.Sprintf("%d", row.BoundProxies),
			fmt.Sprintf("%d", row.CooldownStreak),
		)

		style := lipgloss.NewStyle().Foreground(m.theme.StatusColor(row.Status))
		if i == m.cursor {
			style = style.
				Background(m.theme.SelectedBackground).
				Foreground(m.theme.SelectedForeground)
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderStatusLine() string {
	helpStyle := lipgloss.NewStyle().Foreground(m.theme.HelpText)
	if m.filterActive {
		return helpStyle.Render("filter: ") + m.filter + "▌"
	}
	if m.filter != "" {
		return helpStyle.Render(fmt.Sprintf("filter %q (%d/%d) · esc clear · q quit",
			m.filter, len(m.visible), len(m.snapshot.Keys)))
	}
	return helpStyle.Render("j/k move · / filter · r refresh · q quit")
}

// cooldownLabel renders remaining cooldown as compact duration, or
// "-" for keys not cooling.
func cooldownLabel(until time.Time) string {
	if until.IsZero() {
		return "-"
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		return "due"
	}
	return remaining.Round(time.Second).String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
