// Package monitor implements the terminal dashboard and the HTTP client used
// by the todosync CLI to talk to a running daemon.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	api "github.com/fyrsmithlabs/todosync/internal/http"
	"github.com/fyrsmithlabs/todosync/internal/syncengine"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	maxListedOps    = 8
	fetchTimeout    = 5 * time.Second
	syncTimeout     = 30 * time.Second
)

// Options configures the dashboard.
type Options struct {
	Interval time.Duration
	// MaxRetries is the retry ceiling the budget bar is measured against.
	MaxRetries int
}

// Snapshot is one poll of the daemon.
type Snapshot struct {
	Status     api.StatusResponse
	Operations []api.OperationView
}

// Model is the bubbletea dashboard model.
type Model struct {
	client     *Client
	interval   time.Duration
	maxRetries int
	lastUpdate time.Time
	snapshot   Snapshot
	depth      []float64
	notice     string
	err        error
	quitting   bool

	budget progress.Model
}

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling the daemon behind client.
func NewModel(client *Client, opts Options) Model {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = syncengine.DefaultMaxRetries
	}
	return Model{
		client:     client,
		interval:   opts.Interval,
		maxRetries: opts.MaxRetries,
		depth:      make([]float64, 0, historySize),
		budget: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(40),
		),
	}
}

type tickMsg time.Time
type snapshotMsg Snapshot
type syncedMsg api.SyncResponse
type errMsg error

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(m.interval), fetchSnapshot(m.client))
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSnapshot(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		status, err := client.Status(ctx)
		if err != nil {
			return errMsg(err)
		}
		ops, err := client.Operations(ctx)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg{Status: status, Operations: ops}
	}
}

func forceSync(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()

		resp, err := client.Sync(ctx)
		if err != nil {
			return errMsg(err)
		}
		return syncedMsg(resp)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.client)
		case "s":
			m.notice = "syncing..."
			return m, forceSync(m.client)
		}

	case tickMsg:
		return m, tea.Batch(tick(m.interval), fetchSnapshot(m.client))

	case snapshotMsg:
		m.snapshot = Snapshot(msg)
		m.depth = appendToHistory(m.depth, float64(msg.Status.Queue.PendingOperations))
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case syncedMsg:
		m.notice = describeSync(api.SyncResponse(msg))
		return m, fetchSnapshot(m.client)

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// budgetUsed is the share of the retry ceiling spent by the worst operation.
func budgetUsed(counts api.OperationCounts, maxRetries int) float64 {
	if maxRetries <= 0 {
		return 0
	}
	ratio := float64(counts.MaxRetryCount) / float64(maxRetries)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

func connectivityBadge(s api.StatusResponse) string {
	switch {
	case !s.Connectivity.IsOnline:
		return errorStyle.Render("✗ OFFLINE")
	case s.Queue.IsProcessing || s.Draining:
		return warningStyle.Render("⟳ SYNCING")
	case len(s.Queue.Errors) > 0:
		return warningStyle.Render("⚠ ONLINE")
	default:
		return healthyStyle.Render("✓ ONLINE")
	}
}

func budgetBadge(ratio float64) string {
	switch {
	case ratio < 0.5:
		return healthyStyle.Render("[✓]")
	case ratio < 1:
		return warningStyle.Render("[⚠]")
	default:
		return errorStyle.Render("[✗]")
	}
}

func describeSync(resp api.SyncResponse) string {
	if resp.Skipped != "" {
		return "sync skipped: " + strings.ReplaceAll(resp.Skipped, "_", " ")
	}
	r := resp.Result
	return fmt.Sprintf("synced: %d applied, %d retrying, %d evicted, %d deferred",
		r.Applied, r.Retrying, r.Evicted, r.Deferred)
}

func (m Model) renderError() string {
	header := headerStyle.Render(" todosync Monitor ")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach the todosync daemon") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.client.BaseURL()) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Start it with: todosync serve") + "\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

func (m Model) renderDashboard() string {
	s := m.snapshot.Status
	now := time.Now()

	var b strings.Builder

	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" todosync Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s %s   %s\n",
		connectivityBadge(s),
		dimStyle.Render("Last sync:"),
		valueStyle.Render(FormatLastSync(s.Queue.LastSync, now)),
		dimStyle.Render(lastUpdate)))

	b.WriteString("\n" + sectionStyle.Render("┃ Queue") + "\n")
	b.WriteString(labelStyle.Render("  Pending: ") +
		valueStyle.Render(fmt.Sprintf("%-6d", s.Queue.PendingOperations)) +
		"   " + createSparkline(m.depth) + "\n")
	b.WriteString(labelStyle.Render("  Tables: ") + valueStyle.Render(formatCounts(s.Counts.ByTable)) + "\n")
	b.WriteString(labelStyle.Render("  Types: ") + valueStyle.Render(formatCounts(s.Counts.ByType)) + "\n")
	b.WriteString(labelStyle.Render("  Retries armed: ") + valueStyle.Render(fmt.Sprintf("%d", s.RetriesPending)) + "\n")

	ratio := budgetUsed(s.Counts, m.maxRetries)
	b.WriteString("\n" + sectionStyle.Render("┃ Retry Budget") + "\n")
	b.WriteString(labelStyle.Render("  Worst: ") +
		valueStyle.Render(fmt.Sprintf("%d/%d", s.Counts.MaxRetryCount, m.maxRetries)) +
		" " + budgetBadge(ratio) +
		"  " + dimStyle.Render(fmt.Sprintf("%d failing", s.Counts.Failing)) + "\n")
	b.WriteString(labelStyle.Render("  Used: ") + m.budget.ViewAs(ratio) + " " + dimStyle.Render(FormatPercentage(ratio)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Connectivity") + "\n")
	c := s.Connectivity
	b.WriteString(labelStyle.Render("  Latency: ") + valueStyle.Render(FormatLatency(c.LastLatency)) +
		"  " + labelStyle.Render("Failures: ") + valueStyle.Render(fmt.Sprintf("%d", c.ConsecutiveFailures)) + "\n")
	if !c.LastOnline.IsZero() {
		b.WriteString(labelStyle.Render("  Last online: ") + valueStyle.Render(FormatLastSync(c.LastOnline, now)) + "\n")
	}
	if c.LastError != "" {
		b.WriteString(labelStyle.Render("  Probe error: ") + errorStyle.Render(Truncate(c.LastError, 60)) + "\n")
	}

	if len(m.snapshot.Operations) > 0 {
		b.WriteString("\n" + sectionStyle.Render("┃ Operations") + "\n")
		for i, op := range m.snapshot.Operations {
			if i == maxListedOps {
				b.WriteString(dimStyle.Render(fmt.Sprintf("  ... %d more", len(m.snapshot.Operations)-maxListedOps)) + "\n")
				break
			}
			b.WriteString(m.renderOperation(op, now) + "\n")
		}
	}

	if len(s.Queue.Errors) > 0 {
		b.WriteString("\n" + sectionStyle.Render("┃ Errors") + "\n")
		for _, e := range s.Queue.Errors {
			b.WriteString("  " + errorStyle.Render(Truncate(e, 70)) + "\n")
		}
	}

	if m.notice != "" {
		b.WriteString("\n" + dimStyle.Render(m.notice) + "\n")
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[s]") + footerStyle.Render(" sync now  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

func (m Model) renderOperation(op api.OperationView, now time.Time) string {
	line := fmt.Sprintf("  %-28s %s", Truncate(op.Describe(), 28), dimStyle.Render(FormatAge(now.Sub(op.Timestamp))))
	if op.RetryCount > 0 {
		line += "  " + warningStyle.Render(fmt.Sprintf("retry %d/%d", op.RetryCount, m.maxRetries))
	}
	if op.RetryScheduled {
		line += dimStyle.Render(" ⏱")
	}
	if op.Error != "" {
		line += "  " + errorStyle.Render(Truncate(op.Error, 40))
	}
	return line
}

func formatCounts[K ~string](counts map[K]int) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[K(k)]))
	}
	return strings.Join(parts, " ")
}
