package main

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 2
	historySize     = 30
)

var dashboardInterval time.Duration

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Live terminal dashboard over active deployments",
	Long: `Dashboard renders the rollout control plane in the terminal: active
deployments with their traffic weights, per-strategy error rates with
history sparklines, circuit breaker states, retirements in flight, and
the background job counters.`,
	RunE: runDashboard,
}

func init() {
	dashboardCmd.Flags().DurationVar(&dashboardInterval, "interval", 2*time.Second, "refresh interval")
}

func runDashboard(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(newDashboardModel(dashboardInterval))
	_, err := p.Run()
	return err
}

// deploymentRow is one active deployment joined with its live metrics.
type deploymentRow struct {
	StrategyID string
	Version    string
	Stage      string
	Mode       string
	Weight     float64
	ErrorRate  float64
	P95MS      float64
	Samples    int
	Circuit    string
}

// snapshot is one poll of the control plane.
type snapshot struct {
	Deployments []deploymentRow
	Retirements int
	Migrations  int
	Jobs        []jobRow
	Algorithm   string
}

type jobRow struct {
	Name      string `json:"name"`
	Interval  string `json:"interval"`
	Runs      uint64 `json:"runs"`
	Failures  uint64 `json:"failures"`
	LastError string `json:"last_error"`
}

// Lipgloss styles (k9s-inspired color scheme)
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

type dashboardModel struct {
	interval   time.Duration
	lastUpdate time.Time
	snap       snapshot
	err        error
	quitting   bool

	// error rate history per strategy, for sparklines
	errorHistory map[string][]float64

	weightProgress progress.Model
}

func newDashboardModel(interval time.Duration) dashboardModel {
	return dashboardModel{
		interval:     interval,
		errorHistory: make(map[string][]float64),
		weightProgress: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(30),
		),
	}
}

type tickMsg time.Time
type snapshotMsg snapshot
type errMsg error

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(tick(m.interval), fetchSnapshot())
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshot polls the rolloutd API and joins deployments with their
// metrics and circuit states.
func fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		var deployments []struct {
			Strategy struct {
				ID      string `json:"id"`
				Version string `json:"version"`
			} `json:"strategy"`
			Stage         string  `json:"stage"`
			Mode          string  `json:"mode"`
			TrafficWeight float64 `json:"traffic_weight"`
		}
		if err := call(http.MethodGet, "/api/v1/deployments", nil, &deployments); err != nil {
			return errMsg(err)
		}

		var selState struct {
			Algorithm string            `json:"algorithm"`
			Circuits  map[string]string `json:"circuits"`
		}
		if err := call(http.MethodGet, "/api/v1/selector", nil, &selState); err != nil {
			return errMsg(err)
		}

		snap := snapshot{Algorithm: selState.Algorithm}
		for _, d := range deployments {
			row := deploymentRow{
				StrategyID: d.Strategy.ID,
				Version:    d.Strategy.Version,
				Stage:      d.Stage,
				Mode:       d.Mode,
				Weight:     d.TrafficWeight,
				Circuit:    selState.Circuits[d.Strategy.ID],
			}
			if row.Circuit == "" {
				row.Circuit = "closed"
			}

			var metrics struct {
				Aggregates struct {
					Samples   int     `json:"samples"`
					P95       int64   `json:"p95"`
					ErrorRate float64 `json:"error_rate"`
				} `json:"aggregates"`
			}
			path := fmt.Sprintf("/api/v1/strategies/%s/%s/metrics", d.Strategy.ID, d.Strategy.Version)
			if err := call(http.MethodGet, path, nil, &metrics); err == nil {
				row.Samples = metrics.Aggregates.Samples
				row.ErrorRate = metrics.Aggregates.ErrorRate
				row.P95MS = float64(metrics.Aggregates.P95) / float64(time.Millisecond)
			}
			snap.Deployments = append(snap.Deployments, row)
		}
		sort.Slice(snap.Deployments, func(i, j int) bool {
			return snap.Deployments[i].StrategyID < snap.Deployments[j].StrategyID
		})

		var retirements []struct{}
		if err := call(http.MethodGet, "/api/v1/retirements", nil, &retirements); err == nil {
			snap.Retirements = len(retirements)
		}
		var migrations []struct{}
		if err := call(http.MethodGet, "/api/v1/migrations", nil, &migrations); err == nil {
			snap.Migrations = len(migrations)
		}
		if err := call(http.MethodGet, "/api/v1/jobs", nil, &snap.Jobs); err != nil {
			return errMsg(err)
		}

		return snapshotMsg(snap)
	}
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot()
		}

	case tickMsg:
		return m, tea.Batch(tick(m.interval), fetchSnapshot())

	case snapshotMsg:
		m.snap = snapshot(msg)
		for _, d := range m.snap.Deployments {
			m.errorHistory[d.StrategyID] = appendToHistory(m.errorHistory[d.StrategyID], d.ErrorRate*100)
		}
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
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
	return sparklineStyle.Render(spark.View())
}

// circuitBadge colors the breaker state.
func circuitBadge(state string) string {
	switch state {
	case "open":
		return errorStyle.Render("[✗ open]")
	case "half-open":
		return warningStyle.Render("[⚠ half]")
	default:
		return healthyStyle.Render("[✓]")
	}
}

func errorBadge(rate float64) string {
	if rate < 0.02 {
		return healthyStyle.Render("[✓]")
	} else if rate < 0.10 {
		return warningStyle.Render("[⚠]")
	}
	return errorStyle.Render("[✗]")
}

func (m dashboardModel) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m dashboardModel) renderError() string {
	header := headerStyle.Render("rolloutd Dashboard")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot connect to rolloutd") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(serverURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

func (m dashboardModel) renderDashboard() string {
	var content string

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}

	content += headerStyle.Render(" rolloutd Monitor ") + "\n"
	content += fmt.Sprintf("%s %s   %s %d   %s %d   %s\n",
		dimStyle.Render("Selector:"), valueStyle.Render(m.snap.Algorithm),
		dimStyle.Render("Retiring:"), m.snap.Retirements,
		dimStyle.Render("Migrations:"), m.snap.Migrations,
		dimStyle.Render(lastUpdateStr))

	content += "\n" + sectionStyle.Render("┃ Active Deployments") + "\n"
	if len(m.snap.Deployments) == 0 {
		content += dimStyle.Render("  none") + "\n"
	}
	for _, d := range m.snap.Deployments {
		ref := fmt.Sprintf("%s@%s", d.StrategyID, d.Version)
		content += labelStyle.Render("  "+ref) +
			" " + valueStyle.Render(d.Stage) +
			" " + dimStyle.Render("("+d.Mode+")") +
			" " + circuitBadge(d.Circuit) + "\n"

		content += labelStyle.Render("    Traffic: ") +
			m.weightProgress.ViewAs(d.Weight) +
			" " + dimStyle.Render(fmt.Sprintf("%.0f%%", d.Weight*100)) + "\n"

		content += labelStyle.Render("    Errors:  ") +
			valueStyle.Render(fmt.Sprintf("%5.2f%%", d.ErrorRate*100)) +
			" " + errorBadge(d.ErrorRate) +
			"  " + createSparkline(m.errorHistory[d.StrategyID]) + "\n"

		content += labelStyle.Render("    p95: ") +
			valueStyle.Render(fmt.Sprintf("%.1fms", d.P95MS)) +
			"  " + dimStyle.Render(fmt.Sprintf("%d samples", d.Samples)) + "\n"
	}

	content += "\n" + sectionStyle.Render("┃ Background Jobs") + "\n"
	for _, j := range m.snap.Jobs {
		status := healthyStyle.Render("✓")
		if j.LastError != "" {
			status = errorStyle.Render("✗ " + j.LastError)
		}
		content += labelStyle.Render(fmt.Sprintf("  %-22s", j.Name)) +
			valueStyle.Render(fmt.Sprintf("%5d runs", j.Runs)) +
			dimStyle.Render(fmt.Sprintf("  %d failed  every %s  ", j.Failures, j.Interval)) +
			status + "\n"
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	content += "\n" + footer

	return containerStyle.Render(content)
}
