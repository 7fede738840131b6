package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/reviewloop/reviewloop/internal/errors"
)

// TUIRenderer draws an interactive progress view with bubbletea.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *progressModel
	tracker *ProgressTracker
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer. Fails when the output is not a
// terminal; callers fall back to the plain renderer.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "output is not a terminal")
	}

	tracker := NewProgressTracker()
	model := newProgressModel(tracker, cfg.Title)
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}

	return &TUIRenderer{
		cfg:     cfg,
		tracker: tracker,
		model:   model,
		done:    make(chan struct{}),
	}, nil
}

func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	_, r.cancel = context.WithCancel(ctx)

	var opts []tea.ProgramOption
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	opts = append(opts, tea.WithAltScreen())

	r.program = tea.NewProgram(r.model, opts...)
	r.started = true

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

func (r *TUIRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.Stage != r.tracker.Stats().Stage {
		r.tracker.SetStage(event.Stage, event.Total)
	}
	r.tracker.Update(event.Current, event.CurrentFile)

	if r.program != nil {
		r.program.Send(progressUpdateMsg(event))
	}
}

func (r *TUIRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.AddError(event)
	if r.program != nil {
		r.program.Send(errorMsg(event))
	}
}

func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.SetStage(StageComplete, 0)
	if r.program != nil {
		r.program.Send(completeMsg(stats))
	}
}

func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	if r.program != nil {
		r.program.Quit()
		// Do not hang on an unresponsive terminal.
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

type progressUpdateMsg ProgressEvent
type errorMsg ErrorEvent
type completeMsg CompletionStats
type tickMsg time.Time

// progressModel is the bubbletea model behind the interactive view.
type progressModel struct {
	tracker     *ProgressTracker
	width       int
	quitting    bool
	complete    bool
	stats       CompletionStats
	spinner     spinner.Model
	progressBar progress.Model
	styles      Styles
	title       string
}

func newProgressModel(tracker *ProgressTracker, title string) *progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent))

	p := progress.New(
		progress.WithSolidFill(ColorAccent),
		progress.WithWidth(50),
		progress.WithoutPercentage(),
	)

	return &progressModel{
		tracker:     tracker,
		spinner:     s,
		progressBar: p,
		styles:      DefaultStyles(),
		width:       80,
		title:       title,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progressBar.Width = msg.Width - 20
		if m.progressBar.Width < 20 {
			m.progressBar.Width = 20
		}

	case progressUpdateMsg, errorMsg:
		// State lives in the tracker; the next tick redraws.
		return m, nil

	case completeMsg:
		m.complete = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit

	case tickMsg:
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	if m.quitting {
		return "Cancelled.\n"
	}
	if m.complete {
		return m.renderComplete()
	}

	contentWidth := m.width - 4
	if contentWidth < 40 {
		contentWidth = 40
	}

	divider := m.styles.Border.Render(strings.Repeat("─", contentWidth))
	sections := []string{
		m.renderStages(),
		divider,
		m.renderProgress(),
		m.renderSpeed(),
		divider,
		m.styles.Success.Render(m.tracker.RenderSparkline(contentWidth-10)) +
			" " + m.styles.Dim.Render("throughput"),
	}
	if file := m.tracker.Stats().CurrentFile; file != "" {
		sections = append(sections, divider, m.styles.Dim.Render(truncatePath(file, contentWidth-2)))
	}

	title := "reviewloop"
	if m.title != "" {
		title = "reviewloop " + m.title
	}
	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorDarkGray)).
		Padding(0, 1).
		Width(contentWidth)

	body := lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Header.Render(title),
		panel.Render(strings.Join(sections, "\n")),
	)
	return body + "\n" + m.renderStatusBar()
}

// renderStages draws the pipeline position indicator.
func (m *progressModel) renderStages() string {
	current := m.tracker.Stats().Stage

	// Crawl and review runs show their own single stage; indexing shows
	// the scan/embed pair.
	var stages []Stage
	switch current {
	case StageCrawling:
		stages = []Stage{StageCrawling}
	case StageReviewing:
		stages = []Stage{StageReviewing}
	default:
		stages = []Stage{StageScanning, StageEmbedding}
	}

	var parts []string
	for _, s := range stages {
		var icon string
		var style lipgloss.Style
		switch {
		case s < current:
			icon, style = "●", m.styles.Success
		case s == current:
			icon, style = m.spinner.View(), m.styles.Active
		default:
			icon, style = "○", m.styles.Dim
		}
		parts = append(parts, style.Render(icon+" "+s.String()))
	}
	return strings.Join(parts, m.styles.Dim.Render(" > "))
}

func (m *progressModel) renderProgress() string {
	stats := m.tracker.Stats()
	if stats.Total == 0 {
		return fmt.Sprintf("%s %s...", m.spinner.View(), stats.Stage.String())
	}

	bar := m.progressBar.ViewAs(stats.Progress)
	pct := m.styles.Active.Render(fmt.Sprintf("%3.0f%%", stats.Progress*100))
	count := m.styles.Label.Render(fmt.Sprintf("%d / %d", stats.Current, stats.Total))
	return fmt.Sprintf("%s  %s\n%s", bar, pct, count)
}

func (m *progressModel) renderSpeed() string {
	stats := m.tracker.Stats()

	speed := fmt.Sprintf("Speed: %.0f/s", stats.Speed.Current)
	if stats.Speed.Avg > 0 {
		speed += fmt.Sprintf(" (avg %.0f, peak %.0f)", stats.Speed.Avg, stats.Speed.Peak)
	}
	parts := []string{m.styles.Label.Render(speed)}
	if stats.ETA > 0 {
		parts = append(parts, m.styles.Label.Render("ETA: "+formatDuration(stats.ETA)))
	}
	return strings.Join(parts, m.styles.Dim.Render("  |  "))
}

func (m *progressModel) renderStatusBar() string {
	stats := m.tracker.Stats()
	var parts []string
	if stats.WarnCount > 0 {
		parts = append(parts, m.styles.Warning.Render(fmt.Sprintf("%d warnings", stats.WarnCount)))
	}
	if stats.ErrorCount > 0 {
		parts = append(parts, m.styles.Error.Render(fmt.Sprintf("%d errors", stats.ErrorCount)))
	}
	parts = append(parts, m.styles.Dim.Render("q to quit"))
	return strings.Join(parts, m.styles.Dim.Render("  |  "))
}

func (m *progressModel) renderComplete() string {
	contentWidth := m.width - 4
	if contentWidth < 40 {
		contentWidth = 40
	}

	lines := []string{
		m.styles.Success.Render("Done"),
		"",
		fmt.Sprintf("%s %s", m.styles.Label.Render("Files:"),
			m.styles.Active.Render(fmt.Sprintf("%d", m.stats.Files))),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Records:"),
			m.styles.Active.Render(fmt.Sprintf("%d", m.stats.Records))),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Duration:"),
			m.styles.Active.Render(formatDuration(m.stats.Duration))),
	}
	if speed := m.tracker.SpeedStats(); speed.Avg > 0 {
		lines = append(lines, fmt.Sprintf("%s %s", m.styles.Label.Render("Avg speed:"),
			m.styles.Label.Render(fmt.Sprintf("%.0f/sec", speed.Avg))))
	}
	if m.stats.Errors > 0 {
		lines = append(lines, "", m.styles.Error.Render(fmt.Sprintf("%d errors", m.stats.Errors)))
	}
	if m.stats.Warnings > 0 {
		lines = append(lines, m.styles.Warning.Render(fmt.Sprintf("%d warnings", m.stats.Warnings)))
	}

	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorAccent)).
		Padding(1, 2).
		Width(contentWidth)
	return panel.Render(strings.Join(lines, "\n")) + "\n"
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		if secs == 0 {
			return fmt.Sprintf("%dm", mins)
		}
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// truncatePath shortens a path from the left, keeping the basename.
func truncatePath(path string, maxLen int) string {
	if path == "" || len(path) <= maxLen {
		return path
	}
	if maxLen < 4 {
		return "..."
	}

	parts := strings.Split(path, "/")
	base := parts[len(parts)-1]
	if len(base)+4 > maxLen {
		return "..." + base[len(base)-maxLen+3:]
	}

	remaining := maxLen - len(base) - 4
	prefix := strings.Join(parts[:len(parts)-1], "/")
	if len(prefix) <= remaining {
		return path
	}
	return "..." + prefix[len(prefix)-remaining:] + "/" + base
}

var _ Renderer = (*TUIRenderer)(nil)
