// Package tui provides the interactive terminal UI for komuzik.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	statusQueued    = lipgloss.NewStyle().Foreground(warningColor)
	statusExecuting = lipgloss.NewStyle().Foreground(cyanColor)
	statusCompleted = lipgloss.NewStyle().Foreground(successColor)
	statusFailed    = lipgloss.NewStyle().Foreground(errorColor)
	statusCancelled = lipgloss.NewStyle().Foreground(mutedColor)
)

// App is the main TUI application model.
type App struct {
	client       *Client
	downloads    []DownloadItem
	selectedIdx  int
	input        textinput.Model
	width        int
	height       int
	mode         string // "list", "detail"
	current      *DownloadDetail
	stats        *SchedulerStats
	message      string
	loading      bool
	daemonOnline bool
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type: add <url> [audio|video] | cancel | refresh | quit"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 80

	return &App{
		client: NewClient(apiAddr),
		input:  ti,
		mode:   "list",
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchDownloads(),
		a.fetchStats(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		return a, nil

	case downloadsLoadedMsg:
		a.loading = false
		a.downloads = msg.downloads
		if a.selectedIdx >= len(a.downloads) {
			a.selectedIdx = len(a.downloads) - 1
		}
		if a.selectedIdx < 0 {
			a.selectedIdx = 0
		}
		return a, nil

	case statsLoadedMsg:
		a.stats = msg.stats
		return a, nil

	case detailLoadedMsg:
		a.current = msg.detail
		a.mode = "detail"
		return a, nil

	case daemonStatusMsg:
		a.daemonOnline = bool(msg)
		return a, nil

	case actionDoneMsg:
		a.message = string(msg)
		return a, tea.Batch(a.fetchDownloads(), a.fetchStats())

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		a.loading = false
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.fetchDownloads(), a.fetchStats(), a.checkDaemon(), a.tickCmd())

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit

	case "esc":
		if a.mode == "detail" {
			a.mode = "list"
			a.current = nil
			return a, nil
		}
		return a, tea.Quit

	case "up":
		if a.mode == "list" && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, nil

	case "down":
		if a.mode == "list" && a.selectedIdx < len(a.downloads)-1 {
			a.selectedIdx++
		}
		return a, nil

	case "enter":
		if value := strings.TrimSpace(a.input.Value()); value != "" {
			a.input.SetValue("")
			return a, a.executeCommand(value)
		}
		if a.mode == "list" {
			if item := a.selected(); item != nil {
				return a, a.fetchDetail(item.ID)
			}
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) selected() *DownloadItem {
	if a.selectedIdx >= 0 && a.selectedIdx < len(a.downloads) {
		return &a.downloads[a.selectedIdx]
	}
	return nil
}

// executeCommand parses the command bar input.
func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(input)
	switch parts[0] {
	case "add":
		if len(parts) < 2 {
			a.message = "Usage: add <url> [audio|video]"
			return nil
		}
		url := parts[1]
		kind := "audio"
		if len(parts) > 2 {
			kind = parts[2]
		}
		return func() tea.Msg {
			item, err := a.client.SubmitDownload(url, kind)
			if err != nil {
				return errMsg{err}
			}
			return actionDoneMsg(fmt.Sprintf("Submitted %s", item.ID))
		}

	case "cancel":
		item := a.selected()
		if len(parts) > 1 {
			item = &DownloadItem{ID: parts[1]}
		}
		if item == nil {
			a.message = "Nothing selected to cancel"
			return nil
		}
		id := item.ID
		return func() tea.Msg {
			if err := a.client.CancelDownload(id); err != nil {
				return errMsg{err}
			}
			return actionDoneMsg(fmt.Sprintf("Cancelling %s", id))
		}

	case "refresh":
		return tea.Batch(a.fetchDownloads(), a.fetchStats())

	case "quit", "exit":
		return tea.Quit

	default:
		a.message = fmt.Sprintf("Unknown command: %s", parts[0])
		return nil
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("komuzik"))
	b.WriteString("  ")
	if a.daemonOnline {
		b.WriteString(statusCompleted.Render("● daemon online"))
	} else {
		b.WriteString(statusFailed.Render("● daemon offline"))
	}
	b.WriteString("\n")

	if a.stats != nil {
		bar := fmt.Sprintf("active %d/%d  queued %d/%d",
			a.stats.ActiveDownloads, a.stats.GlobalMax,
			a.stats.QueueDepth, a.stats.QueueCapacity)
		b.WriteString(statusBarStyle.Render(bar))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch a.mode {
	case "detail":
		b.WriteString(a.renderDetail())
	default:
		b.WriteString(a.renderList())
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	b.WriteString("\n")
	if a.message != "" {
		b.WriteString(helpStyle.Render(a.message))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("↑/↓ select • enter details • esc back/quit"))
	return b.String()
}

func (a *App) renderList() string {
	if a.loading && len(a.downloads) == 0 {
		return itemStyle.Render("Loading downloads...")
	}
	if len(a.downloads) == 0 {
		return itemStyle.Render("No downloads yet. Try: add <url>")
	}

	var b strings.Builder
	for i, d := range a.downloads {
		line := fmt.Sprintf("%s %s  %s", a.formatStatus(d.Status), shortID(d.ID), d.SourceURL)
		if i == a.selectedIdx {
			b.WriteString(selectedStyle.Render(line))
		} else {
			b.WriteString(itemStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (a *App) renderDetail() string {
	if a.current == nil {
		return itemStyle.Render("No download selected")
	}

	var b strings.Builder
	d := a.current
	b.WriteString(itemStyle.Render(fmt.Sprintf("ID:       %s", d.ID)) + "\n")
	b.WriteString(itemStyle.Render(fmt.Sprintf("User:     %s", d.UserID)) + "\n")
	b.WriteString(itemStyle.Render(fmt.Sprintf("URL:      %s", d.SourceURL)) + "\n")
	b.WriteString(itemStyle.Render(fmt.Sprintf("Status:   %s", a.formatStatus(d.Status))) + "\n")
	if d.Platform != "" {
		b.WriteString(itemStyle.Render(fmt.Sprintf("Platform: %s", d.Platform)) + "\n")
	}
	if d.Title != "" {
		b.WriteString(itemStyle.Render(fmt.Sprintf("Title:    %s", d.Title)) + "\n")
	}
	if d.ArtifactPath != "" {
		b.WriteString(itemStyle.Render(fmt.Sprintf("File:     %s", d.ArtifactPath)) + "\n")
	}
	if d.FailCode != "" {
		b.WriteString(itemStyle.Render(fmt.Sprintf("Failure:  %s (%s)", d.FailCode, d.FailReason)) + "\n")
	}
	if d.DurationMS > 0 {
		b.WriteString(itemStyle.Render(fmt.Sprintf("Duration: %dms", d.DurationMS)) + "\n")
	}
	return b.String()
}

func (a *App) formatStatus(status string) string {
	switch status {
	case "queued":
		return statusQueued.Render("● queued")
	case "executing":
		return statusExecuting.Render("● executing")
	case "completed":
		return statusCompleted.Render("● completed")
	case "failed":
		return statusFailed.Render("● failed")
	case "cancelled":
		return statusCancelled.Render("● cancelled")
	default:
		return status
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- Commands ---

func (a *App) fetchDownloads() tea.Cmd {
	a.loading = true
	return func() tea.Msg {
		downloads, err := a.client.ListDownloads()
		if err != nil {
			return errMsg{err}
		}
		return downloadsLoadedMsg{downloads}
	}
}

func (a *App) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, err := a.client.GetStats()
		if err != nil {
			return errMsg{err}
		}
		return statsLoadedMsg{stats}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	return func() tea.Msg {
		detail, err := a.client.GetDownload(id)
		if err != nil {
			return errMsg{err}
		}
		return detailLoadedMsg{detail}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		return daemonStatusMsg(a.client.CheckDaemon())
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// --- Messages ---

type downloadsLoadedMsg struct {
	downloads []DownloadItem
}

type statsLoadedMsg struct {
	stats *SchedulerStats
}

type detailLoadedMsg struct {
	detail *DownloadDetail
}

type daemonStatusMsg bool

type actionDoneMsg string

type errMsg struct {
	err error
}

type tickMsg time.Time
