// Package ui is the sideload tool's terminal interface: an operation
// menu and a progress view, built the way the host CLI already builds
// its interactive screens, scaled down to this tool's much smaller
// surface.
package ui

import (
	"fmt"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"
)

// view identifies which screen Model.View renders.
type view int

const (
	menuView view = iota
	progressView
	summaryView
)

// Operation is a selectable menu action; pressing enter on the menu
// records it in Model.Selected. cmd/miassistant does not show the menu:
// it opens the model directly on the progress screen and never reads
// Selected.
type Operation string

const (
	OpReadInfo        Operation = "read-info"
	OpListAllowedRoms Operation = "list-allowed"
	OpFlash           Operation = "flash"
	OpFormatData      Operation = "format-data"
	OpReboot          Operation = "reboot"
	OpDownloadLatest  Operation = "download-latest"
	OpFlashFromLatest Operation = "flash-from-latest"
	OpSetHash         Operation = "set-hash"
	OpClearHash       Operation = "clear-hash"
	OpQuit            Operation = "quit"
)

type operationItem struct {
	op   Operation
	name string
	desc string
}

func (i operationItem) Title() string       { return i.name }
func (i operationItem) Description() string { return i.desc }
func (i operationItem) FilterValue() string { return i.name }

var operationItems = []list.Item{
	operationItem{OpReadInfo, "Read device info", "Query device/sn/version/region over the Mi Assistant protocol"},
	operationItem{OpListAllowedRoms, "List allowed ROMs", "Ask the OTA server which ROMs this device may install"},
	operationItem{OpFlash, "Flash a local ROM", "Sideload a .zip already on disk"},
	operationItem{OpDownloadLatest, "Download latest ROM", "Fetch the server's recommended ROM and verify its MD5"},
	operationItem{OpFlashFromLatest, "Download and flash latest", "Download the recommended ROM, then sideload it"},
	operationItem{OpFormatData, "Format data", "Wipe userdata (destructive)"},
	operationItem{OpReboot, "Reboot device", "Leave sideload mode"},
	operationItem{OpSetHash, "Set override MD5", "Pin the MD5 used for the next flash"},
	operationItem{OpClearHash, "Clear override MD5", "Drop a previously pinned MD5"},
	operationItem{OpQuit, "Quit", ""},
}

// ProgressMsg reports sideload/download byte progress.
type ProgressMsg struct {
	Sent, Total int64
}

// StatusMsg updates the one-line status text shown under the progress bar.
type StatusMsg string

// FinishedMsg ends the progress view and moves to the summary screen.
type FinishedMsg struct {
	Err error
}

// Model is a bubbletea program tracking an operation menu, a progress
// bar for whichever operation is running, and a closing summary.
type Model struct {
	state view
	menu  list.Model
	bar   progress.Model

	title  string
	status string
	sent   int64
	total  int64
	err    error

	serial string
	token  string

	copyNotice string
	copyUntil  time.Time

	width, height int

	Selected Operation
}

// NewModel builds the menu screen. serial and token, when non-empty,
// become copyable with the "s"/"t" keys once a device is connected.
func NewModel(serial, token string) Model {
	const defaultWidth, defaultHeight = 80, 24

	l := list.New(operationItems, list.NewDefaultDelegate(), defaultWidth-4, defaultHeight-8)
	l.Title = "Mi Assistant Sideload"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)

	bar := progress.New(progress.WithDefaultGradient())

	return Model{
		state:  menuView,
		menu:   l,
		bar:    bar,
		serial: serial,
		token:  token,
		width:  defaultWidth,
		height: defaultHeight,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

// StartProgress switches to the progress screen under the given title
// (e.g. "Sideloading garnet_global_images.zip"). Called by the CLI
// before it sends the first ProgressMsg.
func (m *Model) StartProgress(title string) {
	m.state = progressView
	m.title = title
	m.sent, m.total = 0, 0
	m.status = ""
	m.err = nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.menu.SetSize(msg.Width-4, msg.Height-8)
		m.bar.Width = msg.Width - 8
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "q":
			if m.state == menuView {
				return m, tea.Quit
			}
		case "enter":
			if m.state == menuView {
				if item, ok := m.menu.SelectedItem().(operationItem); ok {
					m.Selected = item.op
					if item.op == OpQuit {
						return m, tea.Quit
					}
					return m, nil
				}
			}
			if m.state == summaryView {
				return m, tea.Quit
			}
		case "s":
			if m.serial != "" {
				m.copyToClipboard(m.serial)
			}
		case "t":
			if m.token != "" {
				m.copyToClipboard(m.token)
			}
		}

	case ProgressMsg:
		m.sent, m.total = msg.Sent, msg.Total
		cmd := m.bar.SetPercent(fraction(msg.Sent, msg.Total))
		return m, cmd

	case StatusMsg:
		m.status = string(msg)
		return m, nil

	case FinishedMsg:
		m.state = summaryView
		m.err = msg.Err
		return m, nil

	case progress.FrameMsg:
		next, cmd := m.bar.Update(msg)
		m.bar = next.(progress.Model)
		return m, cmd
	}

	var cmd tea.Cmd
	m.menu, cmd = m.menu.Update(msg)
	return m, cmd
}

func (m *Model) copyToClipboard(text string) {
	if err := clipboard.WriteAll(text); err == nil {
		m.copyNotice = "copied to clipboard"
		m.copyUntil = time.Now().Add(2 * time.Second)
	}
}

func (m Model) View() string {
	header := headerStyle.Render("Mi Assistant Sideload")
	var body string

	switch m.state {
	case menuView:
		body = listStyle.Render(m.menu.View())
	case progressView:
		body = m.renderProgress()
	case summaryView:
		body = m.renderSummary()
	}

	footer := footerStyle.Render(m.footerText())
	notice := ""
	if time.Now().Before(m.copyUntil) {
		notice = "\n" + copyNoticeStyle.Render(m.copyNotice)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, notice, footer, helpStyle.Render("q quit  s copy serial  t copy token"))
}

func (m Model) renderProgress() string {
	line := progressLabelStyle.Render(m.title)
	bar := m.bar.View()
	pct := fraction(m.sent, m.total) * 100
	counts := fmt.Sprintf("%s / %s (%.1f%%)", formatBytes(m.sent), formatBytes(m.total), pct)
	status := statusStyle.Render(m.status)
	return lipgloss.JoinVertical(lipgloss.Left, line, bar, counts, status)
}

func (m Model) renderSummary() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("failed: %v", m.err))
	}
	return successStyle.Render("done")
}

func (m Model) footerText() string {
	cpuPercent, err := psutil.Percent(0, false)
	cpuText := "cpu n/a"
	if err == nil && len(cpuPercent) > 0 {
		cpuText = fmt.Sprintf("cpu %.0f%%", cpuPercent[0])
	}
	memText := "mem n/a"
	if mem, err := psmem.VirtualMemory(); err == nil {
		memText = fmt.Sprintf("mem %.0f%%", mem.UsedPercent)
	}
	return fmt.Sprintf("%s  %s", cpuText, memText)
}

// fraction returns sent/total clamped to [0,1], 0 when total is unknown.
func fraction(sent, total int64) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(sent) / float64(total)
	if f > 1 {
		f = 1
	}
	if f < 0 {
		f = 0
	}
	return f
}

// formatBytes renders n bytes as a short human-readable string.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
