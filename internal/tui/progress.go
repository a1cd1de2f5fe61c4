// Package tui renders a single item's download progress as a foreground
// terminal UI, subscribed to the core's event bus rather than owning any
// download state itself: an observer, never a participant, so nothing in
// internal/item ever holds a pointer back into this package.
package tui

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/grabd/grabd/internal/events"
	"github.com/grabd/grabd/internal/item"
)

var (
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	infoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	doneStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type eventMsg events.Event

// model is the Bubble Tea model for one item's progress.
type model struct {
	progress progress.Model
	spinner  spinner.Model
	sub      <-chan events.Event
	unsub    func()

	destPath string
	itemID   string
	start    time.Time

	downloaded int64
	total      int64
	state      string
	failReason string
	done       bool
}

// New builds a progress model that observes it via bus until it completes
// or fails (a Finished or Failed event, or a Completed or Failed snapshot).
// A Stopped or Paused item does not end the display. The subscription is opened
// before the snapshot is taken, so an item that settles between the two is
// caught by one or the other rather than slipping past both.
func New(it *item.Item, bus *events.Bus) tea.Model {
	sub, unsub := bus.Subscribe()
	snap := it.Snapshot()

	p := progress.New(progress.WithDefaultGradient(), progress.WithWidth(50))
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	m := model{
		progress:   p,
		spinner:    s,
		sub:        sub,
		unsub:      unsub,
		destPath:   snap.DestPath,
		itemID:     snap.ID,
		start:      time.Now(),
		downloaded: snap.DownloadedSize,
		total:      snap.TotalSize,
		state:      string(snap.State),
	}
	switch snap.State {
	case item.Completed:
		m.done = true
	case item.Failed:
		m.done = true
		m.failReason = snap.FailReason
	}
	return m
}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func (m model) Init() tea.Cmd {
	if m.done {
		m.unsub()
		return tea.Quit
	}
	return tea.Batch(m.spinner.Tick, waitForEvent(m.sub))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.unsub()
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		pm, cmd := m.progress.Update(msg)
		m.progress = pm.(progress.Model)
		return m, cmd

	case eventMsg:
		if msg.ItemID != m.itemID {
			return m, waitForEvent(m.sub)
		}
		var cmds []tea.Cmd
		switch msg.Kind {
		case events.Progress:
			m.downloaded = msg.DownloadedSize
			if msg.TotalSize > 0 {
				m.total = msg.TotalSize
			}
			if m.total > 0 {
				cmds = append(cmds, m.progress.SetPercent(float64(m.downloaded)/float64(m.total)))
			}
		case events.StateChanged:
			m.state = msg.NewState
		case events.Finished:
			m.done = true
			m.unsub()
			return m, tea.Quit
		case events.Failed:
			m.done = true
			m.failReason = msg.Reason
			m.unsub()
			return m, tea.Quit
		}
		cmds = append(cmds, waitForEvent(m.sub))
		return m, tea.Batch(cmds...)
	}
	return m, nil
}

func (m model) View() string {
	if m.failReason != "" {
		return fmt.Sprintf("\n  %s download failed: %s\n\n", errStyle.Render("✗"), m.failReason)
	}
	if m.done {
		abs, err := filepath.Abs(m.destPath)
		if err != nil {
			abs = m.destPath
		}
		elapsed := time.Since(m.start)
		avg := float64(m.downloaded) / elapsed.Seconds()
		return fmt.Sprintf("\n  %s completed\n  saved: %s (%s)\n  elapsed: %s  |  avg speed: %s/s\n\n",
			doneStyle.Render("✓"), abs, formatBytes(m.downloaded), elapsed.Round(time.Second), formatBytes(int64(avg)))
	}

	var s string
	s += fmt.Sprintf("\n  %s %s: %s\n\n", m.spinner.View(), m.state, infoStyle.Render(filepath.Base(m.destPath)))
	s += fmt.Sprintf("  %s\n\n", m.progress.View())
	if m.total > 0 {
		pct := float64(m.downloaded) / float64(m.total) * 100
		s += fmt.Sprintf("  %.1f%%  |  %s/%s\n", pct, formatBytes(m.downloaded), formatBytes(m.total))
	} else {
		s += fmt.Sprintf("  %s\n", formatBytes(m.downloaded))
	}
	s += "\n" + helpStyle.Render("  press q to quit") + "\n"
	return s
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
