// Package tui renders a live terminal dashboard of the agent fleet and the
// task queue.
package tui

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/missionctl/internal/lifecycle"
)

type Snapshot struct {
	DBOK        bool
	Agents      map[lifecycle.AgentStatus]int
	Tasks       map[lifecycle.TaskStatus]int
	Subscribers int
	Dropped     int64
	LastSweep   string
	LastError   string
	Uptime      time.Duration
}

type StatusProvider func() Snapshot

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(16)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

type model struct {
	provider StatusProvider
	feed     *ActivityFeed
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("missionctl") + "\n\n")

	db := okStyle.Render("ok")
	if !m.snap.DBOK {
		db = warnStyle.Render("unreachable")
	}
	row(&b, "Database", db)
	row(&b, "Agents", countLine(lifecycle.AgentStatuses, m.snap.Agents))
	row(&b, "Tasks", countLine(lifecycle.TaskStatuses, m.snap.Tasks))
	row(&b, "Subscribers", fmt.Sprintf("%d (dropped %d)", m.snap.Subscribers, m.snap.Dropped))
	row(&b, "Last sweep", orNone(m.snap.LastSweep))
	lastErr := orNone(m.snap.LastError)
	if m.snap.LastError != "" {
		lastErr = warnStyle.Render(lastErr)
	}
	row(&b, "Last error", lastErr)
	row(&b, "Uptime", m.snap.Uptime.Truncate(time.Second).String())

	if m.feed != nil {
		b.WriteString("\n" + m.feed.View())
	}
	b.WriteString("\nPress q to quit.\n")
	return b.String()
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label+":") + " " + value + "\n")
}

// countLine lists non-zero counts in status order.
func countLine[S ~string](order []S, counts map[S]int) string {
	var parts []string
	for _, s := range order {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", strings.ToLower(string(s)), n))
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, " · ")
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// Interactive reports whether stdout is a terminal the dashboard can own.
func Interactive() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func Run(ctx context.Context, provider StatusProvider, feed *ActivityFeed) error {
	defer resetTTY()

	m := model{provider: provider, feed: feed, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// resetTTY restores a sane terminal after bubbletea exits abnormally.
func resetTTY() {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
