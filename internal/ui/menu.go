// Package ui implements the interactive menu. It is a thin adapter over the
// tunnel lifecycle operations; no tunnel logic lives here.
package ui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rackops/idrac-tunnel/internal/appconfig"
	"github.com/rackops/idrac-tunnel/internal/model"
	"github.com/rackops/idrac-tunnel/internal/tunnel"
	"github.com/rackops/idrac-tunnel/internal/util"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	selStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("250"))
)

type screen int

const (
	screenMenu screen = iota
	screenList
	screenCreate
	screenClose
)

var menuItems = []string{
	"Create tunnel",
	"List active tunnels",
	"Close tunnel",
	"Close all tunnels",
	"Clean stale records",
	"Quit",
}

type refreshMsg struct {
	tunnels []model.ActiveTunnel
	err     error
}

type opDoneMsg struct {
	status string
	err    error
}

type menuModel struct {
	cfg      appconfig.Config
	registry *tunnel.Registry
	ops      *tunnel.Ops

	screen  screen
	sel     int
	input   textinput.Model
	tunnels []model.ActiveTunnel
	status  string
	failed  bool
}

// Run starts the interactive menu and blocks until the user quits.
func Run(cfg appconfig.Config, registry *tunnel.Registry, ops *tunnel.Ops) error {
	ti := textinput.New()
	ti.CharLimit = 256
	ti.Width = 50
	m := menuModel{
		cfg:      cfg,
		registry: registry,
		ops:      ops,
		input:    ti,
		status:   "Pick an action. Arrow keys to move, Enter to select, q to quit.",
	}
	_, err := tea.NewProgram(m).Run()
	return err
}

func (m menuModel) Init() tea.Cmd { return nil }

func (m menuModel) refreshCmd() tea.Cmd {
	reg, rng := m.registry, m.cfg.PortRange
	return func() tea.Msg {
		tunnels, err := reg.ListActive(rng)
		return refreshMsg{tunnels: tunnels, err: err}
	}
}

func (m menuModel) createCmd(target string) tea.Cmd {
	ops, cfg := m.ops, m.cfg
	return func() tea.Msg {
		sum, err := ops.CreateTunnels(context.Background(), []string{target}, tunnel.CreateOptions{
			JumpHostSpec:      cfg.JumpHostSpec(),
			DefaultTargetPort: cfg.DefaultTargetPort,
			PortRange:         cfg.PortRange,
			ConnectTimeout:    time.Duration(cfg.ConnectTimeoutSec) * time.Second,
		})
		if err != nil {
			return opDoneMsg{err: err}
		}
		status := ""
		if len(sum.Results) > 0 {
			status = sum.Results[0].Message
		}
		return opDoneMsg{status: status}
	}
}

func (m menuModel) closeCmd(port int) tea.Cmd {
	reg := m.registry
	return func() tea.Msg {
		if err := reg.CloseOne(port); err != nil {
			return opDoneMsg{err: err}
		}
		return opDoneMsg{status: fmt.Sprintf("closed tunnel on port %d", port)}
	}
}

func (m menuModel) closeAllCmd() tea.Cmd {
	reg, rng := m.registry, m.cfg.PortRange
	return func() tea.Msg {
		sum, err := reg.CloseAll(rng, nil)
		if err != nil {
			return opDoneMsg{err: err}
		}
		if sum.Closed == 0 {
			return opDoneMsg{status: "no active tunnels"}
		}
		return opDoneMsg{status: fmt.Sprintf("closed %d tunnels", sum.Closed)}
	}
}

func (m menuModel) cleanCmd() tea.Cmd {
	reg := m.registry
	return func() tea.Msg {
		removed, err := reg.CleanStale()
		if err != nil {
			return opDoneMsg{err: err}
		}
		return opDoneMsg{status: fmt.Sprintf("removed %d stale records", removed)}
	}
}

func (m menuModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case refreshMsg:
		if msg.err != nil {
			m.setStatus(msg.err.Error(), true)
			return m, nil
		}
		m.tunnels = msg.tunnels
		return m, nil

	case opDoneMsg:
		if msg.err != nil {
			m.setStatus(msg.err.Error(), true)
		} else {
			m.setStatus(msg.status, false)
		}
		m.screen = screenMenu
		return m, m.refreshCmd()

	case tea.KeyMsg:
		switch m.screen {
		case screenCreate, screenClose:
			return m.updatePrompt(msg)
		case screenList:
			switch msg.String() {
			case "q", "esc", "enter":
				m.screen = screenMenu
			case "r":
				return m, m.refreshCmd()
			}
			return m, nil
		default:
			return m.updateMenu(msg)
		}
	}
	return m, nil
}

func (m menuModel) updateMenu(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.sel > 0 {
			m.sel--
		}
	case "down", "j":
		if m.sel < len(menuItems)-1 {
			m.sel++
		}
	case "enter":
		switch m.sel {
		case 0:
			m.screen = screenCreate
			m.input.Placeholder = "idrac1.example.com[:443]"
			m.input.SetValue("")
			m.input.Focus()
			return m, textinput.Blink
		case 1:
			m.screen = screenList
			return m, m.refreshCmd()
		case 2:
			m.screen = screenClose
			m.input.Placeholder = "local port, e.g. 8443"
			m.input.SetValue("")
			m.input.Focus()
			return m, textinput.Blink
		case 3:
			m.setStatus("closing all tunnels...", false)
			return m, m.closeAllCmd()
		case 4:
			return m, m.cleanCmd()
		case 5:
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m menuModel) updatePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.screen = screenMenu
		return m, nil
	case "enter":
		value := strings.TrimSpace(m.input.Value())
		if value == "" {
			m.screen = screenMenu
			return m, nil
		}
		if m.screen == screenClose {
			port, err := strconv.Atoi(value)
			if err != nil {
				m.setStatus(fmt.Sprintf("%q is not a port", value), true)
				return m, nil
			}
			m.setStatus("closing...", false)
			return m, m.closeCmd(port)
		}
		m.setStatus("creating tunnel to "+value+"...", false)
		return m, m.createCmd(value)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *menuModel) setStatus(s string, failed bool) {
	m.status = s
	m.failed = failed
}

func (m menuModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("idrac-tunnel") + dimStyle.Render("  jump: "+util.EmptyDash(m.cfg.JumpHostSpec())) + "\n\n")

	switch m.screen {
	case screenCreate:
		b.WriteString("Target host[:port]:\n\n")
		b.WriteString(m.input.View() + "\n\n")
		b.WriteString(dimStyle.Render("enter to create, esc to cancel") + "\n")
	case screenClose:
		b.WriteString("Local port to close:\n\n")
		b.WriteString(m.input.View() + "\n\n")
		b.WriteString(dimStyle.Render("enter to close, esc to cancel") + "\n")
	case screenList:
		b.WriteString(m.viewTunnels())
		b.WriteString(dimStyle.Render("r to refresh, esc to go back") + "\n")
	default:
		for i, item := range menuItems {
			cursor := "  "
			line := item
			if i == m.sel {
				cursor = "> "
				line = selStyle.Render(item)
			}
			b.WriteString(cursor + line + "\n")
		}
		b.WriteString("\n")
	}

	if m.status != "" {
		style := okStyle
		if m.failed {
			style = errStyle
		}
		b.WriteString("\n" + style.Render(m.status) + "\n")
	}
	return b.String()
}

func (m menuModel) viewTunnels() string {
	if len(m.tunnels) == 0 {
		return dimStyle.Render("no active tunnels in "+m.cfg.PortRange.String()) + "\n\n"
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-8s %-8s %-32s %-8s %s", "PORT", "PID", "TARGET", "TPORT", "URL")) + "\n")
	for _, at := range m.tunnels {
		tport := "-"
		if at.TargetPort != 0 {
			tport = strconv.Itoa(at.TargetPort)
		}
		b.WriteString(fmt.Sprintf("%-8d %-8d %-32s %-8s https://localhost:%d\n",
			at.LocalPort, at.PID, at.TargetHost, tport, at.LocalPort))
	}
	b.WriteString("\n")
	return b.String()
}
