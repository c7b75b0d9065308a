package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/benjamonnguyen/leakwatch"
	"github.com/benjamonnguyen/leakwatch/endpoint"
)

const keyHelp = "c: chiller  d: daq  r: refresh  x: dismiss  q: quit"

const clockInterval = time.Second

type model struct {
	// children
	vp viewport.Model

	// supplied
	d      *dashboard
	system string

	// state
	snap     endpoint.Snapshot[leakwatch.SystemResponse]
	events   []leakwatch.Event
	switches map[string]bool
	pending  map[string]bool
	banner   error
	now      time.Time
	quitting bool
	w, h     int
}

func newModel(d *dashboard, system string) model {
	m := model{
		vp:       viewport.New(0, 0),
		d:        d,
		system:   system,
		snap:     d.system.Snapshot(),
		events:   d.events.Events(),
		banner:   d.errs.Get(),
		switches: make(map[string]bool, len(outlets)),
		pending:  make(map[string]bool, len(outlets)),
		now:      time.Now(),
	}
	for name, sw := range d.switches {
		m.switches[name] = sw.State()
	}
	m.vp.SetContent(m.renderEvents())
	return m
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(clockInterval, func(time.Time) tea.Msg {
		return ClockMsg{}
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var vpCmd, cmd tea.Cmd

	m, cmd = m.updateParent(msg)

	switch msg.(type) {
	case tea.KeyMsg:
		// keys belong to the dashboard, the log only scrolls with the mouse
	default:
		m.vp, vpCmd = m.vp.Update(msg)
	}

	return m, tea.Batch(vpCmd, cmd)
}

func (m model) updateParent(msg tea.Msg) (model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.w, m.h = msg.Width, msg.Height
		m.vp.Width = msg.Width - 4
		m.resizeViewport()
		return m, nil
	case ClockMsg:
		m.now = time.Now()
		return m, tick()
	case SystemMsg:
		m.snap = msg.snap
		m.resizeViewport()
		return m, nil
	case EventsMsg:
		if len(msg.update.Appended) == 0 {
			return m, nil
		}
		m.events = append(m.events, msg.update.Appended...)
		m.vp.SetContent(m.renderEvents())
		m.vp.GotoBottom()
		return m, nil
	case BannerMsg:
		m.banner = msg.err
		m.resizeViewport()
		return m, nil
	case SwitchMsg:
		m.switches[msg.name] = msg.state
		return m, nil
	case ToggleResultMsg:
		delete(m.pending, msg.name)
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "x":
			return m, m.d.dismiss()
		case "r":
			return m, m.d.refresh()
		}
		for _, o := range outlets {
			if msg.String() != o.key {
				continue
			}
			st, ok := m.state()
			if !ok || m.pending[o.name] || !st.Outlet(o.name).Enabled {
				return m, nil
			}
			m.pending[o.name] = true
			return m, m.d.toggle(o.name, !m.switches[o.name])
		}
	}
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var sections []string
	if m.banner != nil {
		sections = append(sections, bannerStyle.Render("✗ "+m.banner.Error()+"  (x to dismiss)"))
	}
	sections = append(sections,
		m.renderSystemStatus(),
		lipgloss.JoinHorizontal(lipgloss.Top, m.renderFrontend(), m.renderLink()),
		card("Event log", m.vp.View(), m.w),
		faintStyle.Render(keyHelp),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m model) renderSystemStatus() string {
	var parts []string
	st, ok := m.state()

	fault := !ok || st.Fault
	parts = append(parts, badge("Fault: "+yesNo(fault), pick(fault, colorRed, colorGreen)))
	warning := !ok || st.Warning
	parts = append(parts, badge("Warning: "+yesNo(warning), pick(warning, colorYellow, colorGreen)))

	for _, o := range outlets {
		outlet := st.Outlet(o.name)
		// unknown state reads as disabled
		if !ok {
			outlet = leakwatch.Outlet{}
		} else {
			outlet.State = m.switches[o.name]
		}
		text, c := outletText(o.title, outlet)
		if m.pending[o.name] {
			text += "…"
		}
		parts = append(parts, badge(fmt.Sprintf("[%s] %s", o.key, text), c))
	}

	updated := "never"
	if !m.snap.UpdatedAt.IsZero() {
		updated = lastSeen(m.snap.UpdatedAt, m.now)
	}
	body := strings.Join(parts, "   ") + "\n" + faintStyle.Render("updated "+updated)
	if m.snap.InFlight {
		body += faintStyle.Render(" ⟳")
	}
	return card(fmt.Sprintf("System status (%s)", m.system), body, m.w)
}

func (m model) renderFrontend() string {
	st, ok := m.state()
	if !ok || st.PacketInfo == nil {
		return card("Frontend sensors", table(nil, nil), m.w/2)
	}
	p := st.PacketInfo
	rows := [][]string{
		{"Board temperature", fmt.Sprintf("%.1f", p.BoardTemp), fmt.Sprintf("%.1f", p.BoardTempThreshold), "°C"},
		{"Board humidity", fmt.Sprintf("%.1f", p.BoardHumidity), fmt.Sprintf("%.1f", p.BoardHumidityThreshold), "%"},
		{"Temperature probe 1", fmt.Sprintf("%.1f", p.ProbeTemp1), fmt.Sprintf("%.1f", p.ProbeTemp1Threshold), "°C"},
		{"Temperature probe 2", fmt.Sprintf("%.1f", p.ProbeTemp2), fmt.Sprintf("%.1f", p.ProbeTemp2Threshold), "°C"},
		{"Leak continuity", pick(p.LeakContinuity, "OK", "Error"), "-", "-"},
		{"Leak detected", pick(p.LeakDetected, "Yes", "No"), "-", "-"},
		{"Fault", pick(p.Fault, "Yes", "No"), "-", "-"},
		{"Warning", pick(p.Warning, "Yes", "No"), "-", "-"},
		{"Sensor status", statusString(p.SensorStatus), "-", "-"},
	}
	return card("Frontend sensors", table([]string{"Parameter", "Value", "Threshold", "Unit"}, rows), m.w/2)
}

func (m model) renderLink() string {
	st, ok := m.state()
	if !ok {
		return card("Link status", table(nil, nil), m.w-m.w/2)
	}
	rows := [][]string{
		{"Receive status", st.Status},
		{"Packets decoded", fmt.Sprint(st.GoodPackets)},
		{"Packet errors", fmt.Sprint(st.BadPackets)},
		{"Last receive", lastReceive(st.TimeReceived, m.now)},
	}
	return card("Link status", table(nil, rows), m.w-m.w/2)
}

func (m model) renderEvents() string {
	if len(m.events) == 0 {
		return faintStyle.Render("no events")
	}
	lines := make([]string, len(m.events))
	for i, e := range m.events {
		lines[i] = formatEvent(e)
	}
	return strings.Join(lines, "\n")
}

func (m model) state() (leakwatch.SystemState, bool) {
	if m.snap.Payload == nil {
		return leakwatch.SystemState{}, false
	}
	return m.snap.Payload.System, true
}

// resizeViewport gives the event log whatever height the cards leave over.
func (m *model) resizeViewport() {
	if m.h == 0 {
		return
	}
	vpHeight := m.vp.Height
	m.vp.Height = 0
	used := lipgloss.Height(m.View())
	m.vp.Height = max(3, m.h-used)
	if m.vp.Height != vpHeight {
		m.vp.GotoBottom()
	}
}

func pick[T any](cond bool, a, b T) T {
	if cond {
		return a
	}
	return b
}
