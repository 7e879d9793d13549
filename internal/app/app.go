package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"archer-volume.klederson.com/internal/config"
	"archer-volume.klederson.com/internal/control"
	"archer-volume.klederson.com/internal/rssi"
	"archer-volume.klederson.com/internal/ui"
	tea "github.com/charmbracelet/bubbletea"
)

const toastTTL = 5 * time.Second

// Controller is the part of control.Controller the UI drives.
type Controller interface {
	Status() control.Status
	Start(ctx context.Context) error
	RequestPermissions(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Retry(ctx context.Context) error
	SetAutoMode(on bool)
	SetVolumeRange(min, max int) error
	SetTargetDistance(meters int) error
	SetInitialVolume(level int) error
	SetVolume(ctx context.Context, level int) error
	OnSignalUpdate(func(float64)) func()
	OnVolumeDispatched(func(int)) func()
	OnStateChange(func(control.State)) func()
	OnError(func(error)) func()
}

// shared holds state shared between the Bubble Tea model copies and main.go.
// Because Bubble Tea uses value receivers, pointer fields ensure all copies
// see the same underlying data.
type shared struct {
	ctrl    Controller
	history *rssi.Ring
	ctx     context.Context
}

// Model is the root Bubble Tea model.
type Model struct {
	width  int
	height int

	status  control.Status
	toast   string
	toastAt time.Time
	now     time.Time

	shared *shared
}

// New creates the model. ctx bounds every controller call the UI makes.
func New(ctx context.Context, ctrl Controller) Model {
	return Model{
		status: ctrl.Status(),
		now:    time.Now(),
		shared: &shared{
			ctrl:    ctrl,
			history: rssi.NewRing(config.HistoryLen),
			ctx:     ctx,
		},
	}
}

// Attach forwards controller events to p. Call it before p.Run; the
// returned func removes the subscriptions.
func (m Model) Attach(p *tea.Program) (detach func()) {
	c := m.shared.ctrl
	unsubs := []func(){
		c.OnStateChange(func(s control.State) { p.Send(StateMsg(s)) }),
		c.OnSignalUpdate(func(v float64) { p.Send(SignalMsg(v)) }),
		c.OnVolumeDispatched(func(level int) { p.Send(VolumeMsg(level)) }),
		c.OnError(func(err error) { p.Send(ErrorMsg{Err: err}) }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.run("start", m.shared.ctrl.Start),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case TickMsg:
		m.now = time.Time(msg)
		if m.toast != "" && m.now.Sub(m.toastAt) > toastTTL {
			m.toast = ""
		}
		m.refresh()
		return m, tickCmd()

	case StateMsg:
		// A new connection or a disconnect starts the history over.
		if s := control.State(msg); s == control.StateConnected || s == control.StateReady {
			m.shared.history.Clear()
		}
		m.refresh()
		return m, nil

	case SignalMsg:
		m.shared.history.Push(float64(msg))
		m.refresh()
		return m, nil

	case VolumeMsg:
		m.refresh()
		return m, nil

	case ErrorMsg:
		m.showError(msg.Err)
		return m, nil

	case opDoneMsg:
		if msg.err != nil && !errors.Is(msg.err, control.ErrInterrupted) {
			m.showError(fmt.Errorf("%s: %w", msg.op, msg.err))
		}
		m.refresh()
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	c := m.shared.ctrl
	st := m.status

	switch msg.String() {
	case "q", "Q", "ctrl+c":
		return m, tea.Quit

	case "c", "C":
		return m, m.run("connect", c.Connect)

	case "d", "D":
		return m, m.run("disconnect", c.Disconnect)

	case "r", "R":
		m.shared.history.Clear()
		return m, m.run("retry", c.Retry)

	case "p", "P":
		return m, m.run("permissions", c.RequestPermissions)

	case "a", "A":
		c.SetAutoMode(!st.AutoMode)

	case "+", "=":
		return m, m.setRange(st.Range.Min, st.Range.Max+1)
	case "-", "_":
		return m, m.setRange(st.Range.Min, st.Range.Max-1)
	case "]":
		return m, m.setRange(st.Range.Min+1, st.Range.Max)
	case "[":
		return m, m.setRange(st.Range.Min-1, st.Range.Max)

	case "t", "T":
		if err := c.SetTargetDistance(nextDistance(st.TargetDistance)); err != nil {
			m.showError(err)
		}

	case "i", "I":
		if err := c.SetInitialVolume((st.InitialVolume + 1) % (config.VolumeCeil + 1)); err != nil {
			m.showError(err)
		}

	case "up", "k":
		return m, m.manual(st, +1)
	case "down", "j":
		return m, m.manual(st, -1)
	}

	m.refresh()
	return m, nil
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing " + config.AppName + "..."
	}

	bodyH := max(5, m.height-2)
	signalW := max(30, m.width*3/5)
	volumeW := max(20, m.width-signalW)
	if signalW+volumeW > m.width {
		signalW = max(10, m.width-volumeW)
	}

	menuBar := ui.RenderMenuBar(m.width, m.status.State, m.status.Simulated)
	signalPanel := ui.RenderSignalPanel(m.status, signalW, bodyH, m.shared.history.Values(), m.now)
	volumePanel := ui.RenderVolumePanel(m.status, volumeW, bodyH)
	statusBar := ui.RenderStatusBar(m.width, m.status, m.toast)

	return ui.ComposeLayout(menuBar, signalPanel, volumePanel, statusBar)
}

func (m *Model) refresh() {
	m.status = m.shared.ctrl.Status()
}

func (m *Model) showError(err error) {
	if err == nil {
		return
	}
	m.toast = err.Error()
	m.toastAt = m.now
}

// run executes a blocking controller call off the update loop.
func (m Model) run(op string, fn func(context.Context) error) tea.Cmd {
	ctx := m.shared.ctx
	return func() tea.Msg {
		return opDoneMsg{op: op, err: fn(ctx)}
	}
}

func (m Model) setRange(lo, hi int) tea.Cmd {
	c := m.shared.ctrl
	return func() tea.Msg {
		return opDoneMsg{op: "volume range", err: c.SetVolumeRange(lo, hi)}
	}
}

// manual steps the volume by delta while auto mode is off.
func (m Model) manual(st control.Status, delta int) tea.Cmd {
	if st.AutoMode || !st.Connected {
		return nil
	}
	level := st.Volume
	if level == 0 {
		level = st.Range.Min
	} else {
		level += delta
	}
	level = min(max(level, st.Range.Min), st.Range.Max)
	return m.run("set volume", func(ctx context.Context) error {
		return m.shared.ctrl.SetVolume(ctx, level)
	})
}

func nextDistance(current int) int {
	i := slices.Index(config.TargetDistances, current)
	return config.TargetDistances[(i+1)%len(config.TargetDistances)]
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second/time.Duration(config.TargetFPS), func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
