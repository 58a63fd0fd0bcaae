// Package app implements the terminal UI: menu and confirmation screens, the
// live progress view in its two modes, and the shared log pane. It drives
// the engine only through its exported surface (state, percent, rate, eta,
// error count, cancel).
package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ddtui/internal/config"
	"ddtui/internal/device"
	"ddtui/internal/engine"
	"ddtui/internal/logring"
	"ddtui/internal/storage"
)

type screen int

const (
	screenMenu screen = iota
	screenSource
	screenDest
	screenTarget
	screenConfirm
	screenProgress
	screenResult
)

type viewMode int

const (
	viewProgressBar viewMode = iota
	viewBlockMap
)

const (
	renderHeartbeat  = 500 * time.Millisecond
	minBlockMapCells = 40
	maxBlockMapCells = 120
)

var menuEntries = []struct {
	label string
	kind  engine.Kind
}{
	{"Backup device to image file", engine.KindBackup},
	{"Restore image file to device", engine.KindRestore},
	{"Clone device to device", engine.KindClone},
	{"Secure wipe device", engine.KindWipe},
}

type devicesLoadedMsg struct {
	devices []device.Device
	err     error
}

type runStartedMsg struct {
	run *engine.Run
	err error
}

type runEventsMsg struct {
	ok bool
}

type reportSavedMsg struct {
	report storage.Report
	err    error
}

type heartbeatMsg struct {
	at time.Time
}

type Model struct {
	ring       *logring.Ring
	controller *engine.Controller
	store      *storage.Store
	cfg        config.Config

	ready  bool
	width  int
	height int

	screen screen
	cursor int

	devices   []device.Device
	sourceDev *device.Device
	destDev   *device.Device
	kind      engine.Kind

	pathInput textinput.Model
	plan      *device.Plan

	run       *engine.Run
	viewMode  viewMode
	lastSnap  engine.Snapshot
	report    *storage.Report
	reportErr error

	bar     progress.Model
	spinner spinner.Model
	logView viewport.Model

	statusText string
	errorText  string
}

func NewModel(ring *logring.Ring, controller *engine.Controller, store *storage.Store, cfg config.Config) Model {
	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 1024
	input.Width = 60

	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())

	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = lipgloss.NewStyle().Foreground(accentSecondary)

	logView := viewport.New(70, 8)
	logView.SetContent("")

	return Model{
		ring:       ring,
		controller: controller,
		store:      store,
		cfg:        cfg,
		screen:     screenMenu,
		pathInput:  input,
		bar:        bar,
		spinner:    spin,
		logView:    logView,
		statusText: "Select an operation.",
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(loadDevicesCmd(), heartbeatCmd())
}

func loadDevicesCmd() tea.Cmd {
	return func() tea.Msg {
		devices, err := device.ListDevices()
		return devicesLoadedMsg{devices: devices, err: err}
	}
}

func startRunCmd(controller *engine.Controller, spec engine.RunSpec) tea.Cmd {
	return func() tea.Msg {
		run, err := controller.Start(spec)
		return runStartedMsg{run: run, err: err}
	}
}

// waitForRunEventsCmd blocks on the run's event channel, coalescing bursts.
// A closed channel (ok=false) means the run reached a terminal state with
// all partial output already flushed into the models.
func waitForRunEventsCmd(run *engine.Run) tea.Cmd {
	return func() tea.Msg {
		_, ok := <-run.Events()
		if !ok {
			return runEventsMsg{ok: false}
		}
		for drained := 1; drained < 64; drained++ {
			select {
			case _, more := <-run.Events():
				if !more {
					return runEventsMsg{ok: true}
				}
			default:
				return runEventsMsg{ok: true}
			}
		}
		return runEventsMsg{ok: true}
	}
}

func saveReportCmd(store *storage.Store, snap engine.Snapshot, logDump string) tea.Cmd {
	return func() tea.Msg {
		report, err := store.SaveRun(snap, logDump)
		return reportSavedMsg{report: report, err: err}
	}
}

func heartbeatCmd() tea.Cmd {
	return tea.Tick(renderHeartbeat, func(at time.Time) tea.Msg {
		return heartbeatMsg{at: at}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resize()
		return m, nil

	case heartbeatMsg:
		// Keeps elapsed/ETA advancing even when no sample arrives.
		m.syncLogView()
		return m, heartbeatCmd()

	case spinner.TickMsg:
		if m.run == nil || m.screen != screenProgress {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case devicesLoadedMsg:
		if msg.err != nil {
			m.errorText = "Device listing failed: " + msg.err.Error()
			return m, nil
		}
		m.devices = msg.devices
		return m, nil

	case runStartedMsg:
		if msg.err != nil {
			if m.run != nil {
				// A duplicate start attempt bounced off the engine while the
				// real run is in flight; keep showing it.
				m.ring.Warnf("Ignoring duplicate start: %v", msg.err)
				return m, nil
			}
			m.errorText = "Could not start operation: " + msg.err.Error()
			m.statusText = "Operation did not start."
			m.screen = screenMenu
			return m, nil
		}
		m.run = msg.run
		m.errorText = ""
		m.statusText = fmt.Sprintf("%s running", m.kind)
		m.screen = screenProgress
		return m, tea.Batch(m.spinner.Tick, waitForRunEventsCmd(msg.run))

	case runEventsMsg:
		if m.run == nil {
			return m, nil
		}
		if msg.ok {
			return m, waitForRunEventsCmd(m.run)
		}
		// Terminal state: the final snapshot reflects the last flushed
		// progress by the engine's contract.
		m.lastSnap = m.run.Snapshot()
		m.run = nil
		m.screen = screenResult
		switch {
		case m.lastSnap.Cancelled:
			m.statusText = fmt.Sprintf("%s cancelled", m.lastSnap.Kind)
		case m.lastSnap.State == engine.StateCompleted:
			m.statusText = fmt.Sprintf("%s completed", m.lastSnap.Kind)
		default:
			m.statusText = fmt.Sprintf("%s failed (exit code %d)", m.lastSnap.Kind, m.lastSnap.ExitCode)
		}
		return m, saveReportCmd(m.store, m.lastSnap, m.ring.Dump())

	case reportSavedMsg:
		if msg.err != nil {
			m.reportErr = msg.err
			m.ring.Errorf("Could not save run report: %v", msg.err)
			return m, nil
		}
		m.report = &msg.report
		m.ring.Infof("Run report saved: %s", msg.report.Directory)
		return m, nil

	case tea.KeyMsg:
		return m.updateKeys(msg)
	}

	return m, nil
}

func (m Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == "ctrl+c" {
		if m.run != nil {
			m.run.Cancel()
			m.statusText = "Cancelling..."
			return m, nil
		}
		return m, tea.Quit
	}

	switch m.screen {
	case screenMenu:
		return m.updateMenuKeys(key)
	case screenSource, screenDest:
		return m.updateDeviceKeys(key)
	case screenTarget:
		return m.updateTargetKeys(msg)
	case screenConfirm:
		return m.updateConfirmKeys(key)
	case screenProgress:
		return m.updateProgressKeys(key)
	case screenResult:
		return m.updateResultKeys(key)
	}
	return m, nil
}

func (m Model) updateMenuKeys(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "q", "esc":
		return m, tea.Quit
	case "up", "k":
		m.cursor = clampInt(m.cursor-1, 0, len(menuEntries)-1)
	case "down", "j":
		m.cursor = clampInt(m.cursor+1, 0, len(menuEntries)-1)
	case "enter":
		m.kind = menuEntries[m.cursor].kind
		m.errorText = ""
		m.sourceDev = nil
		m.destDev = nil
		m.plan = nil
		m.report = nil
		m.reportErr = nil
		if m.kind == engine.KindRestore {
			m.pathInput.SetValue("")
			m.pathInput.Placeholder = "/path/to/image.img.gz"
			m.pathInput.Focus()
			m.screen = screenTarget
			m.statusText = "Enter the image file to restore."
			return m, loadDevicesCmd()
		}
		m.cursor = 0
		m.screen = screenSource
		m.statusText = "Select the " + sourcePrompt(m.kind) + "."
		return m, loadDevicesCmd()
	}
	return m, nil
}

func sourcePrompt(kind engine.Kind) string {
	if kind == engine.KindWipe {
		return "device to wipe"
	}
	return "source device"
}

func (m Model) updateDeviceKeys(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "esc":
		m.screen = screenMenu
		m.cursor = 0
		m.statusText = "Select an operation."
		return m, nil
	case "up", "k":
		m.cursor = clampInt(m.cursor-1, 0, maxInt(0, len(m.devices)-1))
	case "down", "j":
		m.cursor = clampInt(m.cursor+1, 0, maxInt(0, len(m.devices)-1))
	case "enter":
		if len(m.devices) == 0 {
			m.errorText = "No block devices found."
			return m, nil
		}
		selected := m.devices[clampInt(m.cursor, 0, len(m.devices)-1)]
		if mounted, mountPoint := device.IsMounted(selected.Path); mounted {
			m.ring.Warnf("%s is mounted at %s; unmount it before imaging", selected.Path, mountPoint)
			m.errorText = fmt.Sprintf("%s is mounted at %s. Unmount it first.", selected.Path, mountPoint)
			return m, nil
		}
		m.errorText = ""
		if m.screen == screenDest {
			if m.sourceDev != nil && selected.Path == m.sourceDev.Path {
				m.errorText = "Source and destination must differ."
				return m, nil
			}
			m.destDev = &selected
			return m.buildPlanAndConfirm()
		}
		m.sourceDev = &selected
		go device.CheckSmart(selected.Path, m.ring)
		switch m.kind {
		case engine.KindBackup:
			m.pathInput.SetValue(defaultImageName(selected))
			m.pathInput.Placeholder = "image file path"
			m.pathInput.Focus()
			m.screen = screenTarget
			m.statusText = "Enter the destination image file."
		case engine.KindClone:
			m.cursor = 0
			m.screen = screenDest
			m.statusText = "Select the destination device."
		case engine.KindWipe:
			m.destDev = m.sourceDev
			return m.buildPlanAndConfirm()
		}
	}
	return m, nil
}

func defaultImageName(dev device.Device) string {
	base := strings.TrimPrefix(dev.Path, "/dev/")
	return fmt.Sprintf("%s_%s.img.gz", base, time.Now().Format("20060102_1504"))
}

func (m Model) updateTargetKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.pathInput.Blur()
		m.screen = screenMenu
		m.cursor = 0
		m.statusText = "Select an operation."
		return m, nil
	case "enter":
		path := strings.TrimSpace(m.pathInput.Value())
		if path == "" {
			m.errorText = "A file path is required."
			return m, nil
		}
		m.pathInput.Blur()
		m.errorText = ""
		if m.kind == engine.KindRestore {
			// Image chosen; now pick the target device.
			m.cursor = 0
			m.screen = screenDest
			m.statusText = "Select the device to restore onto."
			return m, nil
		}
		return m.buildPlanAndConfirm()
	}
	var cmd tea.Cmd
	m.pathInput, cmd = m.pathInput.Update(msg)
	return m, cmd
}

func (m Model) buildPlanAndConfirm() (tea.Model, tea.Cmd) {
	var plan device.Plan
	switch m.kind {
	case engine.KindBackup:
		compression := device.CompressionNone
		if m.cfg.GzipEnabled() {
			compression = device.CompressionGzip
		}
		plan = device.BackupPlan(*m.sourceDev, strings.TrimSpace(m.pathInput.Value()), m.cfg.BlockSize, compression)
	case engine.KindRestore:
		plan = device.RestorePlan(strings.TrimSpace(m.pathInput.Value()), *m.destDev, m.cfg.BlockSize)
	case engine.KindClone:
		plan = device.ClonePlan(*m.sourceDev, *m.destDev, m.cfg.BlockSize)
	case engine.KindWipe:
		pattern := device.WipeZero
		if m.cfg.RandomWipe() {
			pattern = device.WipeRandom
		}
		plan = device.WipePlan(*m.destDev, m.cfg.BlockSize, pattern)
	}
	m.plan = &plan
	m.screen = screenConfirm
	m.statusText = "Review the operation and confirm."
	return m, nil
}

func (m Model) updateConfirmKeys(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "esc", "n":
		m.ring.Infof("%s cancelled before start", m.kind)
		m.plan = nil
		m.screen = screenMenu
		m.cursor = 0
		m.statusText = "Select an operation."
		return m, nil
	case "enter", "y":
		if m.plan == nil {
			// Start already fired; ignore repeated confirms.
			return m, nil
		}
		spec := m.plan.Spec(m.blockMapCells())
		m.plan = nil
		m.statusText = "Starting..."
		return m, startRunCmd(m.controller, spec)
	}
	return m, nil
}

func (m Model) updateProgressKeys(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "v", "V":
		// View toggle is UI-local: the run and its models are untouched.
		if m.viewMode == viewProgressBar {
			m.viewMode = viewBlockMap
		} else {
			m.viewMode = viewProgressBar
		}
		return m, nil
	case "c", "ctrl+x":
		if m.run != nil {
			m.run.Cancel()
			m.statusText = "Cancelling..."
		}
		return m, nil
	case "up", "down", "pgup", "pgdown":
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(keyMsgFor(key))
		return m, cmd
	}
	return m, nil
}

func (m Model) updateResultKeys(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "q":
		return m, tea.Quit
	case "enter", "esc":
		m.screen = screenMenu
		m.cursor = 0
		m.errorText = ""
		m.statusText = "Select an operation."
		return m, nil
	}
	return m, nil
}

func keyMsgFor(key string) tea.KeyMsg {
	switch key {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "pgup":
		return tea.KeyMsg{Type: tea.KeyPgUp}
	default:
		return tea.KeyMsg{Type: tea.KeyPgDown}
	}
}

// blockMapCells derives the grid width from the terminal once, at run start.
// The engine holds it fixed for the whole run; a resize only affects the
// next run.
func (m Model) blockMapCells() int {
	if m.width <= 0 {
		return minBlockMapCells
	}
	return clampInt(m.width-20, minBlockMapCells, maxBlockMapCells)
}

func (m *Model) resize() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	innerW := maxInt(40, m.width-8)
	m.pathInput.Width = clampInt(innerW-10, 24, 90)
	m.bar.Width = clampInt(innerW-6, 20, 100)
	m.logView.Width = innerW
	m.logView.Height = clampInt(m.height/4, 4, 12)
	m.syncLogView()
}

func (m *Model) syncLogView() {
	atBottom := m.logView.AtBottom()
	m.logView.SetContent(m.ring.Dump())
	if atBottom {
		m.logView.GotoBottom()
	}
}

func clampInt(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
