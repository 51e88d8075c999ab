// Package ui provides the Bubble Tea terminal interface for Glimpse.
//
// The UI is presentation glue only: it renders session snapshots pushed by
// the store notifier, shows the scheduler's countdown, and translates key
// presses into engine operations. All polling, backoff, and caching logic
// lives in the poll package.
package ui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/glimpsedev/glimpse/internal/poll"
	"github.com/glimpsedev/glimpse/internal/session"
	"github.com/glimpsedev/glimpse/internal/trmnl"
)

// Options configures the UI.
type Options struct {
	Context  context.Context
	Engine   *poll.Engine
	Store    *session.Store
	LoginURL string
}

// Messages pushed into the program from outside the Bubble Tea loop.
type (
	// StateMsg carries a fresh session snapshot after a store mutation.
	StateMsg session.State
	// CountdownMsg carries the formatted time remaining until the next
	// fetch, produced by the scheduler's ticker.
	CountdownMsg string
)

type fetchDoneMsg struct{}

// Model is the root Bubble Tea model.
type Model struct {
	ctx      context.Context
	engine   *poll.Engine
	store    *session.Store
	loginURL string

	snapshot  session.State
	countdown string
	width     int
	height    int

	fetching bool
	spinner  spinner.Model

	entering bool
	keyInput textinput.Model
}

// New creates the root model.
func New(opts Options) Model {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))

	ti := textinput.New()
	ti.Placeholder = "device API key"
	ti.CharLimit = 64
	ti.Width = 40

	m := Model{
		ctx:       ctx,
		engine:    opts.Engine,
		store:     opts.Store,
		loginURL:  opts.LoginURL,
		countdown: poll.CountdownPlaceholder,
		spinner:   sp,
		keyInput:  ti,
	}
	if opts.Store != nil {
		m.snapshot = opts.Store.Snapshot()
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.EnterAltScreen
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case StateMsg:
		m.snapshot = session.State(msg)
		if m.snapshot.NextFetch.IsZero() && !m.snapshot.InBackoff(time.Now()) {
			m.countdown = poll.CountdownPlaceholder
		}
		return m, nil

	case CountdownMsg:
		m.countdown = string(msg)
		return m, nil

	case fetchDoneMsg:
		m.fetching = false
		return m, nil

	case spinner.TickMsg:
		if !m.fetching {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if m.entering {
		var cmd tea.Cmd
		m.keyInput, cmd = m.keyInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.entering {
		return m.handleEntryKey(msg)
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "r":
		return m.startFetch(func() tea.Msg {
			m.engine.FetchImage(m.ctx, true)
			return fetchDoneMsg{}
		})

	case "n":
		return m.startFetch(func() tea.Msg {
			m.engine.NextScreen(m.ctx)
			return fetchDoneMsg{}
		})

	case "s":
		return m.startFetch(func() tea.Msg {
			m.engine.SpecialFunction(m.ctx)
			return fetchDoneMsg{}
		})

	case "d":
		next, ok := nextDevice(m.snapshot)
		if !ok {
			return m, nil
		}
		return m.startFetch(func() tea.Msg {
			m.engine.SelectDevice(next)
			m.engine.FetchImage(m.ctx, false)
			return fetchDoneMsg{}
		})

	case "l":
		return m.startFetch(func() tea.Msg {
			m.engine.FetchDevices(m.ctx)
			return fetchDoneMsg{}
		})

	case "a":
		m.entering = true
		m.keyInput.SetValue("")
		return m, m.keyInput.Focus()

	case "R":
		return m, func() tea.Msg {
			_ = m.store.Reset()
			return nil
		}
	}
	return m, nil
}

func (m Model) handleEntryKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		key := strings.TrimSpace(m.keyInput.Value())
		m.entering = false
		m.keyInput.Blur()
		if key == "" {
			return m, nil
		}
		return m.startFetch(func() tea.Msg {
			m.engine.SaveManualAPIKey(m.ctx, key)
			return fetchDoneMsg{}
		})

	case "esc":
		m.entering = false
		m.keyInput.Blur()
		return m, nil

	case "ctrl+c":
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.keyInput, cmd = m.keyInput.Update(msg)
	return m, cmd
}

// startFetch marks a fetch in flight and runs op off the Update loop. The
// engine's own guard collapses overlapping triggers.
func (m Model) startFetch(op tea.Cmd) (tea.Model, tea.Cmd) {
	m.fetching = true
	return m, tea.Batch(op, m.spinner.Tick)
}

// nextDevice cycles the selection through the cached device list.
func nextDevice(snap session.State) (trmnl.Device, bool) {
	if len(snap.Devices) == 0 {
		return trmnl.Device{}, false
	}
	if snap.SelectedDevice == nil {
		return snap.Devices[0], true
	}
	for i, d := range snap.Devices {
		if d.ID == snap.SelectedDevice.ID {
			return snap.Devices[(i+1)%len(snap.Devices)], true
		}
	}
	return snap.Devices[0], true
}
