// Package app wires the session store, API client, polling engine,
// scheduler, and terminal UI together and runs them for the lifetime
// of the process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"pkt.systems/pslog"

	"github.com/glimpsedev/glimpse/internal/config"
	"github.com/glimpsedev/glimpse/internal/poll"
	"github.com/glimpsedev/glimpse/internal/session"
	"github.com/glimpsedev/glimpse/internal/trmnl"
	"github.com/glimpsedev/glimpse/internal/ui"
)

// Options configures a Run.
type Options struct {
	// ConfigPath overrides the default config file location.
	ConfigPath string
}

// Run starts Glimpse and blocks until the UI exits or ctx is canceled.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := openLogger(cfg.LogPath)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := session.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	if err := store.SetEnvironment(cfg.Environment); err != nil {
		return fmt.Errorf("record environment: %w", err)
	}

	client, err := trmnl.NewClient(cfg.Host(), cfg.SessionCookie)
	if err != nil {
		return fmt.Errorf("create API client: %w", err)
	}

	engine := poll.NewEngine(store, client, logger)

	model := ui.New(ui.Options{
		Context:  ctx,
		Engine:   engine,
		Store:    store,
		LoginURL: client.LoginURL(),
	})
	program := tea.NewProgram(model, tea.WithContext(ctx))

	sched := poll.NewScheduler(
		func() {
			engine.FetchImage(ctx, false)
		},
		func(remaining time.Duration) {
			program.Send(ui.CountdownMsg(poll.FormatCountdown(remaining)))
		},
	)
	defer sched.Stop()

	unsubscribe := store.Subscribe(func() {
		snap := store.Snapshot()
		program.Send(ui.StateMsg(snap))
		sched.Arm(fetchDeadline(snap))
	})
	defer unsubscribe()

	logger.Info("starting", "environment", string(cfg.Environment), "host", cfg.Host())

	startFetcher(ctx, cfg, engine, store, sched)

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run UI: %w", err)
	}
	logger.Info("stopped")
	return nil
}

// startFetcher runs the initial fetch and the initial scheduler arm on a
// background goroutine. Store notifications end in program.Send, which
// blocks until the UI event loop is receiving, so nothing that can mutate
// the store or fire the scheduler may run on the goroutine that is about
// to call program.Run.
func startFetcher(ctx context.Context, cfg config.Config, engine *poll.Engine, store *session.Store, sched *poll.Scheduler) {
	go func() {
		if cfg.APIKey != "" {
			engine.SaveManualAPIKey(ctx, cfg.APIKey)
		} else {
			engine.FetchDevices(ctx)
			engine.FetchImage(ctx, false)
		}
		// A fetch suppressed by an active backoff window mutates nothing,
		// so the subscriber never re-arms; arm from the snapshot too.
		sched.Arm(fetchDeadline(store.Snapshot()))
	}()
}

// fetchDeadline picks the next moment the engine should run: the regular
// refresh deadline, pushed out by any active backoff window.
func fetchDeadline(snap session.State) time.Time {
	deadline := snap.NextFetch
	if snap.RetryAfter.After(deadline) {
		deadline = snap.RetryAfter
	}
	return deadline
}

// openLogger opens a file-backed structured logger. The terminal belongs
// to the UI, so log output never goes to stdout or stderr.
func openLogger(path string) (pslog.Logger, func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := pslog.LoggerFromEnv(pslog.WithEnvWriter(f))
	return logger, func() { _ = f.Close() }, nil
}
