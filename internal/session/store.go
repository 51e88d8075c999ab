package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glimpsedev/glimpse/internal/trmnl"
)

// statePrefix namespaces every durable field file so Reset can remove them
// without touching anything else living in the same directory.
const statePrefix = "glimpse."

// Field file names, one durable record per logical field.
const (
	fieldEnvironment    = "environment"
	fieldDevices        = "devices"
	fieldSelectedDevice = "selected_device"
	fieldCurrentImage   = "current_image"
	fieldLastFetch      = "last_fetch"
	fieldNextFetch      = "next_fetch"
	fieldRefreshRate    = "refresh_rate"
	fieldRetryCount     = "retry_count"
	fieldRetryAfter     = "retry_after"
	fieldFirstSetup     = "first_setup_complete"
)

// Store is the single source of truth for session state. It persists each
// field as its own JSON file under dir and notifies subscribers after every
// mutation. Safe for concurrent use.
type Store struct {
	dir string

	mu    sync.RWMutex
	state State

	lmu       sync.Mutex
	listeners map[int]func()
	nextSub   int
}

// Open loads session state from dir, creating it with defaults on first
// run. Every present field file is read once; defaults are substituted only
// for genuinely absent fields.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("state dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{
		dir:       dir,
		state:     defaultState(),
		listeners: make(map[int]func()),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func defaultState() State {
	return State{
		Environment:        EnvProduction,
		RefreshRate:        DefaultRefreshRate,
		FirstSetupComplete: make(map[int64]bool),
	}
}

func (s *Store) load() error {
	fields := []struct {
		name string
		dest any
	}{
		{fieldEnvironment, &s.state.Environment},
		{fieldDevices, &s.state.Devices},
		{fieldSelectedDevice, &s.state.SelectedDevice},
		{fieldCurrentImage, &s.state.CurrentImage},
		{fieldLastFetch, &s.state.LastFetch},
		{fieldNextFetch, &s.state.NextFetch},
		{fieldRefreshRate, &s.state.RefreshRate},
		{fieldRetryCount, &s.state.RetryCount},
		{fieldRetryAfter, &s.state.RetryAfter},
		{fieldFirstSetup, &s.state.FirstSetupComplete},
	}
	for _, f := range fields {
		data, err := os.ReadFile(s.fieldPath(f.name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read %s: %w", f.name, err)
		}
		if err := json.Unmarshal(data, f.dest); err != nil {
			return fmt.Errorf("parse %s: %w", f.name, err)
		}
	}
	if s.state.FirstSetupComplete == nil {
		s.state.FirstSetupComplete = make(map[int64]bool)
	}
	if s.state.RefreshRate <= 0 {
		s.state.RefreshRate = DefaultRefreshRate
	}
	return nil
}

func (s *Store) fieldPath(name string) string {
	return filepath.Join(s.dir, statePrefix+name+".json")
}

func (s *Store) writeField(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := os.WriteFile(s.fieldPath(name), data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// WritePreview mirrors raw image bytes to a plain file next to the state
// files, so the cached screen can be opened in an external viewer. Stale
// previews with a different extension are removed first. Returns the path
// of the written file.
func (s *Store) WritePreview(data []byte, ext string) (string, error) {
	if ext == "" {
		ext = ".png"
	}
	stale, _ := filepath.Glob(filepath.Join(s.dir, statePrefix+"preview.*"))
	path := filepath.Join(s.dir, statePrefix+"preview"+ext)
	for _, p := range stale {
		if p != path {
			_ = os.Remove(p)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write preview: %w", err)
	}
	return path, nil
}

// Snapshot returns a defensive copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.state
	if len(s.state.Devices) > 0 {
		snap.Devices = make([]trmnl.Device, len(s.state.Devices))
		copy(snap.Devices, s.state.Devices)
	}
	if s.state.SelectedDevice != nil {
		d := *s.state.SelectedDevice
		snap.SelectedDevice = &d
	}
	if s.state.CurrentImage != nil {
		img := *s.state.CurrentImage
		snap.CurrentImage = &img
	}
	snap.FirstSetupComplete = make(map[int64]bool, len(s.state.FirstSetupComplete))
	for id, done := range s.state.FirstSetupComplete {
		snap.FirstSetupComplete[id] = done
	}
	return snap
}

// Subscribe registers a listener invoked synchronously after every mutation.
// The returned function deregisters it. Deregistering during a notification
// does not affect delivery for the pass already underway.
func (s *Store) Subscribe(fn func()) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notify() {
	s.lmu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// SetEnvironment switches the target API host.
func (s *Store) SetEnvironment(env Environment) error {
	s.mu.Lock()
	s.state.Environment = env
	err := s.writeField(fieldEnvironment, env)
	s.mu.Unlock()

	s.notify()
	return err
}

// SetDevices replaces the device list. When nothing is selected yet the
// first entry is auto-selected so polling can start without user input.
func (s *Store) SetDevices(devices []trmnl.Device) error {
	s.mu.Lock()
	s.state.Devices = devices
	err := s.writeField(fieldDevices, devices)
	if s.state.SelectedDevice == nil && len(devices) > 0 {
		d := devices[0]
		s.state.SelectedDevice = &d
		if werr := s.writeField(fieldSelectedDevice, &d); err == nil {
			err = werr
		}
	}
	s.mu.Unlock()

	s.notify()
	return err
}

// SelectDevice makes d the active device and resets retry state so the new
// device gets an immediate clean fetch attempt.
func (s *Store) SelectDevice(d trmnl.Device) error {
	s.mu.Lock()
	dd := d
	s.state.SelectedDevice = &dd
	s.state.RetryCount = 0
	s.state.RetryAfter = time.Time{}
	s.state.LastError = ""
	err := firstErr(
		s.writeField(fieldSelectedDevice, &dd),
		s.writeField(fieldRetryCount, 0),
		s.writeField(fieldRetryAfter, time.Time{}),
	)
	s.mu.Unlock()

	s.notify()
	return err
}

// SaveManualAPIKey replaces the device list and selection wholesale with the
// synthetic manual device, bypassing device discovery.
func (s *Store) SaveManualAPIKey(key string) error {
	s.mu.Lock()
	d := ManualDevice(key)
	s.state.Devices = []trmnl.Device{d}
	s.state.SelectedDevice = &d
	s.state.RetryCount = 0
	s.state.RetryAfter = time.Time{}
	s.state.LastError = ""
	err := firstErr(
		s.writeField(fieldDevices, s.state.Devices),
		s.writeField(fieldSelectedDevice, &d),
		s.writeField(fieldRetryCount, 0),
		s.writeField(fieldRetryAfter, time.Time{}),
	)
	s.mu.Unlock()

	s.notify()
	return err
}

// SetImage stores a freshly downloaded image together with the fetch
// timestamps and refresh rate, and resets retry state. The related fields
// are written as one logical update.
func (s *Store) SetImage(img Image, refreshRate int, at time.Time) error {
	s.mu.Lock()
	if refreshRate <= 0 {
		refreshRate = s.state.RefreshRate
	}
	s.state.CurrentImage = &img
	err := firstErr(
		s.writeField(fieldCurrentImage, &img),
		s.touchLocked(refreshRate, at),
	)
	s.mu.Unlock()

	s.notify()
	return err
}

// TouchFetched refreshes the fetch window after an unchanged-image response.
// The cached image is left alone; only timestamps, rate, and retry state
// move.
func (s *Store) TouchFetched(refreshRate int, at time.Time) error {
	s.mu.Lock()
	if refreshRate <= 0 {
		refreshRate = s.state.RefreshRate
	}
	err := s.touchLocked(refreshRate, at)
	s.mu.Unlock()

	s.notify()
	return err
}

func (s *Store) touchLocked(refreshRate int, at time.Time) error {
	s.state.RefreshRate = refreshRate
	s.state.LastFetch = at
	s.state.NextFetch = at.Add(time.Duration(refreshRate) * time.Second)
	s.state.RetryCount = 0
	s.state.RetryAfter = time.Time{}
	s.state.LastError = ""
	return firstErr(
		s.writeField(fieldRefreshRate, refreshRate),
		s.writeField(fieldLastFetch, s.state.LastFetch),
		s.writeField(fieldNextFetch, s.state.NextFetch),
		s.writeField(fieldRetryCount, 0),
		s.writeField(fieldRetryAfter, time.Time{}),
	)
}

// RecordFailure stores the backoff window computed for a retryable failure.
func (s *Store) RecordFailure(retryCount int, retryAfter time.Time, msg string) error {
	s.mu.Lock()
	s.state.RetryCount = retryCount
	s.state.RetryAfter = retryAfter
	s.state.LastError = msg
	err := firstErr(
		s.writeField(fieldRetryCount, retryCount),
		s.writeField(fieldRetryAfter, retryAfter),
	)
	s.mu.Unlock()

	s.notify()
	return err
}

// ClearRetryState zeroes the backoff window, recording msg as the reason the
// attempt ended. Used for definitive outcomes (unauthorized, configuration)
// so the next manual action gets a clean attempt.
func (s *Store) ClearRetryState(msg string) error {
	s.mu.Lock()
	s.state.RetryCount = 0
	s.state.RetryAfter = time.Time{}
	s.state.LastError = msg
	err := firstErr(
		s.writeField(fieldRetryCount, 0),
		s.writeField(fieldRetryAfter, time.Time{}),
	)
	s.mu.Unlock()

	s.notify()
	return err
}

// SetLastError records a presentation hint for the UI without touching any
// durable field. Setting the same message twice is a no-op so repeated
// failures do not generate notification churn.
func (s *Store) SetLastError(msg string) {
	s.mu.Lock()
	if s.state.LastError == msg {
		s.mu.Unlock()
		return
	}
	s.state.LastError = msg
	s.mu.Unlock()

	s.notify()
}

// MarkFirstSetupComplete records that the one-time screen-generation call
// succeeded for the device. The flag never flips back.
func (s *Store) MarkFirstSetupComplete(id int64) error {
	s.mu.Lock()
	s.state.FirstSetupComplete[id] = true
	err := s.writeField(fieldFirstSetup, s.state.FirstSetupComplete)
	s.mu.Unlock()

	s.notify()
	return err
}

// Reset removes every persisted field and reinitializes defaults.
func (s *Store) Reset() error {
	s.mu.Lock()
	var err error
	entries, rerr := os.ReadDir(s.dir)
	if rerr != nil {
		err = fmt.Errorf("read state dir: %w", rerr)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), statePrefix) {
			continue
		}
		if rmErr := os.Remove(filepath.Join(s.dir, e.Name())); rmErr != nil && err == nil {
			err = fmt.Errorf("remove %s: %w", e.Name(), rmErr)
		}
	}
	s.state = defaultState()
	s.mu.Unlock()

	s.notify()
	return err
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
