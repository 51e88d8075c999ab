package poll

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/glimpsedev/glimpse/internal/session"
	"github.com/glimpsedev/glimpse/internal/trmnl"
)

// ScreenAPI is the slice of the TRMNL client the engine depends on.
// Implemented by *trmnl.Client and by test fakes.
type ScreenAPI interface {
	ListDevices(ctx context.Context) ([]trmnl.Device, error)
	CurrentScreen(ctx context.Context, apiKey string) (trmnl.DisplayResponse, error)
	GenerateScreen(ctx context.Context, apiKey string) (trmnl.DisplayResponse, error)
	SpecialFunction(ctx context.Context, apiKey string) (trmnl.DisplayResponse, error)
	Download(ctx context.Context, imageURL string) ([]byte, string, error)
}

// Ensure the real client satisfies the interface at compile time.
var _ ScreenAPI = (*trmnl.Client)(nil)

const (
	backoffBase = time.Second
	backoffMax  = 5 * time.Minute

	// fetchCooldown absorbs rapid successive triggers, such as the refresh
	// timer firing while a manual refresh is still settling.
	fetchCooldown = time.Second
)

// Backoff computes the retry delay for the given post-increment retry
// count: min(1s * 2^retryCount, 5m).
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 16 {
		return backoffMax
	}
	d := backoffBase * (1 << uint(retryCount))
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

// Engine is the polling and backoff state machine. Its operations never
// return errors across the public boundary: every failure mode resolves to
// a nil/false/cached return value plus updated session state, and the
// caller translates "operation returned nothing" into a user-visible
// message.
type Engine struct {
	store *session.Store
	api   ScreenAPI
	log   pslog.Logger
	now   func() time.Time

	mu            sync.Mutex
	inFlight      bool
	cooldownUntil time.Time
}

// NewEngine builds an Engine. A nil logger falls back to the environment
// logger.
func NewEngine(store *session.Store, api ScreenAPI, logger pslog.Logger) *Engine {
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	return &Engine{
		store: store,
		api:   api,
		log:   logger,
		now:   time.Now,
	}
}

// FetchImage is the primary read path. It returns the embeddable data URL
// of the device's current screen, or "" when nothing could be produced.
// With force set, an active backoff window is ignored and the
// unchanged-image optimization is bypassed.
func (e *Engine) FetchImage(ctx context.Context, force bool) string {
	snap := e.store.Snapshot()
	now := e.now()

	if !force && snap.InBackoff(now) {
		e.log.Debug("fetch suppressed by backoff window", "retry_after", snap.RetryAfter)
		return snap.CachedImageData()
	}

	apiKey := snap.APIKey()
	if apiKey == "" {
		e.store.SetLastError("no device selected: pick a device or enter an API key")
		return ""
	}
	deviceID := snap.SelectedDevice.ID

	if !e.begin(now) {
		e.log.Debug("fetch already in progress, dropping trigger")
		return snap.CachedImageData()
	}
	defer e.end()

	// First-setup routing: until the one-time generate call has succeeded
	// for this device, the metadata request goes to the display endpoint
	// so the remote renders a screen instead of serving an empty cache.
	firstSetup := !snap.FirstSetupComplete[deviceID]
	var resp trmnl.DisplayResponse
	var err error
	if firstSetup {
		resp, err = e.api.GenerateScreen(ctx, apiKey)
	} else {
		resp, err = e.api.CurrentScreen(ctx, apiKey)
	}
	if err != nil {
		return e.failFetch(snap, "screen metadata", err)
	}
	if resp.ImageURL == "" {
		return e.failFetch(snap, "screen metadata", fmt.Errorf("response carried no image_url"))
	}

	// Unchanged-image optimization: identity comparison on the
	// server-provided URL, never on bytes. Only the fetch window moves.
	if !force && snap.CurrentImage != nil && resp.ImageURL == snap.CurrentImage.SourceURL {
		if err := e.store.TouchFetched(resp.RefreshRate, e.now()); err != nil {
			e.log.Warn("persist fetch window", "err", err)
		}
		e.log.Debug("image unchanged, skipping download", "url", resp.ImageURL)
		return snap.CurrentImage.Data
	}

	data, contentType, err := e.api.Download(ctx, resp.ImageURL)
	if err != nil {
		return e.failFetch(snap, "image download", err)
	}

	img := e.cacheImage(resp, data, contentType)
	if firstSetup {
		if err := e.store.MarkFirstSetupComplete(deviceID); err != nil {
			e.log.Warn("persist first-setup flag", "err", err)
		}
	}
	e.log.Info("screen fetched", "device", deviceID, "filename", resp.Filename, "bytes", len(data), "refresh_rate", resp.RefreshRate)
	return img.Data
}

// NextScreen advances the device to its next screen via the display
// endpoint. No unchanged-image detection: the point is a new rendering.
func (e *Engine) NextScreen(ctx context.Context) string {
	snap := e.store.Snapshot()
	now := e.now()

	apiKey := snap.APIKey()
	if apiKey == "" {
		e.store.SetLastError("no device selected: pick a device or enter an API key")
		return ""
	}

	if !e.begin(now) {
		return snap.CachedImageData()
	}
	defer e.end()

	resp, err := e.api.GenerateScreen(ctx, apiKey)
	if err != nil {
		return e.failFetch(snap, "next screen", err)
	}
	if resp.ImageURL == "" {
		return e.failFetch(snap, "next screen", fmt.Errorf("response carried no image_url"))
	}

	data, contentType, err := e.api.Download(ctx, resp.ImageURL)
	if err != nil {
		return e.failFetch(snap, "image download", err)
	}

	img := e.cacheImage(resp, data, contentType)
	return img.Data
}

// cacheImage persists the downloaded screen: a data URL in the session
// state plus a plain preview file on disk. Persistence failures are logged,
// never surfaced.
func (e *Engine) cacheImage(resp trmnl.DisplayResponse, data []byte, contentType string) session.Image {
	previewPath, err := e.store.WritePreview(data, previewExt(contentType))
	if err != nil {
		e.log.Warn("write preview", "err", err)
	}

	fetchedAt := e.now()
	img := session.Image{
		Data:        dataURL(data, contentType),
		SourceURL:   resp.ImageURL,
		Filename:    resp.Filename,
		PreviewPath: previewPath,
		FetchedAt:   fetchedAt,
	}
	if err := e.store.SetImage(img, resp.RefreshRate, fetchedAt); err != nil {
		e.log.Warn("persist image", "err", err)
	}
	return img
}

func previewExt(contentType string) string {
	switch contentType {
	case "image/bmp":
		return ".bmp"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

// SpecialFunction triggers the device's configured special action. True
// only on a 2xx response.
func (e *Engine) SpecialFunction(ctx context.Context) bool {
	snap := e.store.Snapshot()

	apiKey := snap.APIKey()
	if apiKey == "" {
		e.store.SetLastError("no device selected: pick a device or enter an API key")
		return false
	}

	if _, err := e.api.SpecialFunction(ctx, apiKey); err != nil {
		e.failFetch(snap, "special function", err)
		return false
	}
	e.log.Info("special function triggered")
	return true
}

// FetchDevices refreshes the device list. On any failure the previously
// cached devices are returned (nil when none); the backoff state is left
// alone since device discovery is independent of screen polling.
func (e *Engine) FetchDevices(ctx context.Context) []trmnl.Device {
	snap := e.store.Snapshot()

	devices, err := e.api.ListDevices(ctx)
	if err != nil {
		if errors.Is(err, trmnl.ErrUnauthorized) {
			e.log.Warn("device list unauthorized, log in via the browser", "err", err)
			e.store.SetLastError("not logged in: open the login page in your browser")
		} else {
			e.log.Warn("device list fetch failed", "err", err)
		}
		if len(snap.Devices) > 0 {
			return snap.Devices
		}
		return nil
	}

	if err := e.store.SetDevices(devices); err != nil {
		e.log.Warn("persist devices", "err", err)
	}
	e.log.Info("device list refreshed", "count", len(devices))
	return devices
}

// SelectDevice makes d the active device with a clean retry slate.
func (e *Engine) SelectDevice(d trmnl.Device) {
	if err := e.store.SelectDevice(d); err != nil {
		e.log.Warn("persist device selection", "err", err)
	}
}

// SaveManualAPIKey installs a manual pseudo-device for key and immediately
// performs a forced fetch, bypassing device discovery entirely.
func (e *Engine) SaveManualAPIKey(ctx context.Context, key string) string {
	if err := e.store.SaveManualAPIKey(key); err != nil {
		e.log.Warn("persist manual api key", "err", err)
	}
	return e.FetchImage(ctx, true)
}

// failFetch applies the uniform error taxonomy: unauthorized clears the
// backoff window and surfaces a key hint; everything else increments the
// retry count, arms the exponential backoff window, and falls back to the
// last known good image.
func (e *Engine) failFetch(snap session.State, what string, err error) string {
	if errors.Is(err, trmnl.ErrUnauthorized) {
		e.log.Warn(what+" unauthorized", "err", err)
		if serr := e.store.ClearRetryState("unauthorized: check your API key"); serr != nil {
			e.log.Warn("persist retry state", "err", serr)
		}
		return ""
	}

	retryCount := snap.RetryCount + 1
	delay := Backoff(retryCount)
	retryAfter := e.now().Add(delay)

	msg := what + " failed"
	if errors.Is(err, trmnl.ErrRateLimited) {
		msg = "rate limited"
		e.log.Info("rate limited, backing off", "retry_count", retryCount, "delay", delay)
	} else {
		e.log.Warn(what+" failed, backing off", "err", err, "retry_count", retryCount, "delay", delay)
	}
	if serr := e.store.RecordFailure(retryCount, retryAfter, msg); serr != nil {
		e.log.Warn("persist retry state", "err", serr)
	}
	return snap.CachedImageData()
}

func (e *Engine) begin(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight || now.Before(e.cooldownUntil) {
		return false
	}
	e.inFlight = true
	return true
}

func (e *Engine) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight = false
	e.cooldownUntil = e.now().Add(fetchCooldown)
}

func dataURL(data []byte, contentType string) string {
	if contentType == "" {
		contentType = "image/png"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
