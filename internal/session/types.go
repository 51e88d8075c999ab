package session

import (
	"time"

	"github.com/glimpsedev/glimpse/internal/trmnl"
)

// Environment selects which TRMNL host the client talks to.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// ManualDeviceID is the sentinel id used for the pseudo-device created by
// manual API-key entry. Real TRMNL device ids are positive.
const ManualDeviceID int64 = -1

// DefaultRefreshRate is used until the server reports its own rate.
const DefaultRefreshRate = 30

// ManualDevice builds the synthetic device used when the user enters an API
// key by hand instead of going through device discovery.
func ManualDevice(apiKey string) trmnl.Device {
	return trmnl.Device{
		ID:     ManualDeviceID,
		Name:   "Manual device",
		APIKey: apiKey,
	}
}

// Image is the cached rendering of the device's current screen.
type Image struct {
	// Data is a data: URL embedding the image bytes.
	Data string `json:"data"`
	// SourceURL is the server-reported image URL. It is the dedup key for
	// the unchanged-image optimization.
	SourceURL string `json:"source_url"`
	Filename  string `json:"filename,omitempty"`
	// PreviewPath points at a plain image file mirroring Data, for opening
	// the screen in an external viewer.
	PreviewPath string    `json:"preview_path,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// State is the full session record. Every field except LastError persists
// across runs.
type State struct {
	Environment    Environment
	Devices        []trmnl.Device
	SelectedDevice *trmnl.Device
	CurrentImage   *Image

	// LastFetch and NextFetch bound the refresh window. A zero NextFetch
	// means no refresh is scheduled. NextFetch always equals
	// LastFetch + RefreshRate seconds from the most recent successful or
	// unchanged-image fetch.
	LastFetch   time.Time
	NextFetch   time.Time
	RefreshRate int // seconds

	// RetryCount and RetryAfter track the backoff window. While now is
	// before RetryAfter, unforced fetches are suppressed.
	RetryCount int
	RetryAfter time.Time

	// FirstSetupComplete records, per device id, whether the one-time
	// screen-generation call has succeeded.
	FirstSetupComplete map[int64]bool

	// LastError is a presentation hint describing the most recent failure.
	// It is not persisted.
	LastError string
}

// APIKey returns the access key of the selected device, or "".
func (s State) APIKey() string {
	if s.SelectedDevice == nil {
		return ""
	}
	return s.SelectedDevice.APIKey
}

// InBackoff reports whether fetches are suppressed at the given time.
func (s State) InBackoff(now time.Time) bool {
	return !s.RetryAfter.IsZero() && now.Before(s.RetryAfter)
}

// CachedImageData returns the cached data URL, or "" when nothing is cached.
func (s State) CachedImageData() string {
	if s.CurrentImage == nil {
		return ""
	}
	return s.CurrentImage.Data
}
