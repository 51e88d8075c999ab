package session

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/glimpsedev/glimpse/internal/trmnl"
)

func TestOpen_FirstRunDefaults(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	snap := s.Snapshot()
	if snap.Environment != EnvProduction {
		t.Fatalf("Environment = %q, want %q", snap.Environment, EnvProduction)
	}
	if snap.RefreshRate != DefaultRefreshRate {
		t.Fatalf("RefreshRate = %d, want %d", snap.RefreshRate, DefaultRefreshRate)
	}
	if snap.SelectedDevice != nil || snap.CurrentImage != nil {
		t.Fatalf("fresh state carries data: %#v", snap)
	}
	if !snap.LastFetch.IsZero() || !snap.NextFetch.IsZero() || !snap.RetryAfter.IsZero() {
		t.Fatalf("fresh state carries timestamps: %#v", snap)
	}
	if snap.FirstSetupComplete == nil {
		t.Fatal("FirstSetupComplete map not initialized")
	}
}

func TestStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	devices := []trmnl.Device{
		{ID: 7, Name: "Kitchen", APIKey: "key-7", FriendlyID: "ABC123"},
		{ID: 9, Name: "Office", APIKey: "key-9"},
	}
	if err := s.SetEnvironment(EnvDevelopment); err != nil {
		t.Fatalf("SetEnvironment: %v", err)
	}
	if err := s.SetDevices(devices); err != nil {
		t.Fatalf("SetDevices: %v", err)
	}
	if err := s.SelectDevice(devices[1]); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	img := Image{
		Data:      "data:image/png;base64,aGVsbG8=",
		SourceURL: "https://x/a.png",
		Filename:  "a.png",
		FetchedAt: at,
	}
	if err := s.SetImage(img, 60, at); err != nil {
		t.Fatalf("SetImage: %v", err)
	}
	if err := s.MarkFirstSetupComplete(9); err != nil {
		t.Fatalf("MarkFirstSetupComplete: %v", err)
	}

	want := s.Snapshot()

	reloaded, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	got := reloaded.Snapshot()

	// LastError is a presentation hint and intentionally not durable.
	want.LastError = ""
	got.LastError = ""
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("reloaded state = %#v, want %#v", got, want)
	}
}

func TestSetDevices_AutoSelectsFirstWhenNoneSelected(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if err := s.SetDevices([]trmnl.Device{{ID: 1, Name: "One"}, {ID: 2, Name: "Two"}}); err != nil {
		t.Fatalf("SetDevices: %v", err)
	}
	snap := s.Snapshot()
	if snap.SelectedDevice == nil || snap.SelectedDevice.ID != 1 {
		t.Fatalf("SelectedDevice = %#v, want auto-selected id=1", snap.SelectedDevice)
	}

	// A later list update must not steal an explicit selection.
	if err := s.SelectDevice(trmnl.Device{ID: 2, Name: "Two"}); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	if err := s.SetDevices([]trmnl.Device{{ID: 3, Name: "Three"}}); err != nil {
		t.Fatalf("SetDevices: %v", err)
	}
	snap = s.Snapshot()
	if snap.SelectedDevice == nil || snap.SelectedDevice.ID != 2 {
		t.Fatalf("SelectedDevice = %#v, want explicit id=2 preserved", snap.SelectedDevice)
	}
}

func TestSelectDevice_ResetsRetryState(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if err := s.RecordFailure(3, time.Now().Add(8*time.Second), "boom"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := s.SelectDevice(trmnl.Device{ID: 5, APIKey: "k"}); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}

	snap := s.Snapshot()
	if snap.RetryCount != 0 || !snap.RetryAfter.IsZero() {
		t.Fatalf("retry state = (%d, %v), want clean slate", snap.RetryCount, snap.RetryAfter)
	}
}

func TestSaveManualAPIKey_ReplacesDevicesWholesale(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if err := s.SetDevices([]trmnl.Device{{ID: 1}, {ID: 2}}); err != nil {
		t.Fatalf("SetDevices: %v", err)
	}
	if err := s.SaveManualAPIKey("manual-key"); err != nil {
		t.Fatalf("SaveManualAPIKey: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Devices) != 1 || snap.Devices[0].ID != ManualDeviceID {
		t.Fatalf("Devices = %#v, want single manual device", snap.Devices)
	}
	if snap.SelectedDevice == nil || snap.SelectedDevice.APIKey != "manual-key" {
		t.Fatalf("SelectedDevice = %#v, want manual device", snap.SelectedDevice)
	}
}

func TestTouchFetched_KeepsImageAndAdvancesWindow(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	first := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	img := Image{Data: "data:image/png;base64,eA==", SourceURL: "https://x/a.png", FetchedAt: first}
	if err := s.SetImage(img, 30, first); err != nil {
		t.Fatalf("SetImage: %v", err)
	}

	second := first.Add(30 * time.Second)
	if err := s.TouchFetched(60, second); err != nil {
		t.Fatalf("TouchFetched: %v", err)
	}

	snap := s.Snapshot()
	if snap.CurrentImage == nil || snap.CurrentImage.Data != img.Data {
		t.Fatalf("CurrentImage = %#v, want cached image untouched", snap.CurrentImage)
	}
	if !snap.LastFetch.Equal(second) {
		t.Fatalf("LastFetch = %v, want %v", snap.LastFetch, second)
	}
	if want := second.Add(60 * time.Second); !snap.NextFetch.Equal(want) {
		t.Fatalf("NextFetch = %v, want %v", snap.NextFetch, want)
	}
	if snap.RefreshRate != 60 {
		t.Fatalf("RefreshRate = %d, want 60", snap.RefreshRate)
	}
}

func TestWritePreview_ReplacesStaleExtension(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	first, err := s.WritePreview([]byte("png-bytes"), ".png")
	if err != nil {
		t.Fatalf("WritePreview: %v", err)
	}
	if filepath.Base(first) != statePrefix+"preview.png" {
		t.Fatalf("preview path = %q, want %q file", first, statePrefix+"preview.png")
	}

	second, err := s.WritePreview([]byte("bmp-bytes"), ".bmp")
	if err != nil {
		t.Fatalf("WritePreview: %v", err)
	}
	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Fatalf("stale preview %q still present after extension change", first)
	}
	data, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "bmp-bytes" {
		t.Fatalf("preview content = %q, want %q", data, "bmp-bytes")
	}
}

func TestReset_RemovesAllPrefixedFilesOnly(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if err := s.SetDevices([]trmnl.Device{{ID: 1, APIKey: "k"}}); err != nil {
		t.Fatalf("SetDevices: %v", err)
	}
	foreign := filepath.Join(dir, "unrelated.txt")
	if err := os.WriteFile(foreign, []byte("keep"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), statePrefix) {
			t.Fatalf("prefixed file %q survived Reset", e.Name())
		}
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Fatalf("unrelated file removed by Reset: %v", err)
	}

	snap := s.Snapshot()
	if snap.SelectedDevice != nil || len(snap.Devices) != 0 || snap.RefreshRate != DefaultRefreshRate {
		t.Fatalf("state after Reset = %#v, want defaults", snap)
	}
}

func TestSnapshot_IsDefensiveCopy(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := s.SetDevices([]trmnl.Device{{ID: 1, Name: "One"}}); err != nil {
		t.Fatalf("SetDevices: %v", err)
	}

	snap := s.Snapshot()
	snap.Devices[0].Name = "Mutated"
	snap.SelectedDevice.Name = "Mutated"
	snap.FirstSetupComplete[99] = true

	again := s.Snapshot()
	if again.Devices[0].Name != "One" || again.SelectedDevice.Name != "One" {
		t.Fatalf("Snapshot not independent: %#v", again)
	}
	if again.FirstSetupComplete[99] {
		t.Fatal("FirstSetupComplete map shared between snapshots")
	}
}

func TestSubscribe_NotifiesAndDeregisters(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	var calls int
	cancel := s.Subscribe(func() { calls++ })

	if err := s.SetEnvironment(EnvDevelopment); err != nil {
		t.Fatalf("SetEnvironment: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	cancel()
	if err := s.SetEnvironment(EnvProduction); err != nil {
		t.Fatalf("SetEnvironment: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d after cancel, want 1", calls)
	}
}

func TestSubscribe_DeregisterDuringNotification(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	var first, second int
	var cancelSecond func()
	s.Subscribe(func() {
		first++
		// Deregistering mid-pass must not suppress delivery to listeners
		// registered when the pass began.
		if cancelSecond != nil {
			cancelSecond()
			cancelSecond = nil
		}
	})
	cancelSecond = s.Subscribe(func() { second++ })

	if err := s.SetEnvironment(EnvDevelopment); err != nil {
		t.Fatalf("SetEnvironment: %v", err)
	}
	if first != 1 || second != 1 {
		t.Fatalf("calls = (%d, %d), want both delivered", first, second)
	}

	if err := s.SetEnvironment(EnvProduction); err != nil {
		t.Fatalf("SetEnvironment: %v", err)
	}
	if second != 1 {
		t.Fatalf("second listener called %d times, want deregistration honored", second)
	}
}
