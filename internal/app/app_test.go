package app

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/glimpsedev/glimpse/internal/config"
	"github.com/glimpsedev/glimpse/internal/poll"
	"github.com/glimpsedev/glimpse/internal/session"
	"github.com/glimpsedev/glimpse/internal/trmnl"
)

// offlineAPI fails every call, like a relaunch without network.
type offlineAPI struct{}

func (offlineAPI) ListDevices(ctx context.Context) ([]trmnl.Device, error) {
	return nil, errors.New("offline")
}

func (offlineAPI) CurrentScreen(ctx context.Context, apiKey string) (trmnl.DisplayResponse, error) {
	return trmnl.DisplayResponse{}, errors.New("offline")
}

func (offlineAPI) GenerateScreen(ctx context.Context, apiKey string) (trmnl.DisplayResponse, error) {
	return trmnl.DisplayResponse{}, errors.New("offline")
}

func (offlineAPI) SpecialFunction(ctx context.Context, apiKey string) (trmnl.DisplayResponse, error) {
	return trmnl.DisplayResponse{}, errors.New("offline")
}

func (offlineAPI) Download(ctx context.Context, imageURL string) ([]byte, string, error) {
	return nil, "", errors.New("offline")
}

// Store notifications end in program.Send, which blocks until the UI event
// loop runs. On relaunch the persisted NextFetch is a past timestamp, so an
// immediate Arm fires synchronously; the startup sequence must therefore
// never touch the store or the scheduler on the goroutine that is about to
// call program.Run. This simulates the pre-Run window with a subscriber
// that blocks until released.
func TestStartFetcherKeepsCallerGoroutineFree(t *testing.T) {
	store, err := session.Open(t.TempDir())
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	if err := store.SelectDevice(trmnl.Device{ID: 1, APIKey: "key-1"}); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	// Relaunch shape: the persisted fetch window elapsed long ago.
	if err := store.TouchFetched(30, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("TouchFetched: %v", err)
	}

	logger := pslog.NewWithOptions(io.Discard, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
	})
	engine := poll.NewEngine(store, offlineAPI{}, logger)

	release := make(chan struct{})
	blocked := make(chan struct{}, 1)
	unsubscribe := store.Subscribe(func() {
		select {
		case blocked <- struct{}{}:
		default:
		}
		<-release
	})
	defer unsubscribe()

	sched := poll.NewScheduler(
		func() { engine.FetchImage(context.Background(), false) },
		func(time.Duration) {},
	)
	defer sched.Stop()

	done := make(chan struct{})
	go func() {
		startFetcher(context.Background(), config.Config{}, engine, store, sched)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("startup blocked the goroutine that must reach the UI event loop")
	}
	// Store field writes happen before the notification, so once the
	// subscriber is entered the background fetch has finished touching the
	// TempDir; without this wait RemoveAll cleanup races those writes.
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("background fetch never reached the store notification")
	}
	close(release)
}

func TestFetchDeadline(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		snap session.State
		want time.Time
	}{
		{
			name: "no deadlines",
			snap: session.State{},
			want: time.Time{},
		},
		{
			name: "refresh only",
			snap: session.State{NextFetch: base},
			want: base,
		},
		{
			name: "backoff pushes past refresh",
			snap: session.State{
				NextFetch:  base,
				RetryAfter: base.Add(30 * time.Second),
			},
			want: base.Add(30 * time.Second),
		},
		{
			name: "expired backoff yields refresh",
			snap: session.State{
				NextFetch:  base,
				RetryAfter: base.Add(-time.Minute),
			},
			want: base,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fetchDeadline(tt.snap); !got.Equal(tt.want) {
				t.Fatalf("fetchDeadline() = %v, want %v", got, tt.want)
			}
		})
	}
}
