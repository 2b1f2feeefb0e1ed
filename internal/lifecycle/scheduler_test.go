package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/tailmate/sessionkit/internal/token"
)

type steppingClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (clock *steppingClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *steppingClock) Advance(delta time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(delta)
}

type channelForegroundSource struct {
	events chan struct{}
}

func (source *channelForegroundSource) Foregrounds() <-chan struct{} {
	return source.events
}

func TestRefreshDelayClamps(t *testing.T) {
	t.Parallel()

	clock := &steppingClock{now: time.Unix(1700000000, 0)}
	scheduler := NewRefreshScheduler(clock, func() {}, zaptest.NewLogger(t))

	cases := []struct {
		name      string
		expiresAt int64
		want      time.Duration
	}{
		{name: "no known expiry uses the fallback", expiresAt: 0, want: fallbackRefreshInterval},
		{name: "far future is capped", expiresAt: clock.now.Add(6 * time.Hour).UnixMilli(), want: maxRefreshDelay},
		{name: "already stale floors at the buffer", expiresAt: clock.now.Add(-time.Hour).UnixMilli(), want: token.DefaultExpiryBuffer},
		{name: "imminent expiry floors at the buffer", expiresAt: clock.now.Add(3 * time.Minute).UnixMilli(), want: token.DefaultExpiryBuffer},
		{name: "mid-range lands ahead of expiry", expiresAt: clock.now.Add(20 * time.Minute).UnixMilli(), want: 18 * time.Minute},
	}
	for _, testCase := range cases {
		if got := scheduler.refreshDelay(testCase.expiresAt); got != testCase.want {
			t.Fatalf("%s: got %s, want %s", testCase.name, got, testCase.want)
		}
	}
}

func TestForegroundRefreshRateLimited(t *testing.T) {
	t.Parallel()

	clock := &steppingClock{now: time.Unix(1700000000, 0)}
	var refreshes atomic.Int64
	scheduler := NewRefreshScheduler(clock, func() { refreshes.Add(1) }, zaptest.NewLogger(t))

	scheduler.handleForeground()
	if refreshes.Load() != 1 {
		t.Fatalf("first foreground must refresh, got %d", refreshes.Load())
	}

	clock.Advance(30 * time.Second)
	scheduler.handleForeground()
	if refreshes.Load() != 1 {
		t.Fatalf("rapid re-foreground must be suppressed, got %d", refreshes.Load())
	}

	clock.Advance(minForegroundRefreshInterval)
	scheduler.handleForeground()
	if refreshes.Load() != 2 {
		t.Fatalf("foreground after the interval must refresh, got %d", refreshes.Load())
	}
}

func TestForegroundSuppressedAfterScheduledRefresh(t *testing.T) {
	t.Parallel()

	clock := &steppingClock{now: time.Unix(1700000000, 0)}
	var refreshes atomic.Int64
	scheduler := NewRefreshScheduler(clock, func() { refreshes.Add(1) }, zaptest.NewLogger(t))

	scheduler.MarkRefreshed()
	clock.Advance(time.Minute)
	scheduler.handleForeground()
	if refreshes.Load() != 0 {
		t.Fatalf("foreground right after a refresh must be suppressed, got %d", refreshes.Load())
	}
}

func TestForegroundListenerDeliversEvents(t *testing.T) {
	t.Parallel()

	clock := &steppingClock{now: time.Unix(1700000000, 0)}
	refreshed := make(chan struct{}, 1)
	scheduler := NewRefreshScheduler(clock, func() { refreshed <- struct{}{} }, zaptest.NewLogger(t))
	defer scheduler.Teardown()

	source := &channelForegroundSource{events: make(chan struct{}, 1)}
	scheduler.RegisterForegroundListener(source)
	// Second registration is a no-op; the event below must arrive exactly once.
	scheduler.RegisterForegroundListener(source)

	source.events <- struct{}{}
	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatalf("foreground event never triggered a refresh")
	}
}

func TestTeardownStopsTriggers(t *testing.T) {
	t.Parallel()

	clock := &steppingClock{now: time.Unix(1700000000, 0)}
	var refreshes atomic.Int64
	scheduler := NewRefreshScheduler(clock, func() { refreshes.Add(1) }, zaptest.NewLogger(t))

	scheduler.Schedule(clock.now.Add(time.Hour).UnixMilli())
	scheduler.Teardown()
	scheduler.Teardown() // idempotent

	scheduler.handleForeground()
	scheduler.Schedule(clock.now.Add(time.Hour).UnixMilli())
	if refreshes.Load() != 0 {
		t.Fatalf("no trigger may fire after teardown, got %d", refreshes.Load())
	}
	if scheduler.timer != nil {
		t.Fatalf("teardown must disarm the timer")
	}
}

func TestSignOutClearsEverything(t *testing.T) {
	t.Parallel()

	clock := &steppingClock{now: time.Unix(1700000000, 0)}
	scheduler := NewRefreshScheduler(clock, func() {}, zaptest.NewLogger(t))
	credentials := &recordingClearer{}
	users := &recordingClearer{}
	pending := &recordingPendingClearer{}
	federated := &countingFederatedBackend{}

	handler := NewSignOutHandler(scheduler, credentials, users, pending, federated, zaptest.NewLogger(t))
	handler.SignOut(context.Background())

	if !credentials.cleared || !users.cleared || !pending.cleared {
		t.Fatalf("sign-out must wipe all local state: %v %v %v",
			credentials.cleared, users.cleared, pending.cleared)
	}
	if !scheduler.tornDown {
		t.Fatalf("sign-out must tear the scheduler down")
	}
}

type recordingClearer struct {
	cleared bool
}

func (clearer *recordingClearer) Clear(ctx context.Context) {
	clearer.cleared = true
}

type recordingPendingClearer struct {
	cleared bool
}

func (clearer *recordingPendingClearer) ClearPending(ctx context.Context) {
	clearer.cleared = true
}
