package lifecycle

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tailmate/sessionkit/internal/token"
)

const (
	// maxRefreshDelay caps the proactive refresh timer so clock drift or a
	// bogus far-future expiry cannot park the session unrefreshed for hours.
	maxRefreshDelay = 45 * time.Minute
	// fallbackRefreshInterval is used when the stored token carries no known
	// expiry.
	fallbackRefreshInterval = 30 * time.Minute
	// minForegroundRefreshInterval rate-limits foreground-triggered refreshes
	// so rapid app switching does not hammer the identity backends.
	minForegroundRefreshInterval = 5 * time.Minute
)

// ForegroundSource delivers a signal each time the application returns to the
// foreground.
type ForegroundSource interface {
	Foregrounds() <-chan struct{}
}

// RefreshScheduler drives proactive token refreshes from two triggers: a
// single timer armed ahead of the known expiry, and foreground events. At
// most one timer is armed at a time; rescheduling replaces it.
type RefreshScheduler struct {
	mutex         sync.Mutex
	clock         token.Clock
	refresh       func()
	logger        *zap.Logger
	timer         *time.Timer
	lastRefreshAt time.Time
	stop          chan struct{}
	listening     bool
	tornDown      bool
}

// NewRefreshScheduler builds a scheduler that invokes refresh when a trigger
// fires. The callback runs on the timer's goroutine and must be safe to call
// concurrently with Schedule.
func NewRefreshScheduler(clock token.Clock, refresh func(), logger *zap.Logger) *RefreshScheduler {
	return &RefreshScheduler{
		clock:   clock,
		refresh: refresh,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Schedule arms the refresh timer for the given expiry, replacing any timer
// already armed. A zero expiry arms the fallback interval instead.
func (scheduler *RefreshScheduler) Schedule(expiresAtUnixMilli int64) {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	if scheduler.tornDown {
		return
	}

	delay := scheduler.refreshDelay(expiresAtUnixMilli)
	if scheduler.timer != nil {
		scheduler.timer.Stop()
	}
	scheduler.timer = time.AfterFunc(delay, scheduler.fire)
	scheduler.logger.Debug("refresh timer armed", zap.Duration("delay", delay))
}

// refreshDelay converts an expiry into a timer delay, clamped so the timer
// neither fires immediately on an already-stale token nor sleeps past the cap.
func (scheduler *RefreshScheduler) refreshDelay(expiresAtUnixMilli int64) time.Duration {
	if expiresAtUnixMilli == 0 {
		return fallbackRefreshInterval
	}
	delay := time.UnixMilli(expiresAtUnixMilli).Sub(scheduler.clock.Now()) - token.DefaultExpiryBuffer
	if delay < token.DefaultExpiryBuffer {
		return token.DefaultExpiryBuffer
	}
	if delay > maxRefreshDelay {
		return maxRefreshDelay
	}
	return delay
}

func (scheduler *RefreshScheduler) fire() {
	scheduler.mutex.Lock()
	if scheduler.tornDown {
		scheduler.mutex.Unlock()
		return
	}
	scheduler.mutex.Unlock()
	scheduler.refresh()
}

// RegisterForegroundListener starts consuming foreground events from the
// source. Registering twice is a no-op; the first source wins.
func (scheduler *RefreshScheduler) RegisterForegroundListener(source ForegroundSource) {
	scheduler.mutex.Lock()
	if scheduler.listening || scheduler.tornDown {
		scheduler.mutex.Unlock()
		return
	}
	scheduler.listening = true
	scheduler.mutex.Unlock()

	go scheduler.consumeForegrounds(source.Foregrounds())
}

func (scheduler *RefreshScheduler) consumeForegrounds(events <-chan struct{}) {
	for {
		select {
		case <-scheduler.stop:
			return
		case _, open := <-events:
			if !open {
				return
			}
			scheduler.handleForeground()
		}
	}
}

// handleForeground triggers a refresh unless one ran recently.
func (scheduler *RefreshScheduler) handleForeground() {
	scheduler.mutex.Lock()
	if scheduler.tornDown {
		scheduler.mutex.Unlock()
		return
	}
	now := scheduler.clock.Now()
	if !scheduler.lastRefreshAt.IsZero() && now.Sub(scheduler.lastRefreshAt) < minForegroundRefreshInterval {
		scheduler.logger.Debug("foreground refresh suppressed; refreshed recently",
			zap.Time("last_refresh", scheduler.lastRefreshAt))
		scheduler.mutex.Unlock()
		return
	}
	scheduler.lastRefreshAt = now
	scheduler.mutex.Unlock()

	scheduler.refresh()
}

// MarkRefreshed records a completed refresh so foreground events shortly
// after are suppressed.
func (scheduler *RefreshScheduler) MarkRefreshed() {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	scheduler.lastRefreshAt = scheduler.clock.Now()
}

// Teardown disarms the timer and stops the foreground listener. It is
// idempotent and safe to call from any goroutine.
func (scheduler *RefreshScheduler) Teardown() {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	if scheduler.tornDown {
		return
	}
	scheduler.tornDown = true
	if scheduler.timer != nil {
		scheduler.timer.Stop()
		scheduler.timer = nil
	}
	close(scheduler.stop)
}
