package conversation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// timerEntry tracks information about a scheduled timer
type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
}

// TimerInfo describes a pending timer.
type TimerInfo struct {
	ID          string        `json:"id"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Remaining   time.Duration `json:"remaining"`
}

// Timer runs functions after a delay and lets callers cancel them by ID.
// The loop uses it for debounced recognition restarts.
type Timer struct {
	timers map[string]*timerEntry
	mu     sync.RWMutex
	nextID int64
}

// NewTimer creates a new Timer.
func NewTimer() *Timer {
	return &Timer{
		timers: make(map[string]*timerEntry),
	}
}

// ScheduleAfter schedules fn to run after delay and returns the timer ID.
func (t *Timer) ScheduleAfter(delay time.Duration, fn func()) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	now := time.Now()

	timer := time.AfterFunc(delay, func() {
		t.mu.Lock()
		_, live := t.timers[id]
		delete(t.timers, id)
		t.mu.Unlock()
		if !live {
			return
		}
		slog.Debug("Timer executing scheduled function", "id", id)
		fn()
	})

	t.timers[id] = &timerEntry{
		timer:       timer,
		scheduledAt: now,
		expiresAt:   now.Add(delay),
	}
	slog.Debug("Timer ScheduleAfter", "id", id, "delay", delay)
	return id
}

// Cancel cancels a scheduled function by ID. Unknown IDs are ignored.
func (t *Timer) Cancel(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, exists := t.timers[id]; exists {
		entry.timer.Stop()
		delete(t.timers, id)
		slog.Debug("Timer Cancel succeeded", "id", id)
	}
}

// Stop cancels all scheduled timers.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	if len(t.timers) > 0 {
		slog.Debug("Timer stopped all timers", "count", len(t.timers))
	}
	t.timers = make(map[string]*timerEntry)
}

// ListActive returns information about all pending timers.
func (t *Timer) ListActive() []TimerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]TimerInfo, 0, len(t.timers))
	now := time.Now()
	for id, entry := range t.timers {
		remaining := entry.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, TimerInfo{
			ID:          id,
			ScheduledAt: entry.scheduledAt,
			ExpiresAt:   entry.expiresAt,
			Remaining:   remaining,
		})
	}
	return result
}
