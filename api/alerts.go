package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/ledgervault/vault"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertUnlockFailureSpike AlertType = "unlock_failure_spike"
	AlertCollisionSpike     AlertType = "storage_collision_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// alertCollector tracks sliding window counters for anomaly detection.
type alertCollector struct {
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger

	unlockFailures  []time.Time
	unlockWindow    time.Duration
	unlockThreshold int

	collisions         []time.Time
	collisionWindow    time.Duration
	collisionThreshold int

	alertFn AlertFunc
}

const (
	defaultUnlockFailureWindow    = 1 * time.Minute
	defaultUnlockFailureThreshold = 20
	defaultCollisionWindow        = 5 * time.Minute
	defaultCollisionThreshold     = 3
)

func newAlertCollector(alertFn AlertFunc) *alertCollector {
	return &alertCollector{
		now:                time.Now,
		logger:             slog.Default(),
		unlockWindow:       defaultUnlockFailureWindow,
		unlockThreshold:    defaultUnlockFailureThreshold,
		collisionWindow:    defaultCollisionWindow,
		collisionThreshold: defaultCollisionThreshold,
		alertFn:            alertFn,
	}
}

// recordVaultEvent is subscribed to the vault's notifications.
func (c *alertCollector) recordVaultEvent(e vault.Event) {
	if e.Type == vault.EventStorageCollision {
		c.recordCollision()
	}
}

func (c *alertCollector) recordUnlockFailure() {
	c.mu.Lock()
	now := c.now()
	c.unlockFailures = trimWindow(append(c.unlockFailures, now), now, c.unlockWindow)
	var alert *AlertEvent
	if len(c.unlockFailures) >= c.unlockThreshold {
		alert = &AlertEvent{
			Type:      AlertUnlockFailureSpike,
			Message:   "unlock failure rate exceeds threshold",
			Count:     len(c.unlockFailures),
			Threshold: c.unlockThreshold,
			Timestamp: now,
		}
		// Reset to avoid repeated alerts within the same spike.
		c.unlockFailures = c.unlockFailures[:0]
	}
	c.mu.Unlock()
	c.fire(alert)
}

func (c *alertCollector) recordCollision() {
	c.mu.Lock()
	now := c.now()
	c.collisions = trimWindow(append(c.collisions, now), now, c.collisionWindow)
	var alert *AlertEvent
	if len(c.collisions) >= c.collisionThreshold {
		alert = &AlertEvent{
			Type:      AlertCollisionSpike,
			Message:   "repeated storage collisions; another process is writing this vault",
			Count:     len(c.collisions),
			Threshold: c.collisionThreshold,
			Timestamp: now,
		}
		c.collisions = c.collisions[:0]
	}
	c.mu.Unlock()
	c.fire(alert)
}

func (c *alertCollector) fire(alert *AlertEvent) {
	if alert == nil {
		return
	}
	c.logger.Warn("vault alert",
		slog.String("type", string(alert.Type)),
		slog.Int("count", alert.Count),
		slog.Int("threshold", alert.Threshold),
	)
	if c.alertFn != nil {
		c.alertFn(*alert)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
