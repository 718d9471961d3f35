package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	// AlertLoginFailureSpike fires on a burst of rejected bearer tokens.
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	// AlertAccessDeniedSpike fires on a burst of requests with dead or
	// forged session cookies.
	AlertAccessDeniedSpike AlertType = "access_denied_spike"
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

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultDeniedWindow          = 1 * time.Minute
	defaultDeniedThreshold       = 200
)

// spike is a sliding window counter.
type spike struct {
	typ       AlertType
	message   string
	window    time.Duration
	threshold int
	hits      []time.Time
}

// alertCollector tracks sliding window counters for anomaly detection.
type alertCollector struct {
	mu      sync.Mutex
	now     func() time.Time
	login   spike
	denied  spike
	alertFn AlertFunc
}

func newAlertCollector(alertFn AlertFunc) *alertCollector {
	return &alertCollector{
		now: time.Now,
		login: spike{
			typ:       AlertLoginFailureSpike,
			message:   "login failure rate exceeds threshold",
			window:    defaultLoginFailureWindow,
			threshold: defaultLoginFailureThreshold,
		},
		denied: spike{
			typ:       AlertAccessDeniedSpike,
			message:   "denied session access rate exceeds threshold",
			window:    defaultDeniedWindow,
			threshold: defaultDeniedThreshold,
		},
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (c *alertCollector) recordEvent(event AuditEvent) {
	if c == nil || c.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure:
		c.record(&c.login)
	case AuditAccessDenied, AuditKeepAliveFailure:
		c.record(&c.denied)
	}
}

func (c *alertCollector) record(s *spike) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s.hits = append(s.hits, now)
	s.hits = trimWindow(s.hits, now, s.window)

	if len(s.hits) >= s.threshold {
		c.alertFn(AlertEvent{
			Type:      s.typ,
			Message:   s.message,
			Count:     len(s.hits),
			Threshold: s.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		s.hits = s.hits[:0]
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
