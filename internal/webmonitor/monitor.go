package webmonitor

import (
	"sync"
	"time"

	"github.com/vision-alert/alert-server/internal/events"
	"github.com/vision-alert/alert-server/pkg/types"
)

const historySize = 8

// Monitor keeps delivery statistics and a short detection history for
// /api/status.
type Monitor struct {
	targetFPS float64
	now       func() time.Time

	mu              sync.Mutex
	framesStreamed  uint64
	windowStart     time.Time
	windowFrames    int
	currentFPS      float64
	detectionCycles uint64
	announcements   uint64
	latest          *types.DetectionResult
	history         []types.DetectionResult
}

// NewMonitor creates a Monitor for an MJPEG stream paced at interval.
func NewMonitor(interval time.Duration) *Monitor {
	m := &Monitor{now: time.Now}
	if interval > 0 {
		m.targetFPS = float64(time.Second) / float64(interval)
	}
	m.windowStart = m.now()
	return m
}

// FrameStreamed counts one MJPEG frame fanned out to clients.
func (m *Monitor) FrameStreamed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.framesStreamed++
	m.windowFrames++
	now := m.now()
	if elapsed := now.Sub(m.windowStart); elapsed >= time.Second {
		m.currentFPS = float64(m.windowFrames) / elapsed.Seconds()
		m.windowFrames = 0
		m.windowStart = now
	}
}

// Observe records detection cycles and announcements.
func (m *Monitor) Observe(e events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e.Type {
	case events.TypeDetections:
		if e.Detections == nil {
			return
		}
		m.detectionCycles++
		result := *e.Detections
		m.latest = &result
		if len(result.Detections) > 0 {
			m.history = append([]types.DetectionResult{result}, m.history...)
			if len(m.history) > historySize {
				m.history = m.history[:historySize]
			}
		}
	case events.TypeAnnouncement:
		m.announcements++
	}
}

// Snapshot returns the current stats, latest result and history (newest first).
func (m *Monitor) Snapshot() (MonitorStats, *types.DetectionResult, []types.DetectionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MonitorStats{
		FramesStreamed:  m.framesStreamed,
		CurrentFPS:      m.currentFPS,
		TargetFPS:       m.targetFPS,
		DetectionCycles: m.detectionCycles,
		Announcements:   m.announcements,
	}
	var latest *types.DetectionResult
	if m.latest != nil {
		l := *m.latest
		latest = &l
		stats.DetectionCount = len(l.Detections)
	}
	history := make([]types.DetectionResult, len(m.history))
	copy(history, m.history)
	return stats, latest, history
}
