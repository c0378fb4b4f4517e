package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Detection loop counters
	CyclesStarted  atomic.Uint64
	CyclesSkipped  atomic.Uint64 // tick arrived while a call was in flight
	CyclesNotReady atomic.Uint64 // no frame available yet
	StaleResults   atomic.Uint64
	Detections     atomic.Uint64
	StillImages    atomic.Uint64

	// Error counters
	DetectionErrors atomic.Uint64
	SampleErrors    atomic.Uint64
	SpeechErrors    atomic.Uint64
	CameraErrors    atomic.Uint64
	PublishErrors   atomic.Uint64

	// Announcement counters
	Enqueued      atomic.Uint64
	Announced     atomic.Uint64
	PlaybackAcked atomic.Uint64
	PlaybackTimed atomic.Uint64

	// Latency tracking
	DetectionLatencyMs atomic.Uint64 // last detection round-trip in ms
	SpeechLatencyMs    atomic.Uint64 // last synthesis round-trip in ms

	// Session state
	SessionActive atomic.Uint64 // 0 = idle, 1 = active
	QueueDepth    atomic.Uint64

	// Dashboard client tracking
	SSEClients       atomic.Uint64
	WebSocketClients atomic.Uint64
	WebRTCClients    atomic.Uint64
	StreamClients    atomic.Uint64

	// Recording state
	RecordingActive  atomic.Uint64
	RecordingEntries atomic.Uint64
	RecordingBytes   atomic.Uint64

	registry        *prometheus.Registry
	detectLatencies prometheus.Histogram
}

type counter struct {
	name string
	help string
	v    *atomic.Uint64
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detectLatencies: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alert_detection_duration_seconds",
			Help:    "Round-trip duration of detection flow calls",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
	}
	m.register()
	return m
}

func (m *Metrics) register() {
	counters := []counter{
		{"alert_cycles_started_total", "Detection cycles started", &m.CyclesStarted},
		{"alert_cycles_skipped_total", "Ticks skipped because a detection call was in flight", &m.CyclesSkipped},
		{"alert_cycles_not_ready_total", "Ticks skipped because no frame was available", &m.CyclesNotReady},
		{"alert_stale_results_total", "Detection results dropped for a stopped or replaced session", &m.StaleResults},
		{"alert_detections_total", "Detections returned above threshold", &m.Detections},
		{"alert_still_images_total", "Still images submitted for detection", &m.StillImages},
		{"alert_detection_errors_total", "Detection flow failures", &m.DetectionErrors},
		{"alert_sample_errors_total", "Frame sampling failures", &m.SampleErrors},
		{"alert_speech_errors_total", "Speech synthesis failures", &m.SpeechErrors},
		{"alert_camera_errors_total", "Camera start failures", &m.CameraErrors},
		{"alert_publish_errors_total", "Event bus publish failures", &m.PublishErrors},
		{"alert_enqueued_total", "Texts added to the speech queue", &m.Enqueued},
		{"alert_announced_total", "Utterances handed to dashboards", &m.Announced},
		{"alert_playback_acked_total", "Utterances finished by dashboard acknowledgement", &m.PlaybackAcked},
		{"alert_playback_timed_out_total", "Utterances finished by playback timeout", &m.PlaybackTimed},
		{"alert_recording_entries_total", "Entries written to the session recording", &m.RecordingEntries},
		{"alert_recording_bytes_total", "Bytes written to the session recording", &m.RecordingBytes},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	gauges := []counter{
		{"alert_detection_latency_ms", "Last detection round-trip in milliseconds", &m.DetectionLatencyMs},
		{"alert_speech_latency_ms", "Last speech synthesis round-trip in milliseconds", &m.SpeechLatencyMs},
		{"alert_session_active", "Camera session active (0=idle, 1=active)", &m.SessionActive},
		{"alert_speech_queue_depth", "Texts waiting to be spoken", &m.QueueDepth},
		{"alert_sse_clients", "Connected SSE clients", &m.SSEClients},
		{"alert_websocket_clients", "Connected WebSocket clients", &m.WebSocketClients},
		{"alert_webrtc_clients", "Connected WebRTC data-channel clients", &m.WebRTCClients},
		{"alert_stream_clients", "Connected MJPEG clients", &m.StreamClients},
		{"alert_recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive},
	}
	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(m.detectLatencies)
}

// ObserveDetection records the duration of one detection call.
func (m *Metrics) ObserveDetection(d time.Duration) {
	m.DetectionLatencyMs.Store(uint64(d.Milliseconds()))
	m.detectLatencies.Observe(d.Seconds())
}

// ObserveSpeech records the duration of one synthesis call.
func (m *Metrics) ObserveSpeech(d time.Duration) {
	m.SpeechLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetBool stores 1 or 0.
func SetBool(v *atomic.Uint64, on bool) {
	if on {
		v.Store(1)
		return
	}
	v.Store(0)
}

// Dec decrements a gauge without wrapping below zero.
func Dec(v *atomic.Uint64) {
	for {
		cur := v.Load()
		if cur == 0 {
			return
		}
		if v.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
