package webmonitor

import (
	"github.com/vision-alert/alert-server/internal/camera"
	"github.com/vision-alert/alert-server/internal/config"
	"github.com/vision-alert/alert-server/internal/emitter"
	"github.com/vision-alert/alert-server/internal/events"
	"github.com/vision-alert/alert-server/pkg/types"
)

// SettingsRequest is the body of POST /api/settings. Omitted fields keep
// their current value.
type SettingsRequest struct {
	Confidence  *float64 `json:"confidence"`
	TTSEnabled  *bool    `json:"tts_enabled"`
	Persistence *int     `json:"persistence"`
}

func (r SettingsRequest) apply(cur config.Tunables) config.Tunables {
	if r.Confidence != nil {
		cur.Confidence = *r.Confidence
	}
	if r.TTSEnabled != nil {
		cur.TTSEnabled = *r.TTSEnabled
	}
	if r.Persistence != nil {
		cur.Persistence = *r.Persistence
	}
	return cur
}

// ThresholdRequest is the body of POST /api/threshold.
type ThresholdRequest struct {
	Threshold *float64 `json:"threshold"`
}

// ThresholdResponse mirrors the remote flow result.
type ThresholdResponse struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message"`
	Settings config.Tunables `json:"settings"`
}

// DetectResponse is returned by POST /api/detect.
type DetectResponse struct {
	Detections []types.Detection `json:"detections"`
	Source     types.Size        `json:"source"`
	LatencyMs  int64             `json:"latency_ms"`
	Threshold  float64           `json:"threshold"`
}

// CameraResponse is returned by the camera endpoints.
type CameraResponse struct {
	Camera camera.Status `json:"camera"`
	Error  string        `json:"error,omitempty"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	events.Status
	Monitor          MonitorStats            `json:"monitor"`
	LatestDetection  *types.DetectionResult  `json:"latest_detection"`
	DetectionHistory []types.DetectionResult `json:"detection_history"`
	Clients          map[string]int          `json:"clients"`
	Bus              *emitter.Stats          `json:"bus,omitempty"`
	Timestamp        float64                 `json:"timestamp"`
}

// MonitorStats summarizes what the dashboard server has delivered.
type MonitorStats struct {
	FramesStreamed  uint64  `json:"frames_streamed"`
	CurrentFPS      float64 `json:"current_fps"`
	TargetFPS       float64 `json:"target_fps"`
	DetectionCycles uint64  `json:"detection_cycles"`
	DetectionCount  int     `json:"detection_count"`
	Announcements   uint64  `json:"announcements"`
}
