package types

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
)

// BBox is an axis-aligned box in source-frame pixel coordinates.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// MarshalJSON encodes the box as the [x, y, width, height] array used on the wire.
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X, b.Y, b.W, b.H})
}

// UnmarshalJSON accepts exactly four numbers.
func (b *BBox) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("bbox: expected 4 values, got %d", len(raw))
	}
	b.X, b.Y, b.W, b.H = raw[0], raw[1], raw[2], raw[3]
	return nil
}

// Detection is one recognized traffic-related object.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// DetectionResult is the outcome of one detection cycle.
type DetectionResult struct {
	SessionID   string      `json:"session_id"`
	Cycle       uint64      `json:"cycle"`
	FrameNumber uint64      `json:"frame_number"`
	Timestamp   float64     `json:"timestamp"`
	Source      Size        `json:"source"`
	LatencyMs   int64       `json:"latency_ms"`
	Detections  []Detection `json:"detections"`
}

// Classes returns the distinct class labels in detection order.
func Classes(dets []Detection) []string {
	return lo.Uniq(lo.Map(dets, func(d Detection, _ int) string { return d.Class }))
}
