// Package detection sends sampled frames to the remote traffic-signal recognition flow.
package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/vision-alert/alert-server/internal/genkit"
	"github.com/vision-alert/alert-server/internal/logger"
	"github.com/vision-alert/alert-server/pkg/types"
)

// ErrInvalidThreshold is returned for thresholds outside [0, 1].
var ErrInvalidThreshold = errors.New("confidence threshold must be within [0, 1]")

const (
	DefaultDetectFlow    = "detectTrafficSignalsFlow"
	DefaultThresholdFlow = "adjustDetectionThresholdFlow"
)

// Client is the detection service adapter.
type Client struct {
	flows         *genkit.Client
	detectFlow    string
	thresholdFlow string
}

// NewClient wraps a flow client. Empty flow names fall back to the defaults.
func NewClient(flows *genkit.Client, detectFlow, thresholdFlow string) *Client {
	if detectFlow == "" {
		detectFlow = DefaultDetectFlow
	}
	if thresholdFlow == "" {
		thresholdFlow = DefaultThresholdFlow
	}
	return &Client{flows: flows, detectFlow: detectFlow, thresholdFlow: thresholdFlow}
}

type detectInput struct {
	FrameDataURI        string  `json:"frameDataUri"`
	ConfidenceThreshold float64 `json:"confidenceThreshold"`
}

type detectOutput struct {
	Detections []json.RawMessage `json:"detections"`
}

// decodeDetections keeps only well-formed records: a class, a four-number
// bbox and a confidence in [0, 1]. Malformed records are dropped one by one.
func decodeDetections(raw []json.RawMessage) (valid []types.Detection, dropped int) {
	for _, r := range raw {
		var rec struct {
			Class      string          `json:"class"`
			Confidence *float64        `json:"confidence"`
			BBox       json.RawMessage `json:"bbox"`
		}
		if err := json.Unmarshal(r, &rec); err != nil || rec.Class == "" || rec.Confidence == nil || len(rec.BBox) == 0 {
			dropped++
			continue
		}
		var box types.BBox
		if err := json.Unmarshal(rec.BBox, &box); err != nil {
			dropped++
			continue
		}
		if *rec.Confidence < 0 || *rec.Confidence > 1 {
			dropped++
			continue
		}
		valid = append(valid, types.Detection{Class: rec.Class, Confidence: *rec.Confidence, BBox: box})
	}
	return valid, dropped
}

// Detect sends a data-URI frame and returns the valid detections whose
// confidence is strictly above threshold.
func (c *Client) Detect(ctx context.Context, frameURI string, threshold float64) ([]types.Detection, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: got %.3f", ErrInvalidThreshold, threshold)
	}
	if frameURI == "" {
		return nil, errors.New("empty frame")
	}

	var out detectOutput
	if err := c.flows.Run(ctx, c.detectFlow, detectInput{FrameDataURI: frameURI, ConfidenceThreshold: threshold}, &out); err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	valid, dropped := decodeDetections(out.Detections)
	if dropped > 0 {
		logger.Warn("Detection", "Dropped %d malformed detection records", dropped)
	}
	return lo.Filter(valid, func(d types.Detection, _ int) bool {
		return d.Confidence > threshold
	}), nil
}

// ThresholdResult is the answer of the threshold administration flow.
type ThresholdResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// AdjustThreshold asks the remote service to use threshold by default.
func (c *Client) AdjustThreshold(ctx context.Context, threshold float64) (ThresholdResult, error) {
	if threshold < 0 || threshold > 1 {
		return ThresholdResult{}, fmt.Errorf("%w: got %.3f", ErrInvalidThreshold, threshold)
	}
	var out ThresholdResult
	err := c.flows.Run(ctx, c.thresholdFlow, struct {
		Threshold float64 `json:"threshold"`
	}{threshold}, &out)
	if err != nil {
		return ThresholdResult{}, fmt.Errorf("adjust threshold: %w", err)
	}
	return out, nil
}
