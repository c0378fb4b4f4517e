// Package events defines what the controller tells dashboards, the event bus and the recorder.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vision-alert/alert-server/internal/camera"
	"github.com/vision-alert/alert-server/internal/config"
	"github.com/vision-alert/alert-server/internal/overlay"
	"github.com/vision-alert/alert-server/pkg/types"
)

// Type names an event on every transport.
type Type string

const (
	TypeDetections   Type = "detections"
	TypeAnnouncement Type = "announcement"
	TypeStatus       Type = "status"
	TypeNotice       Type = "notice"
)

// Announcement is a synthesized utterance a dashboard should play and then
// acknowledge with {"type":"playback_ended","id":ID}.
type Announcement struct {
	ID         uint64    `json:"id"`
	Class      string    `json:"class"`
	Text       string    `json:"text"`
	Audio      string    `json:"audio"` // data URI
	DurationMs int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// Notice is a user-visible message, e.g. a failed detection call.
type Notice struct {
	Level   string    `json:"level"` // info | warning | error
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Status summarizes the controller for dashboards.
type Status struct {
	Camera     camera.Status     `json:"camera"`
	Settings   config.Tunables   `json:"settings"`
	Speaking   bool              `json:"speaking"`
	QueueDepth int               `json:"queue_depth"`
	Cycle      uint64            `json:"cycle"`
	Failures   int               `json:"consecutive_failures"`
	Detections []types.Detection `json:"detections"`
}

// Event is one message fanned out to every sink. Type selects which payload fields are set.
type Event struct {
	Type         Type                   `json:"type"`
	Detections   *types.DetectionResult `json:"detections,omitempty"`
	Overlay      []overlay.Op           `json:"overlay,omitempty"`
	Announcement *Announcement          `json:"announcement,omitempty"`
	Status       *Status                `json:"status,omitempty"`
	Notice       *Notice                `json:"notice,omitempty"`
}

// Sink receives events. Publish must not block the caller.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish calls f.
func (f SinkFunc) Publish(e Event) { f(e) }

// Fanout forwards to several sinks.
type Fanout []Sink

// Publish forwards e to every sink in order.
func (f Fanout) Publish(e Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(e)
		}
	}
}

// MessagePlaybackEnded is the only message dashboards send back.
const MessagePlaybackEnded = "playback_ended"

// ClientMessage is a dashboard-to-server message on the WebSocket and WebRTC
// data channel, e.g. {"type":"playback_ended","id":3}.
type ClientMessage struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}

// ParseClientMessage decodes a playback acknowledgement. Other message types
// are reported as errors.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	if msg.Type != MessagePlaybackEnded {
		return ClientMessage{}, fmt.Errorf("unknown client message type %q", msg.Type)
	}
	return msg, nil
}
