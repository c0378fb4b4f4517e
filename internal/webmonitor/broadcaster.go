package webmonitor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vision-alert/alert-server/internal/events"
	"github.com/vision-alert/alert-server/internal/logger"
	"github.com/vision-alert/alert-server/internal/overlay"
	"github.com/vision-alert/alert-server/pkg/types"
)

// SerializedEvent holds an event pre-serialized in every wire format so that
// fanout does not re-encode per client.
type SerializedEvent struct {
	Type         events.Type
	JSONData     []byte
	ProtobufData []byte // google.protobuf.Value, base64 encoded for SSE
	CBORData     []byte
}

// serializeEvent encodes e once as JSON, then re-encodes the decoded JSON tree
// so the protobuf and CBOR forms have exactly the same shape.
func serializeEvent(e events.Event) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	var tree any
	if err := json.Unmarshal(jsonData, &tree); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	value, err := structpb.NewValue(tree)
	if err != nil {
		return nil, fmt.Errorf("build protobuf value: %w", err)
	}
	pbData, err := proto.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}

	cborData, err := cbor.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("marshal cbor: %w", err)
	}

	return &SerializedEvent{
		Type:         e.Type,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
		CBORData:     cborData,
	}, nil
}

// EventBroadcaster fans controller events out to SSE and WebSocket clients.
// New subscribers first receive the latest status and detections.
type EventBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	latest  map[events.Type]*SerializedEvent
	overlay []overlay.Op
	monitor *Monitor
	dropped uint64
}

// NewEventBroadcaster creates a broadcaster. monitor may be nil.
func NewEventBroadcaster(monitor *Monitor) *EventBroadcaster {
	return &EventBroadcaster{
		clients: make(map[int]chan *SerializedEvent),
		latest:  make(map[events.Type]*SerializedEvent),
		monitor: monitor,
	}
}

// Publish implements events.Sink.
func (b *EventBroadcaster) Publish(e events.Event) {
	if b.monitor != nil {
		b.monitor.Observe(e)
	}
	ser, err := serializeEvent(e)
	if err != nil {
		logger.Warn("EventBroadcaster", "Serialize %s event: %v", e.Type, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch e.Type {
	case events.TypeStatus:
		b.latest[e.Type] = ser
	case events.TypeDetections:
		b.latest[e.Type] = ser
		b.overlay = append([]overlay.Op(nil), e.Overlay...)
	}

	for id, ch := range b.clients {
		select {
		case ch <- ser:
		default:
			b.dropped++
			logger.Debug("EventBroadcaster", "Client #%d too slow, dropped %s event", id, e.Type)
		}
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (b *EventBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, 16)
	for _, t := range []events.Type{events.TypeStatus, events.TypeDetections} {
		if ser, ok := b.latest[t]; ok {
			ch <- ser
		}
	}
	b.clients[id] = ch

	logger.Debug("EventBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *EventBroadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug("EventBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Overlay returns the overlay ops of the latest detections event.
func (b *EventBroadcaster) Overlay() []overlay.Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]overlay.Op(nil), b.overlay...)
}

// ClientCount returns the number of subscribers.
func (b *EventBroadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// FrameSource provides the newest camera frame.
type FrameSource interface {
	Latest() (types.Frame, bool)
}

// FrameBroadcaster renders the latest camera frame with the current overlay
// and fans the JPEG out to MJPEG clients. A nil frame means no camera frame
// is available and clients show the placeholder.
type FrameBroadcaster struct {
	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	source    FrameSource
	overlays  func() []overlay.Op
	monitor   *Monitor
	interval  time.Duration
	quality   int
	stop      chan struct{}
	stopped   bool
	skipCount int
	gauge     *atomic.Uint64
}

// NewFrameBroadcaster creates a broadcaster that generates overlay frames and fans them out.
func NewFrameBroadcaster(source FrameSource, overlays func() []overlay.Op, monitor *Monitor, interval time.Duration, quality int) *FrameBroadcaster {
	if interval <= 0 {
		interval = DefaultConfig().MJPEGInterval
	}
	if quality <= 0 {
		quality = DefaultConfig().JPEGQuality
	}
	return &FrameBroadcaster{
		clients:  make(map[int]chan []byte),
		source:   source,
		overlays: overlays,
		monitor:  monitor,
		interval: interval,
		quality:  quality,
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	fb.clients[id] = ch
	fb.updateGaugeLocked()

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.updateGaugeLocked()
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
		if len(fb.clients) == 0 {
			logger.Info("FrameBroadcaster", "No clients remaining - frame generation will be skipped")
		}
	}
}

// ClientCount returns the number of MJPEG clients.
func (fb *FrameBroadcaster) ClientCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

func (fb *FrameBroadcaster) updateGaugeLocked() {
	if fb.gauge != nil {
		fb.gauge.Store(uint64(len(fb.clients)))
	}
}

// Start begins the frame generation and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if !fb.stopped {
		close(fb.stop)
		fb.stopped = true
	}
}

func (fb *FrameBroadcaster) run() {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		fb.mu.Lock()
		clientCount := len(fb.clients)
		fb.mu.Unlock()
		if clientCount == 0 {
			fb.skipCount++
			if fb.skipCount%100 == 0 {
				logger.Debug("FrameBroadcaster", "No clients connected (idle for %d ticks)", fb.skipCount)
			}
			continue
		}
		fb.skipCount = 0

		fb.broadcast(fb.generateOverlay())
	}
}

func (fb *FrameBroadcaster) generateOverlay() []byte {
	frame, ok := fb.source.Latest()
	if !ok || frame.Image == nil {
		return nil
	}

	var ops []overlay.Op
	if fb.overlays != nil {
		ops = fb.overlays()
	}
	img, err := overlay.Rasterize(frame.Image, ops)
	if err != nil {
		logger.Warn("FrameBroadcaster", "Rasterize overlay: %v", err)
		return nil
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(fb.quality)); err != nil {
		logger.Warn("FrameBroadcaster", "Encode frame #%d: %v", frame.FrameNum, err)
		return nil
	}
	return buf.Bytes()
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	sent := false
	for _, ch := range fb.clients {
		select {
		case ch <- data:
			sent = true
		default:
			// Client too slow, skip this frame for this client
		}
	}
	if sent && data != nil && fb.monitor != nil {
		fb.monitor.FrameStreamed()
	}
}
