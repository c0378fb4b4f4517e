// Package emitter publishes detections and announcements to an MQTT broker so
// other systems on the vehicle can react to them.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vision-alert/alert-server/internal/config"
	"github.com/vision-alert/alert-server/internal/events"
	"github.com/vision-alert/alert-server/internal/logger"
	"github.com/vision-alert/alert-server/internal/metrics"
)

const publishTimeout = 2 * time.Second

// Detection is the bus form of a detection.
type Detection struct {
	Class      string     `json:"class" msgpack:"class"`
	Confidence float64    `json:"confidence" msgpack:"confidence"`
	BBox       [4]float64 `json:"bbox" msgpack:"bbox"`
}

// Message is one bus payload. Audio is never published.
type Message struct {
	Type       events.Type `json:"type" msgpack:"type"`
	At         time.Time   `json:"at" msgpack:"at"`
	SessionID  string      `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	Detections []Detection `json:"detections,omitempty" msgpack:"detections,omitempty"`
	Class      string      `json:"class,omitempty" msgpack:"class,omitempty"`
	Text       string      `json:"text,omitempty" msgpack:"text,omitempty"`
	Camera     string      `json:"camera,omitempty" msgpack:"camera,omitempty"`
	Level      string      `json:"level,omitempty" msgpack:"level,omitempty"`
}

// Encoder turns a Message into a payload.
type Encoder func(Message) ([]byte, error)

// EncoderFor returns the encoder for "json" or "msgpack".
func EncoderFor(name string) (Encoder, error) {
	switch name {
	case "", "json":
		return func(m Message) ([]byte, error) { return json.Marshal(m) }, nil
	case "msgpack":
		return func(m Message) ([]byte, error) { return msgpack.Marshal(m) }, nil
	default:
		return nil, fmt.Errorf("unknown mqtt encoding %q", name)
	}
}

// publisher is the part of mqtt.Client the emitter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type outgoing struct {
	topic    string
	retained bool
	payload  []byte
}

// MQTTEmitter publishes events to the broker from its own goroutine.
type MQTTEmitter struct {
	cfg     config.MQTTConfig
	encode  Encoder
	metrics *metrics.Metrics
	now     func() time.Time

	client mqtt.Client
	pub    publisher
	queue  chan outgoing

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter. m may be nil.
func NewMQTTEmitter(cfg config.MQTTConfig, m *metrics.Metrics) (*MQTTEmitter, error) {
	enc, err := EncoderFor(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	return &MQTTEmitter{
		cfg:       cfg,
		encode:    enc,
		metrics:   m,
		now:       time.Now,
		queue:     make(chan outgoing, 32),
		published: make(map[string]uint64),
	}, nil
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		logger.Info("MQTT", "Connected to %s as %s", broker, e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		logger.Warn("MQTT", "Connection lost, will auto-reconnect: %v", err)
	}

	e.client = mqtt.NewClient(opts)
	e.pub = e.client

	logger.Info("MQTT", "Connecting to %s", broker)
	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Publish encodes e and queues it. It never blocks; events are dropped when
// the queue is full.
func (e *MQTTEmitter) Publish(ev events.Event) {
	msg, ok := e.message(ev)
	if !ok {
		return
	}
	payload, err := e.encode(msg)
	if err != nil {
		e.countError()
		logger.Warn("MQTT", "Encode %s event: %v", ev.Type, err)
		return
	}
	out := outgoing{
		topic:    e.topic(ev.Type),
		retained: ev.Type == events.TypeStatus,
		payload:  payload,
	}
	select {
	case e.queue <- out:
	default:
		e.countError()
		logger.Debug("MQTT", "Queue full, dropped %s event", ev.Type)
	}
}

func (e *MQTTEmitter) topic(t events.Type) string {
	return strings.TrimRight(e.cfg.TopicPrefix, "/") + "/" + string(t)
}

func (e *MQTTEmitter) message(ev events.Event) (Message, bool) {
	msg := Message{Type: ev.Type, At: e.now().UTC()}
	switch ev.Type {
	case events.TypeDetections:
		if ev.Detections == nil {
			return Message{}, false
		}
		msg.SessionID = ev.Detections.SessionID
		for _, d := range ev.Detections.Detections {
			msg.Detections = append(msg.Detections, Detection{
				Class:      d.Class,
				Confidence: d.Confidence,
				BBox:       [4]float64{d.BBox.X, d.BBox.Y, d.BBox.W, d.BBox.H},
			})
		}
	case events.TypeAnnouncement:
		if ev.Announcement == nil {
			return Message{}, false
		}
		msg.Class, msg.Text = ev.Announcement.Class, ev.Announcement.Text
	case events.TypeStatus:
		if ev.Status == nil {
			return Message{}, false
		}
		msg.SessionID = ev.Status.Camera.SessionID
		msg.Camera = string(ev.Status.Camera.State)
	case events.TypeNotice:
		if ev.Notice == nil {
			return Message{}, false
		}
		msg.Level, msg.Text = ev.Notice.Level, ev.Notice.Message
	default:
		return Message{}, false
	}
	return msg, true
}

// Run publishes queued events until ctx is done.
func (e *MQTTEmitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-e.queue:
			if err := e.send(out); err != nil {
				logger.Warn("MQTT", "%v", err)
			}
		}
	}
}

func (e *MQTTEmitter) send(out outgoing) error {
	if e.pub == nil || !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected, dropped %s", out.topic)
	}
	token := e.pub.Publish(out.topic, 0, out.retained, out.payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish %s: timeout", out.topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish %s: %w", out.topic, err)
	}

	e.mu.Lock()
	e.published[out.topic]++
	e.mu.Unlock()
	logger.Debug("MQTT", "Published %s (%d bytes)", out.topic, len(out.payload))
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		logger.Info("MQTT", "Disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.PublishErrors.Add(1)
	}
}
