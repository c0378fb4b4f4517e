package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the runtime configuration for the alert server.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Camera    CameraConfig    `yaml:"camera"`
	Detection DetectionConfig `yaml:"detection"`
	Speech    SpeechConfig    `yaml:"speech"`
	AI        AIConfig        `yaml:"ai"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Recording RecordingConfig `yaml:"recording"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig holds listener addresses.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	PprofAddr      string   `yaml:"pprof_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// UploadRate is the allowed still-image detections per second.
	UploadRate  float64 `yaml:"upload_rate"`
	UploadBurst int     `yaml:"upload_burst"`
}

// CameraConfig selects and shapes the frame source.
type CameraConfig struct {
	// Source is "webcam" (mediadevices) or "directory" (looping still images).
	Source    string  `yaml:"source"`
	Device    string  `yaml:"device"`
	Directory string  `yaml:"directory"`
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FrameRate float64 `yaml:"frame_rate"`
	AutoStart bool    `yaml:"auto_start"`
	// PreviewInterval paces the MJPEG preview stream.
	PreviewInterval time.Duration `yaml:"preview_interval"`
}

// DetectionConfig tunes the sampling and announcement loop.
type DetectionConfig struct {
	Interval               time.Duration `yaml:"interval"`
	Confidence             float64       `yaml:"confidence"`
	Persistence            int           `yaml:"persistence"`
	SampleSize             int           `yaml:"sample_size"`
	JPEGQuality            int           `yaml:"jpeg_quality"`
	Priority               []string      `yaml:"priority"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
}

// SpeechConfig tunes announcements.
type SpeechConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxDuration bounds how long one utterance may hold the queue when no
	// dashboard acknowledges playback.
	MaxDuration time.Duration `yaml:"max_duration"`
	Grace       time.Duration `yaml:"grace"`
}

// AIConfig points at the external recognition and speech flows.
type AIConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	DetectFlow    string        `yaml:"detect_flow"`
	SpeechFlow    string        `yaml:"speech_flow"`
	ThresholdFlow string        `yaml:"threshold_flow"`
}

// MQTTConfig enables publishing detection events to a broker.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	// Encoding is "json" or "msgpack".
	Encoding string `yaml:"encoding"`
}

// WebRTCConfig configures the data-channel alert delivery.
type WebRTCConfig struct {
	Enabled     bool     `yaml:"enabled"`
	STUNServers []string `yaml:"stun_servers"`
	MaxClients  int      `yaml:"max_clients"`
}

// RecordingConfig controls the detection session recorder.
type RecordingConfig struct {
	Path string `yaml:"path"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// DefaultPriority is the announcement order, highest priority first.
var DefaultPriority = []string{"RED_LIGHT", "STOP", "YIELD", "SPEED_LIMIT", "GREEN_LIGHT", "YELLOW_LIGHT"}

// DefaultConfig returns a config aligned with the original dashboard behavior.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:           ":8080",
			MetricsAddr:    ":9090",
			PprofAddr:      "",
			AllowedOrigins: []string{"http://localhost:8080"},
			UploadRate:     0.5,
			UploadBurst:    2,
		},
		Camera: CameraConfig{
			Source:          "webcam",
			Width:           1280,
			Height:          720,
			FrameRate:       15,
			AutoStart:       true,
			PreviewInterval: 100 * time.Millisecond,
		},
		Detection: DetectionConfig{
			Interval:    10 * time.Second,
			Confidence:  0.5,
			Persistence: 2,
			SampleSize:  416,
			JPEGQuality: 60,
			Priority:    append([]string(nil), DefaultPriority...),
		},
		Speech: SpeechConfig{
			Enabled:     true,
			MaxDuration: 8 * time.Second,
			Grace:       500 * time.Millisecond,
		},
		AI: AIConfig{
			BaseURL:       "http://localhost:3400",
			Timeout:       30 * time.Second,
			DetectFlow:    "detectTrafficSignalsFlow",
			SpeechFlow:    "textToSpeechFlow",
			ThresholdFlow: "adjustDetectionThresholdFlow",
		},
		MQTT: MQTTConfig{
			ClientID:    "vision-alert",
			TopicPrefix: "vision-alert",
			Encoding:    "json",
		},
		WebRTC: WebRTCConfig{
			Enabled:     true,
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
		},
		Recording: RecordingConfig{
			Path: "./recordings",
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load reads a YAML file on top of DefaultConfig. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	d := c.Detection
	if d.Interval < time.Second || d.Interval > time.Minute {
		errs = append(errs, fmt.Errorf("detection.interval %s outside [1s, 60s]", d.Interval))
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		errs = append(errs, fmt.Errorf("detection.confidence %.2f outside [0, 1]", d.Confidence))
	}
	if d.Persistence < 1 || d.Persistence > 10 {
		errs = append(errs, fmt.Errorf("detection.persistence %d outside [1, 10]", d.Persistence))
	}
	if d.SampleSize < 32 || d.SampleSize > 2048 {
		errs = append(errs, fmt.Errorf("detection.sample_size %d outside [32, 2048]", d.SampleSize))
	}
	if d.JPEGQuality < 1 || d.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("detection.jpeg_quality %d outside [1, 100]", d.JPEGQuality))
	}
	if len(d.Priority) == 0 {
		errs = append(errs, errors.New("detection.priority must list at least one class"))
	}
	if d.MaxConsecutiveFailures < 0 {
		errs = append(errs, errors.New("detection.max_consecutive_failures must be >= 0"))
	}
	switch c.Camera.Source {
	case "webcam":
	case "directory":
		if c.Camera.Directory == "" {
			errs = append(errs, errors.New("camera.directory is required for the directory source"))
		}
	default:
		errs = append(errs, fmt.Errorf("camera.source %q must be webcam or directory", c.Camera.Source))
	}
	if c.AI.BaseURL == "" {
		errs = append(errs, errors.New("ai.base_url is required"))
	}
	if c.AI.Timeout <= 0 {
		errs = append(errs, errors.New("ai.timeout must be positive"))
	}
	switch c.MQTT.Encoding {
	case "", "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("mqtt.encoding %q must be json or msgpack", c.MQTT.Encoding))
	}
	if c.Speech.MaxDuration <= 0 {
		errs = append(errs, errors.New("speech.max_duration must be positive"))
	}
	return errors.Join(errs...)
}

// Tunables is the subset of settings that may change while the server runs.
type Tunables struct {
	Confidence  float64 `json:"confidence"`
	TTSEnabled  bool    `json:"tts_enabled"`
	Persistence int     `json:"persistence"`
}

// Tunables extracts the runtime-adjustable settings.
func (c Config) Tunables() Tunables {
	return Tunables{
		Confidence:  c.Detection.Confidence,
		TTSEnabled:  c.Speech.Enabled,
		Persistence: c.Detection.Persistence,
	}
}
