package webmonitor

import (
	"time"

	"github.com/vision-alert/alert-server/internal/config"
)

// Config defines the runtime configuration for the dashboard server.
type Config struct {
	AllowedOrigins []string
	// UploadRate and UploadBurst limit /api/detect.
	UploadRate     float64
	UploadBurst    int
	MaxUploadBytes int64
	MJPEGInterval  time.Duration
	JPEGQuality    int
	KeepAlive      time.Duration
	// Threshold is applied to still images when the request has none.
	Threshold float64
}

// DefaultConfig returns the dashboard defaults.
func DefaultConfig() Config {
	return Config{
		UploadRate:     0.5,
		UploadBurst:    2,
		MaxUploadBytes: 10 << 20,
		MJPEGInterval:  100 * time.Millisecond,
		JPEGQuality:    75,
		KeepAlive:      30 * time.Second,
		Threshold:      0.5,
	}
}

// ConfigFrom derives the dashboard config from the application config.
func ConfigFrom(cfg config.Config) Config {
	c := DefaultConfig()
	c.AllowedOrigins = cfg.HTTP.AllowedOrigins
	c.UploadRate = cfg.HTTP.UploadRate
	c.UploadBurst = cfg.HTTP.UploadBurst
	c.MJPEGInterval = cfg.Camera.PreviewInterval
	c.Threshold = cfg.Detection.Confidence
	return c
}
