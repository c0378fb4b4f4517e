package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/vision-alert/alert-server/internal/camera"
	"github.com/vision-alert/alert-server/internal/config"
	"github.com/vision-alert/alert-server/internal/controller"
	"github.com/vision-alert/alert-server/internal/detection"
	"github.com/vision-alert/alert-server/internal/emitter"
	"github.com/vision-alert/alert-server/internal/events"
	"github.com/vision-alert/alert-server/internal/genkit"
	"github.com/vision-alert/alert-server/internal/logger"
	"github.com/vision-alert/alert-server/internal/metrics"
	"github.com/vision-alert/alert-server/internal/recorder"
	"github.com/vision-alert/alert-server/internal/sampler"
	"github.com/vision-alert/alert-server/internal/speech"
	"github.com/vision-alert/alert-server/internal/webmonitor"
	"github.com/vision-alert/alert-server/internal/webrtc"
)

const shutdownTimeout = 5 * time.Second

var (
	configPath  = flag.String("config", "", "YAML config file (watched for setting changes)")
	httpAddr    = flag.String("http", "", "HTTP server address (overrides config)")
	metricsAddr = flag.String("metrics", "", "Metrics server address (overrides config)")
	pprofAddr   = flag.String("pprof", "", "pprof server address (overrides config)")
	source      = flag.String("source", "", "Frame source: webcam or directory (overrides config)")
	frameDir    = flag.String("frames", "", "Image directory for the directory source")
	aiBaseURL   = flag.String("ai", "", "Flow server base URL (overrides config)")
	mqttBroker  = flag.String("mqtt", "", "MQTT broker address (overrides config)")
	recordPath  = flag.String("record-path", "", "Recording output path (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)
	defer func() { _ = logger.Sync() }()

	logger.Info("Main", "Alert server starting...")
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Main", "Server error: %v", err)
		os.Exit(1)
	}
	logger.Info("Main", "Server stopped")
}

func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTP.Addr = *httpAddr
		case "metrics":
			cfg.HTTP.MetricsAddr = *metricsAddr
		case "pprof":
			cfg.HTTP.PprofAddr = *pprofAddr
		case "source":
			cfg.Camera.Source = *source
		case "frames":
			cfg.Camera.Directory = *frameDir
			if cfg.Camera.Source == "webcam" && *source == "" {
				cfg.Camera.Source = "directory"
			}
		case "ai":
			cfg.AI.BaseURL = *aiBaseURL
		case "mqtt":
			cfg.MQTT.Broker = *mqttBroker
		case "record-path":
			cfg.Recording.Path = *recordPath
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-color":
			cfg.Log.Color = *logColor
		}
	})
}

func newSource(cfg config.CameraConfig) camera.Source {
	if cfg.Source == "directory" {
		logger.Info("Main", "Frame source: directory %s", cfg.Directory)
		return camera.NewDirectorySource(cfg.Directory, cfg.FrameRate)
	}
	logger.Info("Main", "Frame source: webcam %q (%dx%d @ %.0f fps)", cfg.Device, cfg.Width, cfg.Height, cfg.FrameRate)
	return camera.NewWebcamSource(camera.WebcamConfig{
		DeviceID:  cfg.Device,
		Width:     cfg.Width,
		Height:    cfg.Height,
		FrameRate: cfg.FrameRate,
	})
}

func run(ctx context.Context, cfg config.Config) error {
	m := metrics.New()
	clk := clock.New()

	flows := genkit.NewClient(cfg.AI.BaseURL, genkit.WithAPIKey(cfg.AI.APIKey), genkit.WithTimeout(cfg.AI.Timeout))
	if err := flows.Ping(ctx); err != nil {
		logger.Warn("Main", "%v (detections will fail until it is reachable)", err)
	}
	detector := detection.NewClient(flows, cfg.AI.DetectFlow, cfg.AI.ThresholdFlow)
	synth := speech.NewSynthesizer(flows, cfg.AI.SpeechFlow)

	session := camera.NewSession(newSource(cfg.Camera), clk, cfg.Detection.Interval)
	smp := sampler.New(session, sampler.Options{Size: cfg.Detection.SampleSize, Quality: cfg.Detection.JPEGQuality})

	rec := recorder.NewRecorder(cfg.Recording.Path, m)
	defer func() {
		if err := rec.Close(); err != nil {
			logger.Warn("Main", "Close recorder: %v", err)
		}
	}()

	// The controller is created after the sinks that acknowledge playback.
	var ctrl *controller.Controller
	ack := func(id uint64) {
		if ctrl != nil {
			ctrl.PlaybackEnded(id)
		}
	}

	sinks := events.Fanout{rec}

	var rtc *webrtc.Server
	if cfg.WebRTC.Enabled {
		rtc = webrtc.NewServer(webrtc.Options{
			STUNServers:     cfg.WebRTC.STUNServers,
			MaxClients:      cfg.WebRTC.MaxClients,
			OnPlaybackEnded: ack,
		}, m)
		defer rtc.Close()
		sinks = append(sinks, rtc)
	}

	var mqttEmitter *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		e, err := emitter.NewMQTTEmitter(cfg.MQTT, m)
		if err != nil {
			return err
		}
		if err := e.Connect(ctx); err != nil {
			logger.Warn("Main", "MQTT unavailable, retrying in background: %v", err)
		}
		defer e.Disconnect()
		mqttEmitter = e
		sinks = append(sinks, e)
	}

	monitor := webmonitor.NewMonitor(cfg.Camera.PreviewInterval)
	hub := webmonitor.NewEventBroadcaster(monitor)
	sinks = append(sinks, hub)

	ctrl = controller.New(controller.OptionsFromConfig(cfg), clk, session, smp, detector, synth, sinks, m)

	deps := webmonitor.Deps{
		Controller: ctrl,
		Frames:     session,
		Detector:   detector,
		Recorder:   rec,
		Events:     hub,
		Monitor:    monitor,
		Metrics:    m,
	}
	if rtc != nil {
		deps.WebRTC = rtc
	}
	if mqttEmitter != nil {
		deps.Bus = mqttEmitter
	}
	dashboard := webmonitor.NewServer(webmonitor.ConfigFrom(cfg), deps)
	defer dashboard.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ctrl.Run(ctx) })

	serve(ctx, g, "HTTP", &http.Server{Addr: cfg.HTTP.Addr, Handler: dashboard.Handler()})
	if cfg.HTTP.MetricsAddr != "" {
		serve(ctx, g, "Metrics", &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: m.Handler()})
	}
	if cfg.HTTP.PprofAddr != "" {
		serve(ctx, g, "pprof", &http.Server{Addr: cfg.HTTP.PprofAddr, Handler: http.DefaultServeMux})
	}

	if mqttEmitter != nil {
		g.Go(func() error { return mqttEmitter.Run(ctx) })
	}

	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, 0, func(t config.Tunables) {
			if err := ctrl.UpdateSettings(ctx, t); err != nil {
				logger.Warn("Main", "Apply reloaded settings: %v", err)
			}
		})
		if err != nil {
			logger.Warn("Main", "Config hot reload disabled: %v", err)
		} else {
			g.Go(func() error { return w.Run(ctx) })
		}
	}

	if cfg.Camera.AutoStart {
		g.Go(func() error {
			if _, err := ctrl.StartCamera(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Main", "Camera auto-start failed: %s (%v)", camera.UserMessage(camera.Classify(err)), err)
			}
			return nil
		})
	}

	logger.Info("Main", "Server started (http=%s metrics=%s ai=%s)", cfg.HTTP.Addr, cfg.HTTP.MetricsAddr, cfg.AI.BaseURL)
	return g.Wait()
}

// serve runs srv in g and shuts it down when ctx is done.
func serve(ctx context.Context, g *errgroup.Group, name string, srv *http.Server) {
	g.Go(func() error {
		logger.Info("Main", "Starting %s server on %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Main", "%s server shutdown: %v", name, err)
		}
		return nil
	})
}
