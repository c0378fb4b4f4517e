// Package webmonitor serves the dashboard: the HTML page, live event streams
// (SSE, WebSocket, WebRTC signalling), the MJPEG preview and the control API.
package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/vision-alert/alert-server/internal/camera"
	"github.com/vision-alert/alert-server/internal/config"
	"github.com/vision-alert/alert-server/internal/controller"
	"github.com/vision-alert/alert-server/internal/detection"
	"github.com/vision-alert/alert-server/internal/emitter"
	"github.com/vision-alert/alert-server/internal/events"
	"github.com/vision-alert/alert-server/internal/logger"
	"github.com/vision-alert/alert-server/internal/metrics"
	"github.com/vision-alert/alert-server/internal/overlay"
	"github.com/vision-alert/alert-server/internal/recorder"
	"github.com/vision-alert/alert-server/internal/sampler"
	rtc "github.com/vision-alert/alert-server/internal/webrtc"
	"github.com/vision-alert/alert-server/pkg/types"
)

// Controller is the part of the detection controller the dashboard drives.
type Controller interface {
	StartCamera(ctx context.Context) (camera.Status, error)
	StopCamera(ctx context.Context) (camera.Status, error)
	ModifySettings(ctx context.Context, fn func(config.Tunables) config.Tunables) (config.Tunables, error)
	Settings() config.Tunables
	Status() events.Status
	PlaybackEnded(id uint64)
}

// Detector runs still-image detection and threshold administration.
type Detector interface {
	Detect(ctx context.Context, frameURI string, threshold float64) ([]types.Detection, error)
	AdjustThreshold(ctx context.Context, threshold float64) (detection.ThresholdResult, error)
}

// OfferHandler answers WebRTC offers.
type OfferHandler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
	ClientCount() int
}

// BusReporter reports event bus delivery stats.
type BusReporter interface {
	Stats() emitter.Stats
}

// Deps are the collaborators of a Server. Everything except Controller may be
// nil; the matching endpoints then answer 503.
type Deps struct {
	Controller Controller
	Frames     FrameSource
	Detector   Detector
	Recorder   *recorder.Recorder
	WebRTC     OfferHandler
	Bus        BusReporter
	Events     *EventBroadcaster
	Monitor    *Monitor
	Metrics    *metrics.Metrics
}

// Server serves the dashboard endpoints.
type Server struct {
	cfg      Config
	ctrl     Controller
	detector Detector
	recorder *recorder.Recorder
	webrtc   OfferHandler
	bus      BusReporter
	metrics  *metrics.Metrics
	monitor  *Monitor
	events   *EventBroadcaster
	frames   *FrameBroadcaster
	limiter  *rate.Limiter
	cors     *cors.Cors
	upgrader websocket.Upgrader
}

// NewServer returns a configured dashboard server and starts the MJPEG
// broadcaster. Call Close to stop it.
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.MJPEGInterval <= 0 {
		cfg.MJPEGInterval = def.MJPEGInterval
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	if cfg.UploadBurst <= 0 {
		cfg.UploadBurst = def.UploadBurst
	}
	limit := rate.Limit(cfg.UploadRate)
	if cfg.UploadRate <= 0 {
		limit = rate.Inf
	}

	monitor := deps.Monitor
	if monitor == nil {
		monitor = NewMonitor(cfg.MJPEGInterval)
	}
	hub := deps.Events
	if hub == nil {
		hub = NewEventBroadcaster(monitor)
	}

	s := &Server{
		cfg:      cfg,
		ctrl:     deps.Controller,
		detector: deps.Detector,
		recorder: deps.Recorder,
		webrtc:   deps.WebRTC,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		monitor:  monitor,
		events:   hub,
		limiter:  rate.NewLimiter(limit, cfg.UploadBurst),
		cors: cors.New(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Accept"},
			ExposedHeaders: []string{"X-Content-Format", "X-Detection-Count"},
		}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return r.Header.Get("Origin") == "" || s.cors.OriginAllowed(r)
		},
	}

	if deps.Frames != nil {
		s.frames = NewFrameBroadcaster(deps.Frames, hub.Overlay, monitor, cfg.MJPEGInterval, cfg.JPEGQuality)
		if s.metrics != nil {
			s.frames.gauge = &s.metrics.StreamClients
		}
		s.frames.Start()
	}
	return s
}

// Events returns the broadcaster the controller should publish to.
func (s *Server) Events() *EventBroadcaster { return s.events }

// Close stops background work.
func (s *Server) Close() {
	if s.frames != nil {
		s.frames.Stop()
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/threshold", s.handleThreshold)
	mux.HandleFunc("/api/detect", s.handleDetect)
	mux.HandleFunc("/api/camera_status", s.handleCameraStatus)
	mux.HandleFunc("/api/camera/start", s.handleCameraStart)
	mux.HandleFunc("/api/camera/stop", s.handleCameraStop)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)

	return s.cors.Handler(mux)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.frames == nil {
		writeError(w, http.StatusServiceUnavailable, "camera preview not configured")
		return
	}
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	streamMJPEGFromChannel(r.Context(), w, frameCh)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	if s.metrics != nil {
		s.metrics.SSEClients.Add(1)
		defer metrics.Dec(&s.metrics.SSEClients)
	}

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf") ||
		r.URL.Query().Get("format") == "protobuf"

	streamEventsFromChannel(r.Context(), w, eventCh, useProtobuf, s.cfg.KeepAlive)
}

func (s *Server) statusPayload() StatusResponse {
	stats, latest, history := s.monitor.Snapshot()
	clients := map[string]int{"events": s.events.ClientCount()}
	if s.frames != nil {
		clients["mjpeg"] = s.frames.ClientCount()
	}
	if s.webrtc != nil {
		clients["webrtc"] = s.webrtc.ClientCount()
	}
	resp := StatusResponse{
		Status:           s.ctrl.Status(),
		Monitor:          stats,
		LatestDetection:  latest,
		DetectionHistory: history,
		Clients:          clients,
		Timestamp:        float64(time.Now().UnixMilli()) / 1000,
	}
	if s.bus != nil {
		bus := s.bus.Stats()
		resp.Bus = &bus
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.statusPayload()); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.ctrl.Settings())
	case http.MethodPost:
		var req SettingsRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		next, err := s.ctrl.ModifySettings(r.Context(), req.apply)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, next)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.detector == nil {
		writeError(w, http.StatusServiceUnavailable, "detection service not configured")
		return
	}
	var req ThresholdRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Threshold == nil {
		writeError(w, http.StatusBadRequest, "threshold is required")
		return
	}

	res, err := s.detector.AdjustThreshold(r.Context(), *req.Threshold)
	if err != nil {
		if errors.Is(err, detection.ErrInvalidThreshold) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Warn("WebMonitor", "Threshold flow failed: %v", err)
		writeError(w, http.StatusBadGateway, "threshold service unavailable")
		return
	}

	settings := s.ctrl.Settings()
	if res.Success {
		threshold := *req.Threshold
		settings, err = s.ctrl.ModifySettings(r.Context(), func(t config.Tunables) config.Tunables {
			t.Confidence = threshold
			return t
		})
		if err != nil {
			writeControllerError(w, err)
			return
		}
	}
	writeJSON(w, ThresholdResponse{Success: res.Success, Message: res.Message, Settings: settings})
}

// handleDetect runs detection on an uploaded still image. Boxes are returned
// in the uploaded image's pixel space; ?overlay=1 returns the annotated JPEG
// instead of JSON.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.detector == nil {
		writeError(w, http.StatusServiceUnavailable, "detection service not configured")
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusTooManyRequests, "too many detection requests")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	img, err := imaging.Decode(file, imaging.AutoOrientation(true))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported image %s: %v", header.Filename, err))
		return
	}

	threshold := s.cfg.Threshold
	if s.ctrl != nil {
		threshold = s.ctrl.Settings().Confidence
	}
	if v := r.FormValue("threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "threshold must be a number")
			return
		}
		threshold = t
	}

	sample, err := sampler.Encode(img, sampler.DefaultOptions())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	started := time.Now()
	dets, err := s.detector.Detect(r.Context(), sample.DataURI, threshold)
	latency := time.Since(started)
	if err != nil {
		if errors.Is(err, detection.ErrInvalidThreshold) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.metrics != nil {
			s.metrics.DetectionErrors.Add(1)
		}
		logger.Warn("WebMonitor", "Still image detection failed: %v", err)
		writeError(w, http.StatusBadGateway, "detection service unavailable")
		return
	}
	if s.metrics != nil {
		s.metrics.StillImages.Add(1)
	}

	for i := range dets {
		dets[i].BBox = overlay.Scale(dets[i].BBox, sample.Encoded, sample.Source)
	}
	logger.Info("WebMonitor", "Still image %s: %d detections in %s", header.Filename, len(dets), latency.Round(time.Millisecond))

	if r.URL.Query().Get("overlay") == "1" {
		annotated, err := overlay.Rasterize(img, overlay.Render(dets, sample.Source, sample.Source))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("X-Detection-Count", strconv.Itoa(len(dets)))
		if err := imaging.Encode(w, annotated, imaging.JPEG, imaging.JPEGQuality(s.cfg.JPEGQuality)); err != nil {
			logger.Debug("WebMonitor", "Write annotated image: %v", err)
		}
		return
	}

	if dets == nil {
		dets = []types.Detection{}
	}
	writeJSON(w, DetectResponse{
		Detections: dets,
		Source:     sample.Source,
		LatencyMs:  latency.Milliseconds(),
		Threshold:  threshold,
	})
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, CameraResponse{Camera: s.ctrl.Status().Camera})
}

func (s *Server) handleCameraStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.ctrl.StartCamera(r.Context())
	if err != nil {
		if errors.Is(err, controller.ErrStopped) || errors.Is(err, context.Canceled) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSONWithStatus(w, CameraResponse{Camera: st, Error: camera.UserMessage(st.Category)}, http.StatusConflict)
		return
	}
	writeJSON(w, CameraResponse{Camera: st})
}

func (s *Server) handleCameraStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.ctrl.StopCamera(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, CameraResponse{Camera: st})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "recording not configured")
		return
	}
	st, err := s.recorder.Start()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "recording not configured")
		return
	}
	st, err := s.recorder.Stop()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.recorder.Status())
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.webrtc == nil {
		writeError(w, http.StatusServiceUnavailable, "webrtc disabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offer data")
		return
	}
	answer, err := s.webrtc.HandleOffer(body)
	if err != nil {
		logger.Warn("WebMonitor", "WebRTC offer rejected: %v", err)
		if errors.Is(err, rtc.ErrTooManyClients) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid offer data")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) playbackEnded(id uint64) {
	if s.ctrl != nil {
		s.ctrl.PlaybackEnded(id)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeControllerError(w http.ResponseWriter, err error) {
	if errors.Is(err, controller.ErrStopped) || errors.Is(err, context.Canceled) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONWithStatus(w, map[string]any{"error": msg}, status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
