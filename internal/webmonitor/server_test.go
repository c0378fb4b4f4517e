package webmonitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vision-alert/alert-server/internal/camera"
	"github.com/vision-alert/alert-server/internal/config"
	"github.com/vision-alert/alert-server/internal/controller"
	"github.com/vision-alert/alert-server/internal/detection"
	"github.com/vision-alert/alert-server/internal/emitter"
	"github.com/vision-alert/alert-server/internal/events"
	"github.com/vision-alert/alert-server/internal/metrics"
	"github.com/vision-alert/alert-server/internal/overlay"
	"github.com/vision-alert/alert-server/internal/recorder"
	"github.com/vision-alert/alert-server/pkg/types"
)

type fakeController struct {
	mu       sync.Mutex
	settings config.Tunables
	camera   camera.Status
	startErr error
	acks     []uint64
}

func newFakeController() *fakeController {
	return &fakeController{
		settings: config.Tunables{Confidence: 0.5, TTSEnabled: true, Persistence: 2},
		camera:   camera.Status{State: camera.StateIdle},
	}
}

func (f *fakeController) StartCamera(ctx context.Context) (camera.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.camera = camera.Status{State: camera.StateError, Category: camera.Classify(f.startErr), Error: f.startErr.Error()}
		return f.camera, f.startErr
	}
	f.camera = camera.Status{State: camera.StateActive, SessionID: "s1"}
	return f.camera, nil
}

func (f *fakeController) StopCamera(ctx context.Context) (camera.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.camera = camera.Status{State: camera.StateIdle}
	return f.camera, nil
}

func (f *fakeController) ModifySettings(ctx context.Context, fn func(config.Tunables) config.Tunables) (config.Tunables, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := fn(f.settings)
	if err := controller.ValidateSettings(next); err != nil {
		return config.Tunables{}, err
	}
	f.settings = next
	return next, nil
}

func (f *fakeController) Settings() config.Tunables {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeController) Status() events.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return events.Status{Camera: f.camera, Settings: f.settings}
}

func (f *fakeController) PlaybackEnded(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, id)
}

func (f *fakeController) setStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *fakeController) ackedIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.acks...)
}

type fakeDetector struct {
	mu        sync.Mutex
	dets      []types.Detection
	err       error
	threshold float64
	adjust    detection.ThresholdResult
}

func (f *fakeDetector) Detect(ctx context.Context, uri string, threshold float64) ([]types.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, _, err := types.DecodeDataURI(uri); err != nil {
		return nil, err
	}
	f.threshold = threshold
	return append([]types.Detection(nil), f.dets...), f.err
}

func (f *fakeDetector) AdjustThreshold(ctx context.Context, threshold float64) (detection.ThresholdResult, error) {
	if threshold < 0 || threshold > 1 {
		return detection.ThresholdResult{}, detection.ErrInvalidThreshold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adjust, nil
}

func (f *fakeDetector) set(dets []types.Detection, adjust detection.ThresholdResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dets, f.adjust = dets, adjust
}

type harness struct {
	srv  *Server
	ctrl *fakeController
	det  *fakeDetector
	m    *metrics.Metrics
	http *httptest.Server
}

func newHarness(t *testing.T, cfg Config, deps Deps) *harness {
	t.Helper()
	h := &harness{ctrl: newFakeController(), det: &fakeDetector{}, m: metrics.New()}
	if deps.Controller == nil {
		deps.Controller = h.ctrl
	}
	if deps.Detector == nil {
		deps.Detector = h.det
	}
	deps.Metrics = h.m
	h.srv = NewServer(cfg, deps)
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		h.http.Close()
		h.srv.Close()
	})
	return h
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
	}
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", resp.Request.URL.Path, err)
	}
	return v
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestSettingsPartialUpdate(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Deps{})

	resp := postJSON(t, h.http.URL+"/api/settings", `{"confidence":0.7}`)
	requireStatus(t, resp, http.StatusOK)
	got := decodeJSON[config.Tunables](t, resp)
	want := config.Tunables{Confidence: 0.7, TTSEnabled: true, Persistence: 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("settings (-want +got):\n%s", diff)
	}

	resp = postJSON(t, h.http.URL+"/api/settings", `{"persistence":42}`)
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, h.http.URL+"/api/settings", `{"volume":3}`)
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp, err := http.Get(h.http.URL + "/api/settings")
	if err != nil {
		t.Fatalf("GET settings: %v", err)
	}
	if got := decodeJSON[config.Tunables](t, resp); got != want {
		t.Fatalf("settings after rejected update = %+v", got)
	}
}

func TestCameraStartFailureReportsCategory(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Deps{})
	h.ctrl.setStartErr(errors.New("open /dev/video0: permission denied"))

	resp := postJSON(t, h.http.URL+"/api/camera/start", "")
	requireStatus(t, resp, http.StatusConflict)
	body := decodeJSON[CameraResponse](t, resp)
	if body.Camera.Category != camera.CategoryPermissionDenied || body.Error == "" {
		t.Fatalf("response = %+v", body)
	}

	h.ctrl.setStartErr(nil)
	resp = postJSON(t, h.http.URL+"/api/camera/start", "")
	requireStatus(t, resp, http.StatusOK)
	if body := decodeJSON[CameraResponse](t, resp); body.Camera.State != camera.StateActive {
		t.Fatalf("camera after retry = %+v", body.Camera)
	}

	resp = postJSON(t, h.http.URL+"/api/camera/stop", "")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp, err := http.Get(h.http.URL + "/api/camera_status")
	if err != nil {
		t.Fatalf("GET camera_status: %v", err)
	}
	if body := decodeJSON[CameraResponse](t, resp); body.Camera.State != camera.StateIdle {
		t.Fatalf("camera status = %+v", body.Camera)
	}
}

func TestThresholdUpdatesConfidenceOnSuccess(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Deps{})
	h.det.set(nil, detection.ThresholdResult{Success: true, Message: "threshold set"})

	resp := postJSON(t, h.http.URL+"/api/threshold", `{"threshold":0.8}`)
	requireStatus(t, resp, http.StatusOK)
	body := decodeJSON[ThresholdResponse](t, resp)
	if !body.Success || body.Settings.Confidence != 0.8 {
		t.Fatalf("response = %+v", body)
	}

	resp = postJSON(t, h.http.URL+"/api/threshold", `{"threshold":1.5}`)
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func uploadImage(t *testing.T, url string, img image.Image) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "frame.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if err := png.Encode(part, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	mw.Close()
	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestDetectStillImageScalesToUpload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UploadRate, cfg.UploadBurst = 0.001, 2
	h := newHarness(t, cfg, Deps{})
	h.det.set([]types.Detection{{Class: "STOP", Confidence: 0.9, BBox: types.BBox{X: 104, Y: 104, W: 52, H: 52}}}, detection.ThresholdResult{})
	img := image.NewRGBA(image.Rect(0, 0, 832, 624))

	resp := uploadImage(t, h.http.URL+"/api/detect", img)
	requireStatus(t, resp, http.StatusOK)
	body := decodeJSON[DetectResponse](t, resp)
	if len(body.Detections) != 1 {
		t.Fatalf("detections = %+v", body.Detections)
	}
	if got, want := body.Detections[0].BBox, (types.BBox{X: 208, Y: 156, W: 104, H: 78}); got != want {
		t.Fatalf("bbox = %+v, want %+v", got, want)
	}
	if body.Source != (types.Size{Width: 832, Height: 624}) || body.Threshold != 0.5 {
		t.Fatalf("response = %+v", body)
	}

	resp = uploadImage(t, h.http.URL+"/api/detect?overlay=1", img)
	requireStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" || resp.Header.Get("X-Detection-Count") != "1" {
		t.Fatalf("overlay response headers: %v", resp.Header)
	}
	annotated, err := jpeg.Decode(resp.Body)
	resp.Body.Close()
	if err != nil || annotated.Bounds().Dx() != 832 {
		t.Fatalf("annotated image: %v", err)
	}

	resp = uploadImage(t, h.http.URL+"/api/detect", img)
	requireStatus(t, resp, http.StatusTooManyRequests)
	resp.Body.Close()

	if h.m.StillImages.Load() != 2 {
		t.Fatalf("still images = %d", h.m.StillImages.Load())
	}
}

func TestDetectRequiresFile(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Deps{})
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("threshold", "0.4")
	mw.Close()
	resp, err := http.Post(h.http.URL+"/api/detect", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRecordingEndpoints(t *testing.T) {
	rec := recorder.NewRecorder(filepath.Join(t.TempDir(), "rec"), nil)
	h := newHarness(t, DefaultConfig(), Deps{Recorder: rec})

	resp := postJSON(t, h.http.URL+"/api/recording/start", "")
	requireStatus(t, resp, http.StatusOK)
	if st := decodeJSON[recorder.RecordingStatus](t, resp); !st.Recording {
		t.Fatalf("status after start = %+v", st)
	}
	resp = postJSON(t, h.http.URL+"/api/recording/start", "")
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, h.http.URL+"/api/recording/stop", "")
	requireStatus(t, resp, http.StatusOK)
	if st := decodeJSON[recorder.RecordingStatus](t, resp); st.Recording || st.Filename == "" {
		t.Fatalf("status after stop = %+v", st)
	}
}

func TestUnconfiguredEndpoints(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Deps{})
	for _, path := range []string{"/api/recording/start", "/api/webrtc/offer"} {
		resp := postJSON(t, h.http.URL+path, "{}")
		requireStatus(t, resp, http.StatusServiceUnavailable)
		resp.Body.Close()
	}
	resp, err := http.Get(h.http.URL + "/stream")
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	requireStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestSerializeEventFormatsAgree(t *testing.T) {
	e := events.Event{
		Type: events.TypeDetections,
		Detections: &types.DetectionResult{
			SessionID:  "s1",
			Cycle:      3,
			Detections: []types.Detection{{Class: "RED_LIGHT", Confidence: 0.75, BBox: types.BBox{X: 1, Y: 2, W: 3, H: 4}}},
		},
		Overlay: overlay.Clear(),
	}
	ser, err := serializeEvent(e)
	if err != nil {
		t.Fatalf("serializeEvent: %v", err)
	}

	var fromJSON any
	if err := json.Unmarshal(ser.JSONData, &fromJSON); err != nil {
		t.Fatalf("json: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(string(ser.ProtobufData))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	var value structpb.Value
	if err := proto.Unmarshal(raw, &value); err != nil {
		t.Fatalf("protobuf: %v", err)
	}
	if diff := cmp.Diff(fromJSON, value.AsInterface()); diff != "" {
		t.Fatalf("protobuf shape (-json +pb):\n%s", diff)
	}

	var fromCBOR struct {
		Type       string `cbor:"type"`
		Detections struct {
			Detections []struct {
				Class string    `cbor:"class"`
				BBox  []float64 `cbor:"bbox"`
			} `cbor:"detections"`
		} `cbor:"detections"`
	}
	if err := cbor.Unmarshal(ser.CBORData, &fromCBOR); err != nil {
		t.Fatalf("cbor: %v", err)
	}
	if fromCBOR.Type != "detections" || len(fromCBOR.Detections.Detections) != 1 {
		t.Fatalf("cbor event = %+v", fromCBOR)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4}, fromCBOR.Detections.Detections[0].BBox); diff != "" {
		t.Fatalf("cbor bbox (-want +got):\n%s", diff)
	}
}

func readSSEData(t *testing.T, sc *bufio.Scanner) (string, string) {
	t.Helper()
	var name string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			return name, strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return "", ""
}

func TestEventsSSEReplaysStatusThenStreams(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Deps{})
	hub := h.srv.Events()
	hub.Publish(events.Event{Type: events.TypeStatus, Status: &events.Status{Camera: camera.Status{State: camera.StateActive}}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.http.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Content-Format") != contentFormatJSON {
		t.Fatalf("format header = %q", resp.Header.Get("X-Content-Format"))
	}
	sc := bufio.NewScanner(resp.Body)

	name, data := readSSEData(t, sc)
	if name != "status" || !strings.Contains(data, `"state":"active"`) {
		t.Fatalf("first event %s: %s", name, data)
	}

	hub.Publish(events.Event{Type: events.TypeNotice, Notice: &events.Notice{Level: "warning", Message: "detection failed"}})
	name, data = readSSEData(t, sc)
	if name != "notice" || !strings.Contains(data, "detection failed") {
		t.Fatalf("second event %s: %s", name, data)
	}
}

func TestEventsSSEProtobuf(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Deps{})
	h.srv.Events().Publish(events.Event{Type: events.TypeStatus, Status: &events.Status{Speaking: true}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.http.URL+"/api/events", nil)
	req.Header.Set("Accept", "application/x-protobuf")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Content-Format") != contentFormatProtobuf {
		t.Fatalf("format header = %q", resp.Header.Get("X-Content-Format"))
	}

	_, data := readSSEData(t, bufio.NewScanner(resp.Body))
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	var value structpb.Value
	if err := proto.Unmarshal(raw, &value); err != nil {
		t.Fatalf("protobuf: %v", err)
	}
	status := value.GetStructValue().GetFields()["status"].GetStructValue()
	if !status.GetFields()["speaking"].GetBoolValue() {
		t.Fatalf("decoded status = %v", status)
	}
}

func dialWS(t *testing.T, h *harness, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *EventBroadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("%d subscribers, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketDeliversEventsAndAcks(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Deps{})
	conn := dialWS(t, h, "")
	waitForClients(t, h.srv.Events(), 1)

	h.srv.Events().Publish(events.Event{
		Type:         events.TypeAnnouncement,
		Announcement: &events.Announcement{ID: 5, Class: "STOP", Text: "STOP"},
	})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil || messageType != websocket.TextMessage {
		t.Fatalf("read: type=%d err=%v", messageType, err)
	}
	var got events.Event
	if err := json.Unmarshal(data, &got); err != nil || got.Announcement == nil || got.Announcement.ID != 5 {
		t.Fatalf("event = %s (%v)", data, err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"playback_ended","id":5}`)); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.ctrl.ackedIDs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if diff := cmp.Diff([]uint64{5}, h.ctrl.ackedIDs()); diff != "" {
		t.Fatalf("acks (-want +got):\n%s", diff)
	}
}

func TestWebSocketCBOR(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Deps{})
	conn := dialWS(t, h, "?format=cbor")
	waitForClients(t, h.srv.Events(), 1)

	h.srv.Events().Publish(events.Event{Type: events.TypeNotice, Notice: &events.Notice{Level: "info", Message: "camera started"}})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil || messageType != websocket.BinaryMessage {
		t.Fatalf("read: type=%d err=%v", messageType, err)
	}
	var got struct {
		Type   string `cbor:"type"`
		Notice struct {
			Message string `cbor:"message"`
		} `cbor:"notice"`
	}
	if err := cbor.Unmarshal(data, &got); err != nil {
		t.Fatalf("cbor: %v", err)
	}
	if got.Type != "notice" || got.Notice.Message != "camera started" {
		t.Fatalf("event = %+v", got)
	}
}

type staticFrames struct{ frame types.Frame }

func (s staticFrames) Latest() (types.Frame, bool) { return s.frame, s.frame.Image != nil }

func TestFrameBroadcasterRendersOverlay(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	ops := overlay.Render([]types.Detection{{Class: "RED_LIGHT", Confidence: 0.9, BBox: types.BBox{X: 40, Y: 40, W: 100, H: 100}}},
		types.Size{Width: 320, Height: 240}, types.Size{Width: 320, Height: 240})
	fb := NewFrameBroadcaster(staticFrames{types.Frame{Image: img, FrameNum: 1}}, func() []overlay.Op { return ops }, nil, time.Second, 90)

	data := fb.generateOverlay()
	if data == nil {
		t.Fatalf("no frame rendered")
	}
	decoded, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r, g, b, _ := decoded.At(40, 90).RGBA()
	if (color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8)}) == (color.RGBA{R: 255, G: 255, B: 255}) {
		t.Fatalf("box edge not drawn")
	}

	if (NewFrameBroadcaster(staticFrames{}, nil, nil, time.Second, 90)).generateOverlay() != nil {
		t.Fatalf("frame rendered without a camera frame")
	}
}

func TestStatusIncludesHistory(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Deps{})
	h.srv.Events().Publish(events.Event{
		Type:       events.TypeDetections,
		Detections: &types.DetectionResult{Detections: []types.Detection{{Class: "STOP", Confidence: 0.9, BBox: types.BBox{W: 1, H: 1}}}},
	})
	h.srv.Events().Publish(events.Event{Type: events.TypeDetections, Detections: &types.DetectionResult{Detections: []types.Detection{}}})

	resp, err := http.Get(h.http.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	requireStatus(t, resp, http.StatusOK)
	body := decodeJSON[StatusResponse](t, resp)
	if body.Monitor.DetectionCycles != 2 || len(body.DetectionHistory) != 1 || body.LatestDetection == nil {
		t.Fatalf("status = %+v", body)
	}
	if body.Settings.Persistence != 2 {
		t.Fatalf("embedded settings = %+v", body.Settings)
	}
	if body.Bus != nil {
		t.Fatalf("bus stats without an emitter: %+v", body.Bus)
	}
}

type fakeBus emitter.Stats

func (b fakeBus) Stats() emitter.Stats { return emitter.Stats(b) }

func TestStatusIncludesBusStats(t *testing.T) {
	bus := fakeBus{Connected: true, Published: map[string]uint64{"car/alerts/detections": 3}, Errors: 1}
	h := newHarness(t, DefaultConfig(), Deps{Bus: bus})

	resp, err := http.Get(h.http.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	requireStatus(t, resp, http.StatusOK)
	body := decodeJSON[StatusResponse](t, resp)
	if body.Bus == nil {
		t.Fatal("bus stats missing")
	}
	if diff := cmp.Diff(emitter.Stats(bus), *body.Bus); diff != "" {
		t.Fatalf("bus stats (-want +got):\n%s", diff)
	}
}

func TestSettingsUpdatesMerge(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Deps{})

	var wg sync.WaitGroup
	for _, body := range []string{`{"confidence":0.65}`, `{"tts_enabled":false}`, `{"persistence":5}`} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(h.http.URL+"/api/settings", "application/json", strings.NewReader(body))
			if err != nil {
				t.Errorf("POST settings: %v", err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()

	want := config.Tunables{Confidence: 0.65, TTSEnabled: false, Persistence: 5}
	if diff := cmp.Diff(want, h.ctrl.Settings()); diff != "" {
		t.Fatalf("settings (-want +got):\n%s", diff)
	}
}
