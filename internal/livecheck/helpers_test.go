package livecheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:8080"
	defaultRequestTimeout = 2 * time.Second
)

type liveClient struct {
	baseURL string
	client  *http.Client
}

func newLiveClient(t *testing.T) *liveClient {
	t.Helper()
	baseURL := os.Getenv("ALERT_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/api/status") {
		t.Skipf("alert server not reachable at %s (set ALERT_BASE_URL to run)", baseURL)
	}

	return &liveClient{
		baseURL: baseURL,
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *liveClient) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *liveClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return c.do(t, req)
}

func (c *liveClient) getResponse(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func (c *liveClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(t, req)
}

// readSSEEvent returns the first complete event block of an SSE stream.
func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 512)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				return string(buf[:idx]), resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertDetection(t *testing.T, raw any, field string) {
	t.Helper()
	det := requireMap(t, raw, field)
	requireString(t, det["class"], field+".class")
	conf := requireNumber(t, det["confidence"], field+".confidence")
	if conf < 0 || conf > 1 {
		t.Fatalf("%s.confidence = %v outside [0, 1]", field, conf)
	}
	bbox := requireSlice(t, det["bbox"], field+".bbox")
	if len(bbox) != 4 {
		t.Fatalf("%s.bbox has %d elements", field, len(bbox))
	}
	for i, v := range bbox {
		requireNumber(t, v, fmt.Sprintf("%s.bbox[%d]", field, i))
	}
}

func assertSettings(t *testing.T, payload map[string]any) {
	t.Helper()
	requireNumber(t, payload["confidence"], "settings.confidence")
	requireBool(t, payload["tts_enabled"], "settings.tts_enabled")
	requireNumber(t, payload["persistence"], "settings.persistence")
}

func assertCamera(t *testing.T, payload map[string]any) string {
	t.Helper()
	state := requireString(t, payload["state"], "camera.state")
	switch state {
	case "idle", "starting", "active", "error":
	default:
		t.Fatalf("camera.state = %q", state)
	}
	requireNumber(t, payload["frame_number"], "camera.frame_number")
	requireMap(t, payload["source"], "camera.source")
	return state
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	assertCamera(t, requireMap(t, payload["camera"], "camera"))
	assertSettings(t, requireMap(t, payload["settings"], "settings"))
	requireBool(t, payload["speaking"], "speaking")
	requireNumber(t, payload["queue_depth"], "queue_depth")
	requireNumber(t, payload["cycle"], "cycle")
	requireNumber(t, payload["consecutive_failures"], "consecutive_failures")

	monitor := requireMap(t, payload["monitor"], "monitor")
	requireNumber(t, monitor["frames_streamed"], "monitor.frames_streamed")
	requireNumber(t, monitor["current_fps"], "monitor.current_fps")
	requireNumber(t, monitor["detection_count"], "monitor.detection_count")
	requireNumber(t, monitor["announcements"], "monitor.announcements")

	requireMap(t, payload["clients"], "clients")
	requireNumber(t, payload["timestamp"], "timestamp")
	if payload["detection_history"] != nil {
		for i, raw := range requireSlice(t, payload["detection_history"], "detection_history") {
			entry := requireMap(t, raw, fmt.Sprintf("detection_history[%d]", i))
			for j, det := range requireSlice(t, entry["detections"], "detection_history.detections") {
				assertDetection(t, det, fmt.Sprintf("detection_history[%d].detections[%d]", i, j))
			}
		}
	}
}
