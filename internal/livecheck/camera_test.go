package livecheck

import (
	"net/http"
	"os"
	"testing"
)

// Stopping and starting the camera disturbs a running deployment, so the
// check only runs on request.
func TestLiveCameraRestart(t *testing.T) {
	if os.Getenv("ALERT_CAMERA_RESTART") == "" {
		t.Skip("set ALERT_CAMERA_RESTART=1 to enable the camera restart check")
	}
	client := newLiveClient(t)

	resp, body := client.postJSON(t, "/api/camera/stop", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/camera/stop status = %d", resp.StatusCode)
	}
	if state := assertCamera(t, requireMap(t, decodeJSONMap(t, body)["camera"], "camera")); state != "idle" {
		t.Fatalf("state after stop = %q", state)
	}

	resp, body = client.postJSON(t, "/api/camera/start", map[string]any{})
	payload := decodeJSONMap(t, body)
	state := assertCamera(t, requireMap(t, payload["camera"], "camera"))
	switch resp.StatusCode {
	case http.StatusOK:
		if state != "active" {
			t.Fatalf("state after start = %q", state)
		}
	case http.StatusConflict:
		if state != "error" {
			t.Fatalf("failed start left state %q", state)
		}
		requireString(t, payload["error"], "error")
		cam := requireMap(t, payload["camera"], "camera")
		requireString(t, cam["error_category"], "camera.error_category")
	default:
		t.Fatalf("POST /api/camera/start status = %d", resp.StatusCode)
	}
}
