package webmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"net/http"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/vision-alert/alert-server/internal/logger"
)

const (
	contentFormatJSON     = "application/json"
	contentFormatProtobuf = "application/protobuf"
)

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

var (
	blankOnce sync.Once
	blankData []byte
	blankErr  error
)

// blankJPEG is shown while the camera is idle: colour bars with a caption.
func blankJPEG() ([]byte, error) {
	blankOnce.Do(func() {
		const width, height = 640, 480
		bars := []color.RGBA{
			{R: 255, G: 255, B: 255, A: 255},
			{R: 255, G: 255, B: 0, A: 255},
			{R: 0, G: 255, B: 255, A: 255},
			{R: 0, G: 255, B: 0, A: 255},
			{R: 255, G: 0, B: 255, A: 255},
			{R: 255, G: 0, B: 0, A: 255},
			{R: 0, G: 0, B: 255, A: 255},
			{R: 0, G: 0, B: 0, A: 255},
		}

		dc := gg.NewContext(width, height)
		barWidth := float64(width) / float64(len(bars))
		for i, c := range bars {
			dc.SetColor(c)
			dc.DrawRectangle(float64(i)*barWidth, 0, barWidth, height)
			dc.Fill()
		}
		dc.SetRGBA(0, 0, 0, 0.7)
		dc.DrawRectangle(0, height/2-30, width, 60)
		dc.Fill()
		dc.SetRGB(1, 1, 1)
		dc.DrawStringAnchored("camera idle", width/2, height/2, 0.5, 0.35)

		var buf bytes.Buffer
		if blankErr = imaging.Encode(&buf, dc.Image(), imaging.JPEG, imaging.JPEGQuality(75)); blankErr == nil {
			blankData = buf.Bytes()
		}
	})
	return blankData, blankErr
}

// streamMJPEGFromChannel streams MJPEG from a channel (fanout pattern). Nil
// frames and quiet periods show the placeholder.
func streamMJPEGFromChannel(ctx context.Context, w http.ResponseWriter, frameCh <-chan []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	blank, err := blankJPEG()
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	for {
		jpegData := blank
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			if data != nil {
				jpegData = data
			}
		case <-time.After(5 * time.Second):
		}

		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		if _, err := w.Write(jpegData); err != nil {
			logger.Debug("MJPEG", "Client disconnected during frame write: %v", err)
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			logger.Debug("MJPEG", "Client disconnected during delimiter write: %v", err)
			return
		}
		flusher.Flush()
	}
}

// streamEventsFromChannel streams pre-serialized events to an SSE client,
// naming each SSE event after the event type.
func streamEventsFromChannel(ctx context.Context, w http.ResponseWriter, eventCh <-chan *SerializedEvent, useProtobuf bool, keepAlive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", contentFormatProtobuf)
	} else {
		w.Header().Set("X-Content-Format", contentFormatJSON)
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
