package webmonitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vision-alert/alert-server/internal/events"
	"github.com/vision-alert/alert-server/internal/logger"
	"github.com/vision-alert/alert-server/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingEvery  = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
	maxMessage = 4096
)

// handleWebSocket pushes every event to the dashboard and accepts playback
// acknowledgements. ?format=cbor selects binary CBOR frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("WebSocket", "Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	useCBOR := r.URL.Query().Get("format") == "cbor"
	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	if s.metrics != nil {
		s.metrics.WebSocketClients.Add(1)
		defer metrics.Dec(&s.metrics.WebSocketClients)
	}
	logger.Info("WebSocket", "Client #%d connected from %s (cbor=%v)", id, r.RemoteAddr, useCBOR)

	var writeMu sync.Mutex
	write := func(messageType int, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, payload)
	}

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("WebSocket", "Client #%d read: %v", id, err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			msg, err := events.ParseClientMessage(data)
			if err != nil {
				logger.Debug("WebSocket", "Client #%d: %v", id, err)
				continue
			}
			s.playbackEnded(msg.ID)
		}
	}()

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			logger.Info("WebSocket", "Client #%d disconnected", id)
			return
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			var err error
			if useCBOR {
				err = write(websocket.BinaryMessage, event.CBORData)
			} else {
				err = write(websocket.TextMessage, event.JSONData)
			}
			if err != nil {
				logger.Debug("WebSocket", "Client #%d write: %v", id, err)
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
