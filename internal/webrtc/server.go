// Package webrtc delivers controller events to dashboards over a WebRTC data
// channel opened by the browser.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/vision-alert/alert-server/internal/events"
	"github.com/vision-alert/alert-server/internal/logger"
	"github.com/vision-alert/alert-server/internal/metrics"
)

// ChannelLabel is the data channel label dashboards must use.
const ChannelLabel = "events"

// maxMessageSize bounds a single data channel message. Announcements whose
// audio would exceed it are sent without the audio payload.
const maxMessageSize = 64 * 1024

var ErrTooManyClients = errors.New("maximum clients reached")

// Options configures a Server.
type Options struct {
	STUNServers []string
	MaxClients  int
	// IncludeLoopback adds loopback ICE candidates (tests, single-host setups).
	IncludeLoopback bool
	// OnPlaybackEnded receives dashboard acknowledgements.
	OnPlaybackEnded func(id uint64)
}

// Client represents a connected WebRTC client
type Client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	eventChan  chan []byte
	closeChan  chan struct{}
	statsMu    sync.Mutex
	eventsSent uint64
	eventsDrop uint64
}

// Server manages WebRTC connections
type Server struct {
	clients   map[string]*Client
	clientsMu sync.RWMutex
	config    webrtc.Configuration
	opts      Options
	api       *webrtc.API
	metrics   *metrics.Metrics
}

// NewServer creates a new WebRTC server. m may be nil.
func NewServer(opts Options, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(opts.STUNServers))
	for _, url := range opts.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 10
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})
	if opts.IncludeLoopback {
		settingsEngine.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients: make(map[string]*Client),
		config:  webrtc.Configuration{ICEServers: iceServers},
		opts:    opts,
		api:     api,
		metrics: m,
	}
}

// HandleOffer answers a browser offer. The offer must include a data channel
// labelled ChannelLabel; events flow once it opens.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected type offer with sdp")
	}

	if n := s.ClientCount(); n >= s.opts.MaxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.opts.MaxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        "client-" + uuid.NewString()[:8],
		peerConn:  peerConn,
		eventChan: make(chan []byte, 16),
		closeChan: make(chan struct{}),
	}
	s.addClient(client)

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(client.id)
		}
	})

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			logger.Debug("WebRTC", "Client %s opened unknown channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			logger.Info("WebRTC", "Client %s data channel open", client.id)
			go s.sendEvents(client, dc)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			s.handleMessage(client, msg.Data)
		})
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}
	return json.Marshal(localDesc)
}

func (s *Server) handleMessage(client *Client, data []byte) {
	msg, err := events.ParseClientMessage(data)
	if err != nil {
		logger.Debug("WebRTC", "Client %s: %v", client.id, err)
		return
	}
	if s.opts.OnPlaybackEnded != nil {
		s.opts.OnPlaybackEnded(msg.ID)
	}
}

// Publish queues e for every client without blocking. Events queued before a
// client's channel opens are delivered once it does.
func (s *Server) Publish(e events.Event) {
	payload, err := encodeEvent(e)
	if err != nil {
		logger.Warn("WebRTC", "Encode %s event: %v", e.Type, err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.eventChan <- payload:
		default:
			client.statsMu.Lock()
			client.eventsDrop++
			client.statsMu.Unlock()
		}
	}
}

func encodeEvent(e events.Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(payload) <= maxMessageSize || e.Announcement == nil {
		return payload, nil
	}
	a := *e.Announcement
	a.Audio = ""
	e.Announcement = &a
	return json.Marshal(e)
}

func (s *Server) addClient(client *Client) {
	s.clientsMu.Lock()
	s.clients[client.id] = client
	count := len(s.clients)
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.WebRTCClients.Store(uint64(count))
	}
	logger.Debug("WebRTC", "Client %s added (total clients: %d)", client.id, count)
}

func (s *Server) sendEvents(client *Client, dc *webrtc.DataChannel) {
	for {
		select {
		case <-client.closeChan:
			return
		case payload := <-client.eventChan:
			if err := dc.SendText(string(payload)); err != nil {
				logger.Warn("WebRTC", "Send to client %s failed: %v", client.id, err)
				s.RemoveClient(client.id)
				return
			}
			client.statsMu.Lock()
			client.eventsSent++
			client.statsMu.Unlock()
		}
	}
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	close(client.closeChan)
	if err := client.peerConn.Close(); err != nil {
		logger.Debug("WebRTC", "Close client %s: %v", clientID, err)
	}
	if s.metrics != nil {
		s.metrics.WebRTCClients.Store(uint64(count))
	}

	client.statsMu.Lock()
	defer client.statsMu.Unlock()
	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.eventsSent, client.eventsDrop)
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns per-client counters.
func (s *Server) ClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.clients))
	for id, client := range s.clients {
		client.statsMu.Lock()
		stats[id] = map[string]uint64{
			"events_sent":    client.eventsSent,
			"events_dropped": client.eventsDrop,
		}
		client.statsMu.Unlock()
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
