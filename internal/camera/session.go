// Package camera owns the capture stream and the sampling ticker of a detection session.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/vision-alert/alert-server/internal/logger"
	"github.com/vision-alert/alert-server/pkg/types"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateError    State = "error"
)

// Status is a snapshot for the dashboard.
type Status struct {
	State     State      `json:"state"`
	SessionID string     `json:"session_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Category  Category   `json:"error_category,omitempty"`
	Error     string     `json:"error,omitempty"`
	Message   string     `json:"message,omitempty"`
	FrameNum  uint64     `json:"frame_number"`
	Source    types.Size `json:"source"`
}

// Session owns the media stream, its reader goroutine and the sampling ticker.
// Start and Stop are called from the controller loop; Status and Latest may be
// called from any goroutine.
type Session struct {
	source   Source
	clock    clock.Clock
	interval time.Duration

	mu        sync.Mutex
	state     State
	id        string
	startedAt time.Time
	category  Category
	lastErr   error
	stream    Stream
	ticker    *clock.Ticker
	latest    types.Frame
	hasFrame  bool
	frameNum  uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates an idle session. interval paces the sampling ticker.
func NewSession(source Source, clk clock.Clock, interval time.Duration) *Session {
	if clk == nil {
		clk = clock.New()
	}
	return &Session{source: source, clock: clk, interval: interval, state: StateIdle}
}

// Start opens the source and starts the ticker. Starting an active session is
// a no-op that returns the current ID. On failure the session enters StateError
// and nothing stays open.
func (s *Session) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state == StateActive {
		id := s.id
		s.mu.Unlock()
		return id, nil
	}
	if s.state == StateStarting {
		s.mu.Unlock()
		return "", errors.New("camera is already starting")
	}
	s.state = StateStarting
	s.category, s.lastErr = CategoryNone, nil
	s.mu.Unlock()

	stream, err := s.source.Open(ctx)
	if err != nil {
		cat := Classify(err)
		s.mu.Lock()
		s.state, s.category, s.lastErr = StateError, cat, err
		s.mu.Unlock()
		logger.Error("Camera", "Start failed (%s): %v", cat, err)
		return "", fmt.Errorf("start camera: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.id = uuid.NewString()
	s.startedAt = s.clock.Now()
	s.stream = stream
	s.ticker = s.clock.Ticker(s.interval)
	s.cancel = cancel
	s.hasFrame = false
	s.latest = types.Frame{}
	s.frameNum = 0
	s.state = StateActive
	id := s.id
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(readCtx, stream)

	logger.Info("Camera", "Session %s started (interval=%s)", id, s.interval)
	return id, nil
}

// readLoop keeps a private copy of the newest frame. Older frames are overwritten.
func (s *Session) readLoop(ctx context.Context, stream Stream) {
	defer s.wg.Done()
	for {
		img, release, err := stream.ReadFrame()
		if ctx.Err() != nil {
			if release != nil {
				release()
			}
			return
		}
		if err != nil {
			if errors.Is(err, ErrStreamClosed) || errors.Is(err, io.EOF) {
				return
			}
			logger.Warn("Camera", "Frame read failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		cloned := imaging.Clone(img)
		if release != nil {
			release()
		}

		s.mu.Lock()
		s.frameNum++
		b := cloned.Bounds()
		s.latest = types.Frame{
			Image:     cloned,
			Timestamp: s.clock.Now(),
			FrameNum:  s.frameNum,
			Width:     b.Dx(),
			Height:    b.Dy(),
		}
		s.hasFrame = true
		s.mu.Unlock()
	}
}

// Stop cancels the ticker and closes every track. It is safe to call in any state.
func (s *Session) Stop() error {
	s.mu.Lock()
	stream, ticker, cancel, id := s.stream, s.ticker, s.cancel, s.id
	s.stream, s.ticker, s.cancel = nil, nil, nil
	wasActive := s.state == StateActive
	if s.state != StateError {
		s.state = StateIdle
	}
	s.id = ""
	s.hasFrame = false
	s.latest = types.Frame{}
	s.mu.Unlock()

	var err error
	if ticker != nil {
		ticker.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		err = multierr.Append(err, stream.Close())
	}
	s.wg.Wait()

	if wasActive {
		logger.Info("Camera", "Session %s stopped", id)
	}
	return err
}

// Ticks delivers sampling ticks while active. It returns nil when idle, which
// blocks forever inside a select.
func (s *Session) Ticks() <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return nil
	}
	return s.ticker.C
}

// Latest returns the newest frame of the active stream.
func (s *Session) Latest() (types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || !s.hasFrame {
		return types.Frame{}, false
	}
	return s.latest, true
}

// ID returns the active session ID, or "" when not active.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:     s.state,
		SessionID: s.id,
		Category:  s.category,
		FrameNum:  s.frameNum,
	}
	if s.state == StateActive {
		t := s.startedAt
		st.StartedAt = &t
	}
	if s.hasFrame {
		st.Source = types.Size{Width: s.latest.Width, Height: s.latest.Height}
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
		st.Message = UserMessage(s.category)
	}
	return st
}
