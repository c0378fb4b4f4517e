// Package controller runs the detection and announcement loop. A single
// goroutine owns the debouncer, selector, speech queue and camera session;
// everything else talks to it through channels.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vision-alert/alert-server/internal/announce"
	"github.com/vision-alert/alert-server/internal/camera"
	"github.com/vision-alert/alert-server/internal/config"
	"github.com/vision-alert/alert-server/internal/debounce"
	"github.com/vision-alert/alert-server/internal/events"
	"github.com/vision-alert/alert-server/internal/logger"
	"github.com/vision-alert/alert-server/internal/metrics"
	"github.com/vision-alert/alert-server/internal/overlay"
	"github.com/vision-alert/alert-server/internal/sampler"
	"github.com/vision-alert/alert-server/internal/speech"
	"github.com/vision-alert/alert-server/pkg/types"
)

// ErrStopped is returned by commands sent after Run has returned.
var ErrStopped = errors.New("controller stopped")

// Detector finds traffic signals in a data-URI frame.
type Detector interface {
	Detect(ctx context.Context, frameURI string, threshold float64) ([]types.Detection, error)
}

// Synthesizer turns announcement text into playable audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (speech.Audio, error)
}

// FrameSampler produces the encoded frame for one cycle.
type FrameSampler interface {
	Sample(ctx context.Context) (types.SampledFrame, error)
}

// Options configures a Controller.
type Options struct {
	Settings               config.Tunables
	Priority               []string
	MaxConsecutiveFailures int
	SpeechGrace            time.Duration
	SpeechMaxDuration      time.Duration
}

// OptionsFromConfig extracts controller options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Settings:               cfg.Tunables(),
		Priority:               cfg.Detection.Priority,
		MaxConsecutiveFailures: cfg.Detection.MaxConsecutiveFailures,
		SpeechGrace:            cfg.Speech.Grace,
		SpeechMaxDuration:      cfg.Speech.MaxDuration,
	}
}

type detectionOutcome struct {
	sessionID string
	cycle     uint64
	sample    types.SampledFrame
	dets      []types.Detection
	err       error
	latency   time.Duration
}

type speechOutcome struct {
	utterance speech.Utterance
	class     string
	audio     speech.Audio
	err       error
	latency   time.Duration
}

type playbackEnd struct {
	id    uint64
	acked bool
}

// Controller is the dashboard controller.
type Controller struct {
	opts     Options
	clock    clock.Clock
	session  *camera.Session
	sampler  FrameSampler
	detector Detector
	synth    Synthesizer
	sink     events.Sink
	metrics  *metrics.Metrics

	// Owned by the loop goroutine.
	settings       config.Tunables
	tracker        *debounce.Tracker
	selector       *announce.Selector
	queue          *speech.Queue
	cycle          uint64
	inFlight       string // session ID of the outstanding detection call
	failures       int
	lastDetections []types.Detection
	speakingClass  string
	playTimer      *clock.Timer

	cmds     chan func(ctx context.Context)
	results  chan detectionOutcome
	speeches chan speechOutcome
	ended    chan playbackEnd

	status  atomic.Pointer[events.Status]
	done    chan struct{}
	workers sync.WaitGroup
}

// New wires a controller. sampler may be nil, in which case frames are sampled
// from session with default options.
func New(opts Options, clk clock.Clock, session *camera.Session, smp FrameSampler, det Detector, synth Synthesizer, sink events.Sink, m *metrics.Metrics) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if smp == nil {
		smp = sampler.New(session, sampler.DefaultOptions())
	}
	if sink == nil {
		sink = events.Fanout(nil)
	}
	if m == nil {
		m = metrics.New()
	}
	if len(opts.Priority) == 0 {
		opts.Priority = config.DefaultPriority
	}
	if opts.SpeechMaxDuration <= 0 {
		opts.SpeechMaxDuration = 8 * time.Second
	}
	c := &Controller{
		opts:     opts,
		clock:    clk,
		session:  session,
		sampler:  smp,
		detector: det,
		synth:    synth,
		sink:     sink,
		metrics:  m,
		settings: opts.Settings,
		tracker:  debounce.NewTracker(opts.Settings.Persistence),
		selector: announce.NewSelector(opts.Priority),
		queue:    speech.NewQueue(),
		cmds:     make(chan func(ctx context.Context)),
		results:  make(chan detectionOutcome, 1),
		speeches: make(chan speechOutcome, 1),
		ended:    make(chan playbackEnd, 4),
		done:     make(chan struct{}),
	}
	c.refreshStatus()
	return c
}

// Run processes events until ctx is cancelled, then stops the camera and
// waits for outstanding calls to return.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.workers.Wait()
	defer c.shutdown()

	logger.Info("Controller", "Loop started (persistence=%d confidence=%.2f tts=%v)",
		c.settings.Persistence, c.settings.Confidence, c.settings.TTSEnabled)

	for {
		var playDone <-chan time.Time
		if c.playTimer != nil {
			playDone = c.playTimer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case cmd := <-c.cmds:
			cmd(ctx)
		case <-c.session.Ticks():
			c.onTick(ctx)
		case r := <-c.results:
			c.onDetection(ctx, r)
		case s := <-c.speeches:
			c.onSpeech(ctx, s)
		case e := <-c.ended:
			c.onPlaybackEnded(ctx, e)
		case <-playDone:
			if u, ok := c.queue.Current(); ok {
				c.onPlaybackEnded(ctx, playbackEnd{id: u.ID})
			}
		}
		c.refreshStatus()
	}
}

func (c *Controller) shutdown() {
	c.stopPlayTimer()
	if err := c.session.Stop(); err != nil {
		logger.Warn("Controller", "Camera release on shutdown: %v", err)
	}
	metrics.SetBool(&c.metrics.SessionActive, false)
	logger.Info("Controller", "Loop stopped")
}

// do runs fn on the loop goroutine and waits for it.
func (c *Controller) do(ctx context.Context, fn func(loopCtx context.Context)) error {
	finished := make(chan struct{})
	wrapped := func(loopCtx context.Context) {
		defer close(finished)
		fn(loopCtx)
	}
	select {
	case c.cmds <- wrapped:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// onTick starts one detection cycle unless a call for this session is still outstanding.
func (c *Controller) onTick(ctx context.Context) {
	sessionID := c.session.ID()
	if sessionID == "" {
		return
	}
	if c.inFlight == sessionID {
		c.metrics.CyclesSkipped.Add(1)
		logger.Debug("Controller", "Tick skipped: detection still in flight")
		return
	}

	sample, err := c.sampler.Sample(ctx)
	if errors.Is(err, sampler.ErrNotReady) {
		c.metrics.CyclesNotReady.Add(1)
		logger.Debug("Controller", "Tick skipped: no frame yet")
		return
	}
	if err != nil {
		c.metrics.SampleErrors.Add(1)
		logger.Warn("Controller", "Frame sampling failed: %v", err)
		return
	}

	c.cycle++
	c.inFlight = sessionID
	c.metrics.CyclesStarted.Add(1)
	threshold := c.settings.Confidence
	cycle := c.cycle

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		start := time.Now()
		dets, err := c.detector.Detect(ctx, sample.DataURI, threshold)
		out := detectionOutcome{sessionID: sessionID, cycle: cycle, sample: sample, dets: dets, err: err, latency: time.Since(start)}
		select {
		case c.results <- out:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) onDetection(ctx context.Context, r detectionOutcome) {
	if c.inFlight == r.sessionID {
		c.inFlight = ""
	}
	if r.sessionID != c.session.ID() || r.cycle != c.cycle {
		c.metrics.StaleResults.Add(1)
		logger.Debug("Controller", "Dropped stale result for session %s cycle %d", r.sessionID, r.cycle)
		return
	}
	c.metrics.ObserveDetection(r.latency)

	if r.err != nil {
		c.failures++
		c.metrics.DetectionErrors.Add(1)
		logger.Warn("Controller", "Detection failed (%d in a row): %v", c.failures, r.err)
		c.notice("warning", fmt.Sprintf("Detection failed: %v", r.err))
		if limit := c.opts.MaxConsecutiveFailures; limit > 0 && c.failures >= limit {
			logger.Error("Controller", "Stopping camera after %d consecutive detection failures", c.failures)
			c.stopCamera()
			c.notice("error", fmt.Sprintf("Camera stopped after %d consecutive detection failures", limit))
		}
		return
	}
	c.failures = 0
	c.metrics.Detections.Add(uint64(len(r.dets)))
	c.lastDetections = toSource(r.dets, r.sample)

	c.announce(ctx, r.dets)

	result := &types.DetectionResult{
		SessionID:   r.sessionID,
		Cycle:       r.cycle,
		FrameNumber: r.sample.FrameNum,
		Timestamp:   float64(r.sample.Timestamp.UnixNano()) / 1e9,
		Source:      r.sample.Source,
		LatencyMs:   r.latency.Milliseconds(),
		Detections:  c.lastDetections,
	}
	c.sink.Publish(events.Event{
		Type:       events.TypeDetections,
		Detections: result,
		Overlay:    overlay.Render(r.dets, r.sample.Encoded, r.sample.Source),
	})
}

// toSource rescales boxes from the encoded sample back to camera pixels.
func toSource(dets []types.Detection, s types.SampledFrame) []types.Detection {
	out := make([]types.Detection, len(dets))
	for i, d := range dets {
		d.BBox = overlay.Scale(d.BBox, s.Encoded, s.Source)
		out[i] = d
	}
	return out
}

// announce runs the debouncer and selector and queues at most one utterance.
func (c *Controller) announce(ctx context.Context, dets []types.Detection) {
	qualified := c.tracker.Observe(types.Classes(dets))
	c.selector.Forget(c.tracker.Evicted()...)

	if !c.settings.TTSEnabled || c.synth == nil {
		return
	}
	class, ok := c.selector.Select(qualified)
	if !ok {
		return
	}
	c.tracker.Reset(class)
	text := announce.Utterance(class)
	if c.queue.Enqueue(text) {
		c.metrics.Enqueued.Add(1)
		logger.Info("Controller", "Queued announcement %q", text)
	}
	c.metrics.QueueDepth.Store(uint64(c.queue.Len()))
	c.advance(ctx)
}

// advance starts synthesis of the next pending text when nothing is playing.
func (c *Controller) advance(ctx context.Context) {
	u, ok := c.queue.Advance()
	c.metrics.QueueDepth.Store(uint64(c.queue.Len()))
	if !ok {
		return
	}
	class := c.speakingClassFor(u.Text)
	c.speakingClass = class

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		start := time.Now()
		audio, err := c.synth.Synthesize(ctx, u.Text)
		out := speechOutcome{utterance: u, class: class, audio: audio, err: err, latency: time.Since(start)}
		select {
		case c.speeches <- out:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) speakingClassFor(text string) string {
	for _, p := range c.opts.Priority {
		if announce.Utterance(p) == text {
			return p
		}
	}
	return text
}

func (c *Controller) onSpeech(ctx context.Context, s speechOutcome) {
	cur, ok := c.queue.Current()
	if !ok || cur.ID != s.utterance.ID {
		return
	}
	c.metrics.ObserveSpeech(s.latency)

	if s.err != nil {
		c.metrics.SpeechErrors.Add(1)
		logger.Warn("Controller", "Speech synthesis failed for %q: %v", s.utterance.Text, s.err)
		c.notice("warning", fmt.Sprintf("Could not speak %q: %v", s.utterance.Text, s.err))
		c.queue.Finish(s.utterance.ID)
		c.advance(ctx)
		return
	}

	c.metrics.Announced.Add(1)
	timeout := speech.PlaybackTimeout(s.audio, c.opts.SpeechGrace, c.opts.SpeechMaxDuration)
	c.stopPlayTimer()
	c.playTimer = c.clock.Timer(timeout)

	c.sink.Publish(events.Event{
		Type: events.TypeAnnouncement,
		Announcement: &events.Announcement{
			ID:         s.utterance.ID,
			Class:      s.class,
			Text:       s.utterance.Text,
			Audio:      s.audio.DataURI,
			DurationMs: s.audio.Duration.Milliseconds(),
			At:         c.clock.Now(),
		},
	})
}

func (c *Controller) onPlaybackEnded(ctx context.Context, e playbackEnd) {
	if !c.queue.Finish(e.id) {
		return
	}
	c.stopPlayTimer()
	if e.acked {
		c.metrics.PlaybackAcked.Add(1)
	} else {
		c.metrics.PlaybackTimed.Add(1)
	}
	c.speakingClass = ""
	c.advance(ctx)
}

func (c *Controller) stopPlayTimer() {
	if c.playTimer != nil {
		c.playTimer.Stop()
		c.playTimer = nil
	}
}

func (c *Controller) startCamera(ctx context.Context) (camera.Status, error) {
	_, err := c.session.Start(ctx)
	st := c.session.Status()
	if err != nil {
		c.metrics.CameraErrors.Add(1)
		c.notice("error", camera.UserMessage(st.Category))
	} else {
		metrics.SetBool(&c.metrics.SessionActive, true)
	}
	c.refreshStatus()
	c.publishStatus()
	return st, err
}

// stopCamera releases the stream and resets every per-session structure. The
// cleared overlay and the empty detection list are broadcast so no dashboard
// keeps stale boxes.
func (c *Controller) stopCamera() camera.Status {
	prev := c.session.ID()
	if err := c.session.Stop(); err != nil {
		logger.Warn("Controller", "Camera release: %v", err)
	}
	metrics.SetBool(&c.metrics.SessionActive, false)

	c.inFlight = ""
	c.failures = 0
	c.lastDetections = nil
	c.tracker.Clear()
	c.selector.Reset()
	c.queue.Clear()
	c.speakingClass = ""
	c.stopPlayTimer()
	c.metrics.QueueDepth.Store(0)

	c.sink.Publish(events.Event{
		Type:       events.TypeDetections,
		Detections: &types.DetectionResult{SessionID: prev, Cycle: c.cycle, Detections: []types.Detection{}},
		Overlay:    overlay.Clear(),
	})
	c.refreshStatus()
	c.publishStatus()
	return c.session.Status()
}

func (c *Controller) notice(level, msg string) {
	c.sink.Publish(events.Event{
		Type:   events.TypeNotice,
		Notice: &events.Notice{Level: level, Message: msg, At: c.clock.Now()},
	})
}

func (c *Controller) refreshStatus() {
	_, speaking := c.queue.Current()
	dets := c.lastDetections
	if dets == nil {
		dets = []types.Detection{}
	}
	c.status.Store(&events.Status{
		Camera:     c.session.Status(),
		Settings:   c.settings,
		Speaking:   speaking,
		QueueDepth: c.queue.Len(),
		Cycle:      c.cycle,
		Failures:   c.failures,
		Detections: dets,
	})
}

func (c *Controller) publishStatus() {
	st := *c.status.Load()
	c.sink.Publish(events.Event{Type: events.TypeStatus, Status: &st})
}

func (c *Controller) applySettings(s config.Tunables) {
	c.settings = s
	c.tracker.SetPersistence(s.Persistence)
	c.refreshStatus()
	c.publishStatus()
}

// StartCamera opens the camera. It is a no-op when already active.
func (c *Controller) StartCamera(ctx context.Context) (camera.Status, error) {
	var (
		st     camera.Status
		runErr error
	)
	err := c.do(ctx, func(loopCtx context.Context) {
		st, runErr = c.startCamera(loopCtx)
	})
	if err != nil {
		return camera.Status{}, err
	}
	return st, runErr
}

// StopCamera releases the camera and clears overlays.
func (c *Controller) StopCamera(ctx context.Context) (camera.Status, error) {
	var st camera.Status
	err := c.do(ctx, func(context.Context) {
		st = c.stopCamera()
	})
	return st, err
}

// ValidateSettings checks ranges.
func ValidateSettings(s config.Tunables) error {
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %.2f outside [0, 1]", s.Confidence)
	}
	if s.Persistence < 1 || s.Persistence > 10 {
		return fmt.Errorf("persistence %d outside [1, 10]", s.Persistence)
	}
	return nil
}

// UpdateSettings replaces the runtime settings.
func (c *Controller) UpdateSettings(ctx context.Context, s config.Tunables) error {
	_, err := c.ModifySettings(ctx, func(config.Tunables) config.Tunables { return s })
	return err
}

// ModifySettings applies fn to the current settings inside the loop and
// stores the result if it validates.
func (c *Controller) ModifySettings(ctx context.Context, fn func(config.Tunables) config.Tunables) (config.Tunables, error) {
	var (
		next   config.Tunables
		runErr error
	)
	err := c.do(ctx, func(context.Context) {
		next = fn(c.settings)
		if runErr = ValidateSettings(next); runErr != nil {
			return
		}
		c.applySettings(next)
		logger.Info("Controller", "Settings updated: confidence=%.2f tts=%v persistence=%d", next.Confidence, next.TTSEnabled, next.Persistence)
	})
	if err != nil {
		return config.Tunables{}, err
	}
	if runErr != nil {
		return config.Tunables{}, runErr
	}
	return next, nil
}

// Settings returns the current runtime settings.
func (c *Controller) Settings() config.Tunables {
	return c.status.Load().Settings
}

// Status returns the latest snapshot.
func (c *Controller) Status() events.Status {
	st := *c.status.Load()
	st.Camera = c.session.Status()
	return st
}

// PlaybackEnded records a dashboard acknowledgement for utterance id.
func (c *Controller) PlaybackEnded(id uint64) {
	select {
	case c.ended <- playbackEnd{id: id, acked: true}:
	case <-c.done:
	default:
		logger.Debug("Controller", "Playback ack %d dropped: queue full", id)
	}
}
