package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"evdetect/internal/auth"
	"evdetect/internal/cache"
	"evdetect/internal/capture"
	"evdetect/internal/pipeline"
	"evdetect/internal/settings"
)

const component = "session"

// ErrClosed is returned by every operation after Close
var ErrClosed = errors.New("session closed")

// RequestObserver is told about every completed detection request
type RequestObserver interface {
	ObserveRequest(elapsed time.Duration, err error)
}

// StaleObserver is optionally implemented by a RequestObserver that also
// counts discarded responses
type StaleObserver interface {
	ObserveStale()
}

// Options wires a controller to its collaborators. Only Detector is required
type Options struct {
	Detector pipeline.Detector
	Camera   pipeline.Camera
	Tokens   auth.TokenSource
	Settings *settings.Store
	Bus      *pipeline.EventBus
	Recent   *cache.Recent

	// StreamPeriod is the stream-mode detection period; zero uses the default
	StreamPeriod time.Duration

	// HealthCheck, when set, must pass before streaming starts
	HealthCheck func(ctx context.Context) error

	// Observer is notified of every request outcome, stale ones included
	Observer RequestObserver

	// OnChange receives a copy of the state after every accepted transition.
	// It runs on the goroutine that caused the transition
	OnChange func(State)
}

// Controller drives a detection session. All state changes go through Reduce
// under mu; mu is never held across camera or network I/O
type Controller struct {
	detector    pipeline.Detector
	camera      pipeline.Camera
	tokens      auth.TokenSource
	settings    *settings.Store
	bus         *pipeline.EventBus
	recent      *cache.Recent
	healthCheck func(ctx context.Context) error
	observer    RequestObserver
	onChange    func(State)
	scheduler   *pipeline.StreamScheduler

	// lifecycle serializes mode, camera and streaming changes so that a
	// teardown never interleaves with a start
	lifecycle sync.Mutex

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	reqID  uint64
	closed bool
}

// New creates a controller in upload mode, idle
func New(opts Options) (*Controller, error) {
	if opts.Detector == nil {
		return nil, errors.New("session: detector is required")
	}

	c := &Controller{
		detector:    opts.Detector,
		camera:      opts.Camera,
		tokens:      opts.Tokens,
		settings:    opts.Settings,
		bus:         opts.Bus,
		recent:      opts.Recent,
		healthCheck: opts.HealthCheck,
		observer:    opts.Observer,
		onChange:    opts.OnChange,
		state:       Initial(),
	}
	if c.settings == nil {
		c.settings = settings.NewStore(settings.Defaults())
	}
	if c.bus == nil {
		c.bus = pipeline.NewEventBus()
	}
	if c.recent == nil {
		c.recent = cache.NewRecent(cache.DefaultCapacity)
	}
	c.bus.Subscribe(c.recent)

	c.scheduler = pipeline.NewStreamScheduler(opts.StreamPeriod, c.streamTick, c.inFlight)
	return c, nil
}

// State returns a copy of the current session state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Settings returns the session's settings store
func (c *Controller) Settings() *settings.Store {
	return c.settings
}

// Recent returns the cached recent detections, most recent first
func (c *Controller) Recent() []cache.Entry {
	return c.recent.List()
}

// Bus returns the result bus so extra consumers can subscribe
func (c *Controller) Bus() *pipeline.EventBus {
	return c.bus
}

// StreamStats returns the scheduler counters
func (c *Controller) StreamStats() pipeline.SchedulerStats {
	return c.scheduler.Stats()
}

// SelectMode switches the workflow. Any displayed result, frame, error and
// outstanding request are discarded; leaving camera mode releases the camera
func (c *Controller) SelectMode(mode pipeline.Mode) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	return c.teardown(SelectMode{Mode: mode})
}

// Reset returns the session to idle with the same teardown as a mode switch
func (c *Controller) Reset() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	return c.teardown(Reset{})
}

// ActivateCamera opens the camera. Camera mode must be selected
func (c *Controller) ActivateCamera(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	return c.activateCamera(ctx)
}

func (c *Controller) activateCamera(ctx context.Context) error {
	s := c.State()
	if s.Mode == pipeline.ModeVideo {
		return ErrModeDisabled
	}
	if s.Mode != pipeline.ModeCamera {
		return ErrIllegalTransition
	}
	if s.CaptureActive {
		return nil
	}

	if c.camera == nil {
		err := pipeline.NewError(pipeline.KindCaptureUnavailable, "No camera is configured", nil)
		c.apply(CaptureFailed{Err: err})
		return err
	}

	if err := c.camera.Open(ctx); err != nil {
		log.Warn().Str("component", component).Err(err).Msg("camera unavailable")
		c.apply(CaptureFailed{Err: err})
		return err
	}

	if _, err := c.apply(CameraToggled{Active: true}); err != nil {
		c.camera.Close()
		return err
	}
	log.Info().Str("component", component).Msg("camera activated")
	return nil
}

// DeactivateCamera stops streaming, cancels any outstanding request and
// releases the camera
func (c *Controller) DeactivateCamera() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	s := c.State()
	if s.Mode != pipeline.ModeCamera {
		return ErrIllegalTransition
	}
	if !s.CaptureActive {
		return nil
	}
	return c.teardown(CameraToggled{Active: false})
}

// teardown applies a transition that discards the session's transient
// state, then stops the clock, cancels the outstanding request and releases
// the camera if the new state no longer holds it. Callers hold lifecycle
func (c *Controller) teardown(e Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.state
	next, err := Reduce(prev, e)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = next
	cancel := c.takeCancel()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if prev.Streaming {
		c.scheduler.Stop()
	}
	if prev.CaptureActive && !next.CaptureActive && c.camera != nil {
		if err := c.camera.Close(); err != nil {
			log.Warn().Str("component", component).Err(err).Msg("camera close failed")
		}
	}

	log.Debug().Str("component", component).
		Str("mode", string(next.Mode)).
		Str("phase", string(next.Phase)).
		Uint64("generation", next.Generation).
		Msg("session reset")
	c.notify(next)
	return nil
}

// LoadUpload validates a user-chosen image and makes it the current frame
func (c *Controller) LoadUpload(name string, r io.Reader) error {
	if c.State().Mode == pipeline.ModeVideo {
		return ErrModeDisabled
	}

	frame, err := capture.ReadUpload(name, r)
	if err != nil {
		c.apply(CaptureFailed{Err: err})
		return err
	}

	_, err = c.apply(FrameAcquired{Frame: frame, PreviewRef: capture.PreviewRef(frame)})
	return err
}

// Capture grabs one frame from the active camera
func (c *Controller) Capture(ctx context.Context) error {
	s := c.State()
	switch {
	case s.Mode == pipeline.ModeVideo:
		return ErrModeDisabled
	case s.Mode != pipeline.ModeCamera:
		return ErrIllegalTransition
	case s.InFlight:
		return ErrBusy
	case !s.CaptureActive || c.camera == nil:
		err := pipeline.NewError(pipeline.KindCaptureUnavailable, "Camera is not active", nil)
		c.apply(CaptureFailed{Err: err})
		return err
	}

	frame, err := c.camera.Grab(ctx)
	if err != nil {
		c.apply(CaptureFailed{Err: err})
		return err
	}

	_, err = c.apply(FrameAcquired{Frame: frame, PreviewRef: capture.PreviewRef(frame)})
	return err
}

// Detect submits the current frame. At most one request is outstanding per
// session. The response is applied only if the session has not been reset,
// switched or had its camera toggled since the request was issued; otherwise
// ErrStaleResponse is returned and nothing changes
func (c *Controller) Detect(ctx context.Context) (*pipeline.DetectionResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	next, err := Reduce(c.state, DetectStarted{})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.state = next
	generation := next.Generation
	frame := next.CurrentFrame

	reqCtx, cancel := context.WithCancel(ctx)
	c.reqID++
	reqID := c.reqID
	c.cancel = cancel
	c.mu.Unlock()
	c.notify(next)

	token := auth.Resolve(c.tokens)
	cfg := c.settings.Get()

	start := time.Now()
	result, detectErr := c.detector.Detect(reqCtx, frame, cfg, token)
	elapsed := time.Since(start)
	cancel()

	if c.observer != nil {
		c.observer.ObserveRequest(elapsed, detectErr)
	}

	var event Event
	if detectErr != nil {
		event = DetectFailed{Generation: generation, Err: detectErr}
	} else {
		event = DetectSucceeded{Generation: generation, Result: result}
	}

	c.mu.Lock()
	if c.reqID == reqID {
		c.cancel = nil
	}
	next, err = Reduce(c.state, event)
	if err == nil {
		c.state = next
	}
	c.mu.Unlock()

	if errors.Is(err, ErrStaleResponse) {
		log.Debug().Str("component", component).Uint64("generation", generation).Msg("discarding stale detection response")
		if so, ok := c.observer.(StaleObserver); ok {
			so.ObserveStale()
		}
		return nil, ErrStaleResponse
	}
	if err != nil {
		return nil, err
	}
	c.notify(next)

	if detectErr != nil {
		log.Warn().Str("component", component).
			Str("kind", string(pipeline.KindOf(detectErr))).
			Err(detectErr).
			Msg("detection failed")
		return nil, detectErr
	}

	log.Info().Str("component", component).
		Str("detection_id", result.ID).
		Str("type", result.Label).
		Float64("confidence", result.Confidence).
		Dur("elapsed", elapsed).
		Msg("detection complete")
	c.bus.Publish(ctx, result)
	return result, nil
}

// CaptureAndDetect grabs a camera frame and submits it
func (c *Controller) CaptureAndDetect(ctx context.Context) (*pipeline.DetectionResult, error) {
	if err := c.Capture(ctx); err != nil {
		return nil, err
	}
	return c.Detect(ctx)
}

// StartStreaming activates the camera if needed and starts periodic
// capture-and-detect. Starting an already streaming session is a no-op
func (c *Controller) StartStreaming(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	s := c.State()
	if s.Mode == pipeline.ModeVideo {
		return ErrModeDisabled
	}
	if s.Mode != pipeline.ModeCamera {
		return ErrIllegalTransition
	}
	if s.Streaming {
		return nil
	}

	if err := c.activateCamera(ctx); err != nil {
		return err
	}

	if c.healthCheck != nil {
		if err := c.healthCheck(ctx); err != nil {
			log.Warn().Str("component", component).Err(err).Msg("inference service not ready, streaming not started")
			return err
		}
	}

	if _, err := c.apply(StreamingStarted{}); err != nil {
		return err
	}
	// The clock outlives the call; StopStreaming, a teardown or Close ends it
	if err := c.scheduler.Start(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pipeline.ErrSchedulerRunning) {
		c.apply(StreamingStopped{})
		return err
	}

	log.Info().Str("component", component).Dur("period", c.scheduler.Period()).Msg("streaming started")
	return nil
}

// StopStreaming stops the clock. It returns once no tick job is running; a
// request started by a tick is cancelled
func (c *Controller) StopStreaming() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.scheduler.Stop()
	if _, err := c.apply(StreamingStopped{}); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	log.Info().Str("component", component).Msg("streaming stopped")
	return nil
}

// Close stops streaming, cancels any outstanding request and releases the
// camera. The controller cannot be used afterwards
func (c *Controller) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	next, _ := Reduce(prev, Reset{})
	c.state = next
	c.closed = true
	cancel := c.takeCancel()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.scheduler.Stop()

	var err error
	if prev.CaptureActive && c.camera != nil {
		err = c.camera.Close()
	}
	return err
}

func (c *Controller) streamTick(ctx context.Context) error {
	_, err := c.CaptureAndDetect(ctx)
	if errors.Is(err, ErrStaleResponse) {
		return nil
	}
	return err
}

func (c *Controller) inFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.InFlight
}

// apply reduces e into the current state. Callers must not hold mu
func (c *Controller) apply(e Event) (State, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return State{}, ErrClosed
	}
	next, err := Reduce(c.state, e)
	if err != nil {
		c.mu.Unlock()
		return next, err
	}
	c.state = next
	c.mu.Unlock()

	c.notify(next)
	return next, nil
}

// takeCancel detaches the outstanding request's cancel func. Callers hold mu
func (c *Controller) takeCancel() context.CancelFunc {
	cancel := c.cancel
	c.cancel = nil
	return cancel
}

func (c *Controller) notify(s State) {
	if c.onChange != nil {
		c.onChange(s)
	}
}
