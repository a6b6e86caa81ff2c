// Package session implements the detection session controller: a single
// State record, a reducer that enumerates every legal transition, and a
// Controller that drives capture, detection and streaming through it.
package session

import (
	"errors"
	"fmt"
	"time"

	"evdetect/internal/pipeline"
)

var (
	// ErrIllegalTransition is returned for events the current state does not accept
	ErrIllegalTransition = errors.New("illegal session transition")
	// ErrBusy is returned when a request is already in flight
	ErrBusy = errors.New("a detection request is already in flight")
	// ErrStaleResponse is returned for responses issued under a superseded generation
	ErrStaleResponse = errors.New("stale detection response")
	// ErrModeDisabled is returned for any capture in video mode
	ErrModeDisabled = errors.New("video analysis is not available")
)

// Phase is the position of the session in its lifecycle
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseUploadPending Phase = "upload_pending"
	PhaseCameraPending Phase = "camera_pending"
	PhaseCapturing     Phase = "capturing"
	PhaseDetecting     Phase = "detecting"
	PhaseResult        Phase = "result"
	PhaseVideoDisabled Phase = "video_disabled"
)

// ErrorInfo is the last failure surfaced to the user
type ErrorInfo struct {
	Kind    pipeline.ErrorKind `json:"kind"`
	Message string             `json:"message"`
	At      time.Time          `json:"at"`
}

// State is the complete mutable record of a detection session.
// Streaming implies Mode == camera and CaptureActive; InFlight is a mutual exclusion flag.
type State struct {
	Mode          pipeline.Mode             `json:"mode"`
	Phase         Phase                     `json:"phase"`
	CaptureActive bool                      `json:"capture_active"`
	Streaming     bool                      `json:"streaming"`
	InFlight      bool                      `json:"in_flight"`
	Generation    uint64                    `json:"generation"`
	CurrentFrame  *pipeline.Frame           `json:"-"`
	PreviewRef    string                    `json:"-"`
	CurrentResult *pipeline.DetectionResult `json:"current_result,omitempty"`
	LastError     *ErrorInfo                `json:"last_error,omitempty"`
}

// Initial returns the state of a freshly entered workspace (upload mode, idle)
func Initial() State {
	return State{
		Mode:  pipeline.ModeUpload,
		Phase: PhaseIdle,
	}
}

// Event is an input to Reduce
type Event interface {
	event()
}

// SelectMode switches the capture workflow
type SelectMode struct{ Mode pipeline.Mode }

// Reset returns to idle with the same teardown as a mode switch
type Reset struct{}

// CameraToggled reports the camera device was opened or released
type CameraToggled struct{ Active bool }

// FrameAcquired carries a new frame and its preview
type FrameAcquired struct {
	Frame      *pipeline.Frame
	PreviewRef string
}

// CaptureFailed reports a capture error
type CaptureFailed struct{ Err error }

// DetectStarted claims the in-flight flag for the current frame
type DetectStarted struct{}

// DetectSucceeded delivers a result issued under Generation
type DetectSucceeded struct {
	Generation uint64
	Result     *pipeline.DetectionResult
}

// DetectFailed delivers a failure issued under Generation
type DetectFailed struct {
	Generation uint64
	Err        error
}

// StreamingStarted marks continuous detection on
type StreamingStarted struct{}

// StreamingStopped marks continuous detection off
type StreamingStopped struct{}

func (SelectMode) event()       {}
func (Reset) event()            {}
func (CameraToggled) event()    {}
func (FrameAcquired) event()    {}
func (CaptureFailed) event()    {}
func (DetectStarted) event()    {}
func (DetectSucceeded) event()  {}
func (DetectFailed) event()     {}
func (StreamingStarted) event() {}
func (StreamingStopped) event() {}

// Reduce applies e to s. On error the returned state is s unchanged
func Reduce(s State, e Event) (State, error) {
	next, err := reduce(s, e)
	if err != nil {
		return s, err
	}
	if err := next.check(); err != nil {
		return s, err
	}
	return next, nil
}

func reduce(s State, e Event) (State, error) {
	switch ev := e.(type) {
	case SelectMode:
		if !ev.Mode.Valid() {
			return s, fmt.Errorf("%w: unknown mode %q", ErrIllegalTransition, ev.Mode)
		}
		keepCamera := ev.Mode == pipeline.ModeCamera && s.Mode == pipeline.ModeCamera && s.CaptureActive
		next := teardown(s)
		next.Mode = ev.Mode
		next.CaptureActive = keepCamera
		next.Phase = pendingPhase(ev.Mode)
		return next, nil

	case Reset:
		next := teardown(s)
		next.CaptureActive = false
		next.Phase = PhaseIdle
		return next, nil

	case CameraToggled:
		if s.Mode != pipeline.ModeCamera {
			return s, fmt.Errorf("%w: camera toggled in %s mode", ErrIllegalTransition, s.Mode)
		}
		if ev.Active == s.CaptureActive {
			return s, nil
		}
		// Toggling the camera either way drops the displayed result and any pending response
		next := teardown(s)
		next.CaptureActive = ev.Active
		next.Phase = PhaseCameraPending
		return next, nil

	case FrameAcquired:
		if s.Mode == pipeline.ModeVideo {
			return s, ErrModeDisabled
		}
		if s.InFlight {
			return s, ErrBusy
		}
		if ev.Frame == nil {
			return s, fmt.Errorf("%w: no frame", ErrIllegalTransition)
		}
		if !sourceMatches(s.Mode, ev.Frame.Source) {
			return s, fmt.Errorf("%w: %s frame in %s mode", ErrIllegalTransition, ev.Frame.Source, s.Mode)
		}
		if s.Mode == pipeline.ModeCamera && !s.CaptureActive {
			return s, fmt.Errorf("%w: camera is not active", ErrIllegalTransition)
		}
		next := s
		next.CurrentFrame = ev.Frame
		next.PreviewRef = ev.PreviewRef
		next.LastError = nil
		if ev.Frame.Source == pipeline.SourceUpload {
			// A newly chosen file invalidates the previous file's result
			next.CurrentResult = nil
		}
		next.Phase = PhaseCapturing
		return next, nil

	case CaptureFailed:
		if s.Mode == pipeline.ModeVideo {
			return s, ErrModeDisabled
		}
		if s.InFlight {
			// LastError belongs to the outstanding request until it settles
			return s, ErrBusy
		}
		next := s
		next.LastError = errorInfo(ev.Err)
		return next, nil

	case DetectStarted:
		if s.Mode == pipeline.ModeVideo {
			return s, ErrModeDisabled
		}
		if s.InFlight {
			return s, ErrBusy
		}
		// A settled result keeps its frame, so the same image can be analyzed again
		if (s.Phase != PhaseCapturing && s.Phase != PhaseResult) || s.CurrentFrame == nil {
			return s, fmt.Errorf("%w: no captured frame to detect (phase %s)", ErrIllegalTransition, s.Phase)
		}
		next := s
		// Clear the previous error before raising the flag so the two are never observed together
		next.LastError = nil
		next.InFlight = true
		next.Phase = PhaseDetecting
		return next, nil

	case DetectSucceeded:
		if ev.Generation != s.Generation || !s.InFlight {
			return s, ErrStaleResponse
		}
		next := s
		next.InFlight = false
		next.LastError = nil
		next.CurrentResult = ev.Result
		next.Phase = PhaseResult
		return next, nil

	case DetectFailed:
		if ev.Generation != s.Generation || !s.InFlight {
			return s, ErrStaleResponse
		}
		next := s
		next.InFlight = false
		if !pipeline.IsKind(ev.Err, pipeline.KindCanceled) {
			next.LastError = errorInfo(ev.Err)
		}
		next.Phase = PhaseResult
		return next, nil

	case StreamingStarted:
		if s.Mode != pipeline.ModeCamera || !s.CaptureActive {
			return s, fmt.Errorf("%w: streaming requires an active camera", ErrIllegalTransition)
		}
		next := s
		next.Streaming = true
		return next, nil

	case StreamingStopped:
		next := s
		next.Streaming = false
		return next, nil
	}

	return s, fmt.Errorf("%w: unknown event %T", ErrIllegalTransition, e)
}

// teardown clears everything a mode switch or reset discards and moves to a
// new generation so responses for the old one are ignored
func teardown(s State) State {
	return State{
		Mode:          s.Mode,
		Phase:         s.Phase,
		CaptureActive: s.CaptureActive && s.Mode == pipeline.ModeCamera,
		Generation:    s.Generation + 1,
	}
}

func pendingPhase(mode pipeline.Mode) Phase {
	switch mode {
	case pipeline.ModeUpload:
		return PhaseUploadPending
	case pipeline.ModeCamera:
		return PhaseCameraPending
	default:
		return PhaseVideoDisabled
	}
}

func sourceMatches(mode pipeline.Mode, source pipeline.SourceKind) bool {
	switch mode {
	case pipeline.ModeUpload:
		return source == pipeline.SourceUpload
	case pipeline.ModeCamera:
		return source == pipeline.SourceCamera
	}
	return false
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		return &ErrorInfo{Kind: pe.Kind, Message: pe.Message, At: time.Now()}
	}
	return &ErrorInfo{Kind: pipeline.KindCaptureUnavailable, Message: err.Error(), At: time.Now()}
}

// check enforces the cross-field invariants
func (s State) check() error {
	if s.Streaming && (s.Mode != pipeline.ModeCamera || !s.CaptureActive) {
		return fmt.Errorf("%w: streaming without an active camera", ErrIllegalTransition)
	}
	if s.CaptureActive && s.Mode != pipeline.ModeCamera {
		return fmt.Errorf("%w: camera active outside camera mode", ErrIllegalTransition)
	}
	if s.InFlight && s.Phase != PhaseDetecting {
		return fmt.Errorf("%w: request in flight outside detecting phase", ErrIllegalTransition)
	}
	return nil
}
