package pipeline

import (
	"context"

	"evdetect/internal/settings"
)

// Camera is a live capture device that yields one still frame per grab
type Camera interface {
	// Open acquires the device; it must be called before Grab
	Open(ctx context.Context) error

	// Ready returns true while the device is open
	Ready() bool

	// Grab captures a single JPEG still
	// Fails with KindCaptureUnavailable if the device is not open or the frame is unusable
	Grab(ctx context.Context) (*Frame, error)

	// Close releases the device. Safe to call more than once
	Close() error
}

// Detector submits one frame to the inference service
type Detector interface {
	// Detect sends the frame with the current settings and an optional bearer token.
	// Every failure is returned as *Error
	Detect(ctx context.Context, frame *Frame, cfg settings.Settings, token string) (*DetectionResult, error)
}

// DetectionResultHandler receives completed detections
type DetectionResultHandler interface {
	// OnDetectionResult is called once per accepted result
	OnDetectionResult(ctx context.Context, result *DetectionResult)
}

// DetectionResultHandlerFunc adapts a function to DetectionResultHandler
type DetectionResultHandlerFunc func(ctx context.Context, result *DetectionResult)

// OnDetectionResult implements DetectionResultHandler
func (f DetectionResultHandlerFunc) OnDetectionResult(ctx context.Context, result *DetectionResult) {
	f(ctx, result)
}
