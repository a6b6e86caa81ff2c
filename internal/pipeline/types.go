package pipeline

import (
	"encoding/json"
	"time"
)

// Mode selects the capture workflow of a detection session
type Mode string

const (
	// ModeUpload - a user-chosen image file
	ModeUpload Mode = "upload"
	// ModeCamera - stills grabbed from a live camera, optionally streamed
	ModeCamera Mode = "camera"
	// ModeVideo - video file analysis; not available, the mode is permanently disabled
	ModeVideo Mode = "video"
)

// Valid reports whether m is one of the known modes
func (m Mode) Valid() bool {
	switch m {
	case ModeUpload, ModeCamera, ModeVideo:
		return true
	}
	return false
}

// SourceKind identifies where a frame came from
type SourceKind string

const (
	SourceUpload SourceKind = "upload"
	SourceCamera SourceKind = "camera"
)

// Frame is one still image captured for detection.
// It is handed to the detection client exactly once and then dropped.
type Frame struct {
	Data      []byte     // Encoded image bytes
	MimeType  string     // image/jpeg or image/png
	Source    SourceKind // Upload or camera
	Filename  string     // Display name only, never trusted
	Seq       uint64     // Capture sequence number
	Timestamp time.Time  // Capture timestamp
}

// Size returns the encoded size of the frame in bytes
func (f *Frame) Size() int {
	if f == nil {
		return 0
	}
	return len(f.Data)
}

// VehicleClass is the classification returned for a frame
type VehicleClass string

const (
	VehicleClassEmergency VehicleClass = "emergency"
	VehicleClassRegular   VehicleClass = "regular"
)

// LabelEmergency is the detection_type the inference service uses for emergency vehicles
const LabelEmergency = "Emergency Vehicle"

// ClassFromLabel maps the service's detection_type label to a vehicle class.
// Anything that is not the emergency label (including "No vehicle detected") is regular.
func ClassFromLabel(label string) VehicleClass {
	if label == LabelEmergency {
		return VehicleClassEmergency
	}
	return VehicleClassRegular
}

// DetectionResult is one completed classification of a frame
type DetectionResult struct {
	ID                string       `json:"id"`
	Class             VehicleClass `json:"class"`
	Label             string       `json:"label"`      // Raw detection_type from the service
	Confidence        float64      `json:"confidence"` // Percent [0-100]
	ProcessedFilename string       `json:"processed_filename,omitempty"`
	ProcessedImageURL string       `json:"processed_image_url,omitempty"`
	Coordinates       []float64    `json:"coordinates,omitempty"` // Bounding box x, y, width, height
	CreatedAt         time.Time    `json:"created_at"`
}

// IsEmergency reports whether the result classifies an emergency vehicle
func (r *DetectionResult) IsEmergency() bool {
	return r != nil && r.Class == VehicleClassEmergency
}

// Box is the object form of a bounding box
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DecodeCoordinates accepts a bounding box as a JSON list or as an
// {x, y, width, height} object. Anything else yields nil
func DecodeCoordinates(raw json.RawMessage) []float64 {
	if len(raw) == 0 {
		return nil
	}
	var coords []float64
	if err := json.Unmarshal(raw, &coords); err == nil {
		return coords
	}
	var box *Box
	if err := json.Unmarshal(raw, &box); err != nil || box == nil {
		return nil
	}
	return []float64{box.X, box.Y, box.Width, box.Height}
}

// BoxFromCoordinates returns the box of a four element coordinate list
func BoxFromCoordinates(coords []float64) (Box, bool) {
	if len(coords) != 4 || coords[2] <= 0 || coords[3] <= 0 {
		return Box{}, false
	}
	return Box{X: coords[0], Y: coords[1], Width: coords[2], Height: coords[3]}, true
}

// SchedulerStats contains streaming clock statistics
type SchedulerStats struct {
	Ticks    uint64
	Skipped  uint64 // Ticks dropped because a request was still in flight
	Runs     uint64
	Failures uint64
	Running  bool
	Period   time.Duration
}
