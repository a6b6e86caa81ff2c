package ws

import (
	"encoding/json"
	"time"

	"evdetect/internal/pipeline"
)

// EventDetectionUpdate is the only event the service pushes
const EventDetectionUpdate = "detection_update"

// Envelope is the frame format of the real-time channel
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DetectionUpdate is a detection completed by any client of the service
type DetectionUpdate struct {
	DetectionID       string          `json:"detection_id"`
	DetectionType     string          `json:"detection_type"`
	Confidence        float64         `json:"confidence"`
	ProcessedFilename string          `json:"processed_filename,omitempty"`
	Coordinates       json.RawMessage `json:"coordinates,omitempty"`
	ReceivedAt        time.Time       `json:"-"`
}

// Result converts the update to a detection result
func (u *DetectionUpdate) Result() pipeline.DetectionResult {
	return pipeline.DetectionResult{
		ID:                u.DetectionID,
		Class:             pipeline.ClassFromLabel(u.DetectionType),
		Label:             u.DetectionType,
		Confidence:        u.Confidence,
		ProcessedFilename: u.ProcessedFilename,
		Coordinates:       pipeline.DecodeCoordinates(u.Coordinates),
		CreatedAt:         u.ReceivedAt,
	}
}

// NewDetectionEnvelope wraps an update for sending
func NewDetectionEnvelope(u *DetectionUpdate) (*Envelope, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: EventDetectionUpdate, Data: data}, nil
}
