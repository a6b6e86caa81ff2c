// Package settings holds the detection options of a workspace session.
// Settings live for the lifetime of the session and are never persisted.
package settings

import (
	"sync"
)

const (
	MinConfidenceThreshold     = 50
	MaxConfidenceThreshold     = 95
	DefaultConfidenceThreshold = 70
)

// Settings parameterize detection requests and result handling.
// ConfidenceThreshold is forwarded to the service and used for display styling;
// it never filters results client side.
type Settings struct {
	ConfidenceThreshold int  `json:"confidence_threshold"`
	EnhanceContrast     bool `json:"enhance_contrast"`
	NoiseReduction      bool `json:"noise_reduction"`
	TrackVehicles       bool `json:"track_vehicles"`
	ShowBoundingBoxes   bool `json:"show_bounding_boxes"`
	AlertSound          bool `json:"alert_sound"`
}

// Defaults returns the initial settings of a new session
func Defaults() Settings {
	return Settings{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		EnhanceContrast:     false,
		NoiseReduction:      true,
		TrackVehicles:       true,
		ShowBoundingBoxes:   true,
		AlertSound:          false,
	}
}

// ClampThreshold limits a confidence threshold to [50, 95]
func ClampThreshold(v int) int {
	if v < MinConfidenceThreshold {
		return MinConfidenceThreshold
	}
	if v > MaxConfidenceThreshold {
		return MaxConfidenceThreshold
	}
	return v
}

// Normalized returns a copy with the threshold clamped
func (s Settings) Normalized() Settings {
	s.ConfidenceThreshold = ClampThreshold(s.ConfidenceThreshold)
	return s
}

// AboveThreshold reports whether a confidence reaches the configured threshold.
// Used for display styling only.
func (s Settings) AboveThreshold(confidence float64) bool {
	return confidence >= float64(s.ConfidenceThreshold)
}

// Store is a mutable, concurrency-safe settings record
type Store struct {
	mu       sync.RWMutex
	settings Settings
}

// NewStore creates a store from initial settings, clamping the threshold
func NewStore(initial Settings) *Store {
	return &Store{settings: initial.Normalized()}
}

// Get returns a copy of the current settings
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// SetConfidenceThreshold stores the clamped threshold and returns the stored value
func (s *Store) SetConfidenceThreshold(v int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.ConfidenceThreshold = ClampThreshold(v)
	return s.settings.ConfidenceThreshold
}

// SetAlertSound toggles the alert cue
func (s *Store) SetAlertSound(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.AlertSound = on
}

// Update applies fn to the settings and re-clamps the threshold
func (s *Store) Update(fn func(*Settings)) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
	s.settings = s.settings.Normalized()
	return s.settings
}
