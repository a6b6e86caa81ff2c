// Package cache keeps the most recent completed detections of a session.
package cache

import (
	"context"
	"sync"

	"evdetect/internal/pipeline"
)

// DefaultCapacity is the number of recent detections kept
const DefaultCapacity = 5

// Entry is one recent detection with the image reference shown next to it
type Entry struct {
	Result       pipeline.DetectionResult `json:"result"`
	ThumbnailRef string                   `json:"thumbnail_ref"`
}

// Recent is a bounded, most-recent-first list of detections.
// Push is the only mutation; older entries fall off the end.
type Recent struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry
}

// NewRecent creates a cache; capacity <= 0 uses DefaultCapacity
func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recent{
		capacity: capacity,
		entries:  make([]Entry, 0, capacity),
	}
}

// Push prepends an entry and truncates to capacity
func (r *Recent) Push(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]Entry, 0, r.capacity)
	next = append(next, entry)
	next = append(next, r.entries...)
	if len(next) > r.capacity {
		next = next[:r.capacity]
	}
	r.entries = next
}

// List returns a copy of the entries, most recent first
func (r *Recent) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of cached entries
func (r *Recent) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Capacity returns the maximum number of entries
func (r *Recent) Capacity() int {
	return r.capacity
}

// OnDetectionResult implements pipeline.DetectionResultHandler.
// The processed image URL doubles as the thumbnail reference.
func (r *Recent) OnDetectionResult(_ context.Context, result *pipeline.DetectionResult) {
	if result == nil {
		return
	}
	r.Push(Entry{
		Result:       *result,
		ThumbnailRef: result.ProcessedImageURL,
	})
}

var _ pipeline.DetectionResultHandler = (*Recent)(nil)
