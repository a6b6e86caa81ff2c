package cache

import (
	"context"
	"fmt"
	"testing"

	"evdetect/internal/pipeline"
)

func entry(id string) Entry {
	return Entry{
		Result:       pipeline.DetectionResult{ID: id},
		ThumbnailRef: "/api/uploads/" + id + ".jpg",
	}
}

func TestPushSixKeepsFiveMostRecentFirst(t *testing.T) {
	r := NewRecent(0)
	for i := 1; i <= 6; i++ {
		r.Push(entry(fmt.Sprintf("d%d", i)))
	}

	list := r.List()
	if len(list) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(list))
	}

	expected := []string{"d6", "d5", "d4", "d3", "d2"}
	for i, id := range expected {
		if list[i].Result.ID != id {
			t.Errorf("entry %d: expected %s, got %s", i, id, list[i].Result.ID)
		}
	}
}

func TestPushDoesNotDeduplicate(t *testing.T) {
	r := NewRecent(5)
	r.Push(entry("same"))
	r.Push(entry("same"))

	if r.Len() != 2 {
		t.Errorf("expected 2 entries for repeated detections, got %d", r.Len())
	}
}

func TestListReturnsCopy(t *testing.T) {
	r := NewRecent(5)
	r.Push(entry("a"))

	list := r.List()
	list[0].Result.ID = "mutated"

	if r.List()[0].Result.ID != "a" {
		t.Error("List must not expose internal storage")
	}
}

func TestOnDetectionResultUsesProcessedImage(t *testing.T) {
	r := NewRecent(5)
	r.OnDetectionResult(context.Background(), &pipeline.DetectionResult{
		ID:                "x",
		ProcessedImageURL: "http://svc/api/uploads/processed_x.jpg",
	})
	r.OnDetectionResult(context.Background(), nil)

	list := r.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(list))
	}
	if list[0].ThumbnailRef != "http://svc/api/uploads/processed_x.jpg" {
		t.Errorf("unexpected thumbnail ref %q", list[0].ThumbnailRef)
	}
}
