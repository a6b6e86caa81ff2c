package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"evdetect/internal/pipeline"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndGetDetection(t *testing.T) {
	db := openTestDB(t)

	rec := &DetectionRecord{
		RemoteID:          "abc",
		Label:             "Emergency Vehicle",
		Class:             "emergency",
		Confidence:        91.5,
		ProcessedFilename: "processed_abc.jpg",
		Coordinates:       []float64{1, 2, 3, 4},
		CreatedAt:         time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := db.SaveDetection(rec); err != nil {
		t.Fatalf("SaveDetection: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated journal id")
	}

	got, err := db.GetDetection(rec.ID)
	if err != nil {
		t.Fatalf("GetDetection: %v", err)
	}
	if got == nil || got.RemoteID != "abc" || got.Confidence != 91.5 || len(got.Coordinates) != 4 {
		t.Errorf("unexpected record %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("expected created_at %v, got %v", rec.CreatedAt, got.CreatedAt)
	}

	missing, err := db.GetDetection("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil for missing record, got %+v %v", missing, err)
	}
}

func TestListDetectionsFilters(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, class := range []string{"regular", "emergency", "regular", "emergency"} {
		err := db.SaveDetection(&DetectionRecord{
			RemoteID:  string(rune('a' + i)),
			Label:     class,
			Class:     class,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	all, err := db.ListDetections("", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 || all[0].RemoteID != "d" {
		t.Errorf("expected 4 records newest first, got %d (first %+v)", len(all), all[0])
	}

	emergency, _ := db.ListDetections("emergency", nil, 1)
	if len(emergency) != 1 || emergency[0].RemoteID != "d" {
		t.Errorf("unexpected emergency listing %+v", emergency)
	}

	since := base.Add(2 * time.Minute)
	recent, _ := db.ListDetections("", &since, 0)
	if len(recent) != 2 {
		t.Errorf("expected 2 records since %v, got %d", since, len(recent))
	}

	deleted, err := db.DeleteOldDetections(since)
	if err != nil || deleted != 2 {
		t.Errorf("expected 2 deleted, got %d %v", deleted, err)
	}
}

func TestJournalHandler(t *testing.T) {
	db := openTestDB(t)

	result := &pipeline.DetectionResult{
		ID:         "remote-1",
		Class:      pipeline.VehicleClassEmergency,
		Label:      pipeline.LabelEmergency,
		Confidence: 65,
		CreatedAt:  time.Now(),
	}
	db.OnDetectionResult(context.Background(), result)

	records, err := db.ListDetections("", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 journal record, got %d", len(records))
	}
	back := records[0].Result()
	if back.ID != "remote-1" || !back.IsEmergency() || back.Confidence != 65 {
		t.Errorf("unexpected round trip %+v", back)
	}
}
