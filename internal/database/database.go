package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"evdetect/internal/pipeline"
)

// Database is the local detection journal
type Database struct {
	db *sql.DB
}

// DetectionRecord represents a completed detection stored in the journal
type DetectionRecord struct {
	ID                string
	RemoteID          string
	Label             string
	Class             string
	Confidence        float64
	ProcessedFilename string
	ProcessedImageURL string
	Coordinates       []float64
	CreatedAt         time.Time
}

// New opens (and creates) the journal at dbPath
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			remote_id TEXT NOT NULL,
			label TEXT NOT NULL,
			class TEXT NOT NULL,
			confidence REAL,
			processed_filename TEXT,
			processed_image_url TEXT,
			coordinates TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_time ON detections(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_class_time ON detections(class, created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Debug().Str("component", "database").Msg("journal migrations completed")
	return nil
}

// SaveDetection stores a detection. A record with an empty ID gets a new one
func (d *Database) SaveDetection(rec *DetectionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	coordsJSON, err := json.Marshal(rec.Coordinates)
	if err != nil {
		return fmt.Errorf("failed to marshal coordinates: %w", err)
	}

	query := `INSERT INTO detections
		(id, remote_id, label, class, confidence, processed_filename, processed_image_url, coordinates, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	_, err = d.db.Exec(query, rec.ID, rec.RemoteID, rec.Label, rec.Class, rec.Confidence,
		rec.ProcessedFilename, rec.ProcessedImageURL, string(coordsJSON), rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save detection: %w", err)
	}
	return nil
}

// GetDetection retrieves a detection by journal ID
func (d *Database) GetDetection(id string) (*DetectionRecord, error) {
	query := `SELECT id, remote_id, label, class, confidence, processed_filename,
		processed_image_url, coordinates, created_at
		FROM detections WHERE id = ?`

	rec, err := scanDetection(d.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}
	return rec, nil
}

// ListDetections returns detections newest first with optional filtering
func (d *Database) ListDetections(class string, since *time.Time, limit int) ([]*DetectionRecord, error) {
	query := `SELECT id, remote_id, label, class, confidence, processed_filename,
		processed_image_url, coordinates, created_at
		FROM detections WHERE 1=1`
	args := []interface{}{}

	if class != "" {
		query += " AND class = ?"
		args = append(args, class)
	}

	if since != nil {
		query += " AND created_at >= ?"
		args = append(args, since.UTC())
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var records []*DetectionRecord
	for rows.Next() {
		rec, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteOldDetections deletes detections older than before
func (d *Database) DeleteOldDetections(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM detections WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old detections: %w", err)
	}
	return result.RowsAffected()
}

// OnDetectionResult implements pipeline.DetectionResultHandler. Journal
// failures are logged; they never affect the session
func (d *Database) OnDetectionResult(_ context.Context, result *pipeline.DetectionResult) {
	if err := d.SaveDetection(RecordFromResult(result)); err != nil {
		log.Warn().Str("component", "database").Err(err).Str("detection_id", result.ID).Msg("journal write failed")
	}
}

// RecordFromResult converts a detection result to a journal record
func RecordFromResult(r *pipeline.DetectionResult) *DetectionRecord {
	return &DetectionRecord{
		RemoteID:          r.ID,
		Label:             r.Label,
		Class:             string(r.Class),
		Confidence:        r.Confidence,
		ProcessedFilename: r.ProcessedFilename,
		ProcessedImageURL: r.ProcessedImageURL,
		Coordinates:       r.Coordinates,
		CreatedAt:         r.CreatedAt,
	}
}

// Result converts a journal record back to a detection result
func (rec *DetectionRecord) Result() pipeline.DetectionResult {
	return pipeline.DetectionResult{
		ID:                rec.RemoteID,
		Class:             pipeline.VehicleClass(rec.Class),
		Label:             rec.Label,
		Confidence:        rec.Confidence,
		ProcessedFilename: rec.ProcessedFilename,
		ProcessedImageURL: rec.ProcessedImageURL,
		Coordinates:       rec.Coordinates,
		CreatedAt:         rec.CreatedAt,
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDetection(row scanner) (*DetectionRecord, error) {
	var rec DetectionRecord
	var coordsJSON string

	if err := row.Scan(&rec.ID, &rec.RemoteID, &rec.Label, &rec.Class, &rec.Confidence,
		&rec.ProcessedFilename, &rec.ProcessedImageURL, &coordsJSON, &rec.CreatedAt); err != nil {
		return nil, err
	}

	if coordsJSON != "" && coordsJSON != "null" {
		if err := json.Unmarshal([]byte(coordsJSON), &rec.Coordinates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal coordinates: %w", err)
		}
	}
	return &rec, nil
}

var _ pipeline.DetectionResultHandler = (*Database)(nil)
