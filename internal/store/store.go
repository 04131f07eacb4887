// Package store keeps a short history of fused detections and telemetry in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/timeutil"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

const schema = `
	CREATE TABLE IF NOT EXISTS telemetry (
		telemetry_id INTEGER PRIMARY KEY AUTOINCREMENT,
		fps DOUBLE NOT NULL,
		latency_ms BIGINT NOT NULL,
		recorded_at BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS composites (
		composite_id INTEGER PRIMARY KEY AUTOINCREMENT,
		frame_seq BIGINT NOT NULL,
		tag_id BIGINT NOT NULL,
		hamming INTEGER NOT NULL,
		center_x DOUBLE NOT NULL,
		center_y DOUBLE NOT NULL,
		corners_json TEXT NOT NULL,
		roll DOUBLE NOT NULL,
		recorded_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_composites_recorded_at ON composites (recorded_at);
	CREATE INDEX IF NOT EXISTS idx_telemetry_recorded_at ON telemetry (recorded_at);
`

// Store wraps the history database.
type Store struct {
	*sql.DB
	clock timeutil.Clock
}

// Composite is one stored composite tag.
type Composite struct {
	FrameSeq   uint64       `json:"frame_seq"`
	TagID      int          `json:"tag_id"`
	Hamming    int          `json:"hamming"`
	Center     [2]float64   `json:"center"`
	Corners    [][2]float64 `json:"corners"`
	Roll       float64      `json:"roll"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// Telemetry is one stored telemetry window.
type Telemetry struct {
	FPS        float64   `json:"fps"`
	LatencyMs  int64     `json:"latency_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Open opens (creating if needed) the database at path. Use ":memory:" for a
// throwaway database.
func Open(path string) (*Store, error) {
	return OpenWithClock(path, timeutil.RealClock{})
}

// OpenWithClock is Open with an injected clock for recorded_at stamps.
func OpenWithClock(path string, clock timeutil.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{DB: db, clock: clock}, nil
}

// RecordTelemetry stores one telemetry window.
func (s *Store) RecordTelemetry(ctx context.Context, fps float64, latencyMs int64) error {
	_, err := s.ExecContext(ctx,
		"INSERT INTO telemetry (fps, latency_ms, recorded_at) VALUES (?, ?, ?)",
		fps, latencyMs, s.clock.Now().UnixNano())
	return err
}

// RecordResult stores every composite of res. Results without composites are
// not stored.
func (s *Store) RecordResult(ctx context.Context, res types.FrameResult) error {
	if len(res.Composites) == 0 {
		return nil
	}

	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO composites (frame_seq, tag_id, hamming, center_x, center_y, corners_json, roll, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := s.clock.Now().UnixNano()
	for _, d := range res.Composites {
		corners, err := json.Marshal(cornerPairs(d))
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			int64(res.Seq), d.ID, d.Hamming, d.Center.X, d.Center.Y, string(corners), d.Roll(), now,
		); err != nil {
			return fmt.Errorf("failed to insert composite %d: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// RecentComposites returns up to limit composites, newest first.
func (s *Store) RecentComposites(ctx context.Context, limit int) ([]Composite, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT frame_seq, tag_id, hamming, center_x, center_y, corners_json, roll, recorded_at
		FROM composites ORDER BY composite_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Composite
	for rows.Next() {
		var (
			c          Composite
			seq        int64
			corners    string
			recordedAt int64
		)
		if err := rows.Scan(&seq, &c.TagID, &c.Hamming, &c.Center[0], &c.Center[1], &corners, &c.Roll, &recordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(corners), &c.Corners); err != nil {
			return nil, fmt.Errorf("corrupt corners for tag %d: %w", c.TagID, err)
		}
		c.FrameSeq = uint64(seq)
		c.RecordedAt = time.Unix(0, recordedAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RecentTelemetry returns up to limit telemetry windows, newest first.
func (s *Store) RecentTelemetry(ctx context.Context, limit int) ([]Telemetry, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT fps, latency_ms, recorded_at
		FROM telemetry ORDER BY telemetry_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Telemetry
	for rows.Next() {
		var (
			t          Telemetry
			recordedAt int64
		)
		if err := rows.Scan(&t.FPS, &t.LatencyMs, &recordedAt); err != nil {
			return nil, err
		}
		t.RecordedAt = time.Unix(0, recordedAt)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func cornerPairs(d types.Detection) [][2]float64 {
	out := make([][2]float64, len(d.Corners))
	for i, c := range d.Corners {
		out[i] = [2]float64{c.X, c.Y}
	}
	return out
}
