// Package storage provides persistent storage for decoded J1939 frames.
package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aldas/go-j1939decode/annex"
	_ "modernc.org/sqlite"
)

// Frame represents a stored decoded frame.
type Frame struct {
	ID      int64
	Time    time.Time
	CANID   uint32
	PGN     uint32
	SA      uint8
	Decoded bool
	JSON    string
}

// DB wraps a SQLite database connection for frame storage.
type DB struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time TEXT NOT NULL,
		can_id INTEGER NOT NULL,
		pgn INTEGER NOT NULL,
		sa INTEGER NOT NULL,
		decoded INTEGER NOT NULL DEFAULT 0,
		json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_frames_pgn ON frames(pgn);
	CREATE INDEX IF NOT EXISTS idx_frames_sa ON frames(sa);
	CREATE INDEX IF NOT EXISTS idx_frames_time ON frames(time);
	`
	_, err := db.Exec(schema)
	return err
}

// InsertParams contains the parameters for inserting a frame.
type InsertParams struct {
	Time  time.Time
	Frame annex.DecodedFrame
}

// Insert stores a decoded frame in the database.
func (d *DB) Insert(p InsertParams) (int64, error) {
	frameJSON, err := annex.MarshalDecodedFrame(p.Frame, false)
	if err != nil {
		return 0, fmt.Errorf("marshal decoded frame: %w", err)
	}

	decoded := 0
	if p.Frame.Decoded {
		decoded = 1
	}
	result, err := d.db.Exec(`
		INSERT INTO frames (time, can_id, pgn, sa, decoded, json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.Time.UTC().Format(time.RFC3339Nano), p.Frame.ID, p.Frame.PGN, p.Frame.SA, decoded, string(frameJSON))
	if err != nil {
		return 0, fmt.Errorf("insert frame: %w", err)
	}

	return result.LastInsertId()
}

// QueryParams contains filtering options for querying frames.
type QueryParams struct {
	PGNs        []uint32 // Filter by PGN (any of).
	SA          *uint8   // Filter by source address.
	OnlyDecoded bool     // Only frames with at least one SPN found in database.
	Limit       int      // Max results (default 100).
	Offset      int      // Pagination offset.
	OrderDesc   bool     // Sort newest first.
}

// Query retrieves frames matching the given parameters.
func (d *DB) Query(p QueryParams) ([]Frame, error) {
	conditions, args := p.where()

	query := `SELECT id, time, can_id, pgn, sa, decoded, json FROM frames`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	direction := "ASC"
	if p.OrderDesc {
		direction = "DESC"
	}
	limit := 100
	if p.Limit > 0 {
		limit = p.Limit
	}
	query += fmt.Sprintf(" ORDER BY id %s LIMIT %d OFFSET %d", direction, limit, p.Offset)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var frames []Frame
	for rows.Next() {
		var f Frame
		var ts string
		var decoded int
		if err := rows.Scan(&f.ID, &ts, &f.CANID, &f.PGN, &f.SA, &decoded, &f.JSON); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse time of row %d: %w", f.ID, err)
		}
		f.Time = t
		f.Decoded = decoded == 1

		frames = append(frames, f)
	}

	return frames, rows.Err()
}

// Count returns number of stored frames matching the given parameters. Limit and offset are ignored.
func (d *DB) Count(p QueryParams) (int, error) {
	conditions, args := p.where()

	query := `SELECT COUNT(*) FROM frames`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	var count int
	if err := d.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count frames: %w", err)
	}
	return count, nil
}

// CountByPGN returns number of stored frames per PGN.
func (d *DB) CountByPGN() (map[uint32]int, error) {
	rows, err := d.db.Query(`SELECT pgn, COUNT(*) FROM frames GROUP BY pgn`)
	if err != nil {
		return nil, fmt.Errorf("count frames by pgn: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := map[uint32]int{}
	for rows.Next() {
		var pgn uint32
		var count int
		if err := rows.Scan(&pgn, &count); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result[pgn] = count
	}
	return result, rows.Err()
}

func (p QueryParams) where() ([]string, []interface{}) {
	var conditions []string
	var args []interface{}

	if len(p.PGNs) > 0 {
		placeholders := make([]string, len(p.PGNs))
		for i, pgn := range p.PGNs {
			placeholders[i] = "?"
			args = append(args, pgn)
		}
		conditions = append(conditions, "pgn IN ("+strings.Join(placeholders, ",")+")")
	}
	if p.SA != nil {
		conditions = append(conditions, "sa = ?")
		args = append(args, *p.SA)
	}
	if p.OnlyDecoded {
		conditions = append(conditions, "decoded = 1")
	}
	return conditions, args
}
