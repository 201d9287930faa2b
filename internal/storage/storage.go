package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"driftfocus/internal/autofocus"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Drivers accepted by Open.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCgo     = "sqlite3" // github.com/mattn/go-sqlite3
)

// Search statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned for an unknown search id.
var ErrNotFound = errors.New("storage: search not found")

// Store wraps SQLite-backed persistence of focus searches.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open(DriverModernc, path)
}

// Open opens the database at path with the named driver and ensures schema.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCgo:
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; serialising here avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS focus_searches (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            source TEXT,
            params_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT,
            best_z REAL,
            x_correction REAL,
            y_correction REAL,
            corrected_x REAL,
            corrected_y REAL,
            x_variance REAL,
            y_variance REAL,
            elapsed_ms INTEGER
        );`,
		`CREATE TABLE IF NOT EXISTS focus_slices (
            search_id TEXT NOT NULL,
            slice_index INTEGER NOT NULL,
            z REAL,
            total_matches INTEGER,
            good_matches INTEGER,
            dx_pixels REAL,
            dy_pixels REAL,
            error_message TEXT,
            PRIMARY KEY (search_id, slice_index)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_focus_searches_created ON focus_searches(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// SearchRecord captures a persisted search.
type SearchRecord struct {
	ID          string             `json:"id"`
	Status      string             `json:"status"`
	Source      string             `json:"source"`
	ParamsJSON  string             `json:"params"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	Summary     *autofocus.Summary `json:"summary,omitempty"`
}

// RecordSearchQueued inserts a pending search.
func (s *Store) RecordSearchQueued(rec SearchRecord) error {
	if s == nil {
		return nil
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO focus_searches (id, status, source, params_json) VALUES (?, ?, ?, ?);`,
		rec.ID, rec.Status, rec.Source, rec.ParamsJSON)
	return err
}

// RecordSearchStart marks a search as running.
func (s *Store) RecordSearchStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE focus_searches SET status=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, StatusRunning, id)
	return err
}

// RecordSearchFailed finalizes a search that produced no result.
func (s *Store) RecordSearchFailed(id string, cause error) error {
	if s == nil {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.DB.Exec(`UPDATE focus_searches SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, StatusFailed, msg, id)
	return err
}

// ReportSearch stores the slices and summary of a finished search. A search
// that was never queued is inserted.
func (s *Store) ReportSearch(ctx context.Context, r autofocus.Report) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO focus_searches (id, status) VALUES (?, ?);`, r.SearchID, StatusRunning); err != nil {
		return err
	}
	sum := r.Summary
	if _, err := tx.ExecContext(ctx, `UPDATE focus_searches SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=NULL,
            best_z=?, x_correction=?, y_correction=?, corrected_x=?, corrected_y=?, x_variance=?, y_variance=?, elapsed_ms=?
            WHERE id=?;`,
		StatusCompleted, sum.BestZ, sum.XCorrection, sum.YCorrection, sum.CorrectedX, sum.CorrectedY,
		sum.XVariance, sum.YVariance, sum.ElapsedMillis, r.SearchID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO focus_slices (search_id, slice_index, z, total_matches, good_matches, dx_pixels, dy_pixels, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, sl := range r.Slices {
		if _, err := stmt.ExecContext(ctx, r.SearchID, sl.Index, sl.Z, sl.TotalMatches, sl.GoodMatches, sl.DXPixels, sl.DYPixels, sl.Error); err != nil {
			return fmt.Errorf("slice %d: %w", sl.Index, err)
		}
	}
	return tx.Commit()
}

const searchColumns = `id, status, source, params_json, created_at, started_at, completed_at, error_message,
    best_z, x_correction, y_correction, corrected_x, corrected_y, x_variance, y_variance, elapsed_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanSearch(row scanner) (SearchRecord, error) {
	var rec SearchRecord
	var created time.Time
	var started, completed sql.NullTime
	var source, params, errorMsg sql.NullString
	var bestZ, xc, yc, cx, cy, xv, yv sql.NullFloat64
	var elapsed sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.Status, &source, &params, &created, &started, &completed, &errorMsg,
		&bestZ, &xc, &yc, &cx, &cy, &xv, &yv, &elapsed); err != nil {
		return rec, err
	}
	rec.CreatedAt = created
	rec.Source = source.String
	rec.ParamsJSON = params.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if bestZ.Valid {
		rec.Summary = &autofocus.Summary{
			BestZ:         bestZ.Float64,
			XCorrection:   xc.Float64,
			YCorrection:   yc.Float64,
			CorrectedX:    cx.Float64,
			CorrectedY:    cy.Float64,
			XVariance:     xv.Float64,
			YVariance:     yv.Float64,
			ElapsedMillis: elapsed.Int64,
		}
	}
	return rec, nil
}

// RecentSearches returns the latest searches up to limit.
func (s *Store) RecentSearches(limit int) ([]SearchRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+searchColumns+` FROM focus_searches ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SearchRecord
	for rows.Next() {
		rec, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Search fetches one search by id.
func (s *Store) Search(id string) (SearchRecord, error) {
	if s == nil {
		return SearchRecord{}, errors.New("store not initialized")
	}
	rec, err := scanSearch(s.DB.QueryRow(`SELECT `+searchColumns+` FROM focus_searches WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// SearchSlices returns the per-slice records of a search in sweep order.
func (s *Store) SearchSlices(id string) ([]autofocus.SliceRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT slice_index, z, total_matches, good_matches, dx_pixels, dy_pixels, error_message
        FROM focus_slices WHERE search_id=? ORDER BY slice_index;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []autofocus.SliceRecord
	for rows.Next() {
		var rec autofocus.SliceRecord
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.Index, &rec.Z, &rec.TotalMatches, &rec.GoodMatches, &rec.DXPixels, &rec.DYPixels, &errorMsg); err != nil {
			return nil, err
		}
		rec.Error = errorMsg.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
