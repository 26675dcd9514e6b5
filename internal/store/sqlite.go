package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Lllllllleong/testcaseflow/internal/models"
)

// schemaSQL is the authoritative SQLite schema. Statuses and kinds are
// constrained to the closed enums in models.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS usecases (
    id         TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS usecase_stages (
    usecase_id TEXT NOT NULL REFERENCES usecases(id),
    stage      TEXT NOT NULL CHECK (stage IN ('extraction', 'requirement', 'scenario', 'testcase')),
    status     TEXT NOT NULL CHECK (status IN ('NOT_STARTED', 'IN_PROGRESS', 'COMPLETED', 'FAILED')),
    confirmed  INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (usecase_id, stage)
);

CREATE TABLE IF NOT EXISTS source_files (
    id                TEXT PRIMARY KEY,
    usecase_id        TEXT NOT NULL REFERENCES usecases(id),
    blob_uri          TEXT NOT NULL,
    original_filename TEXT,
    file_hash         TEXT,
    status            TEXT NOT NULL CHECK (status IN ('NOT_STARTED', 'IN_PROGRESS', 'COMPLETED', 'FAILED')),
    error_details     TEXT,
    page_count        INTEGER NOT NULL DEFAULT 0,
    completed_pages   INTEGER NOT NULL DEFAULT 0,
    error_pages       INTEGER NOT NULL DEFAULT 0,
    created_at        TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_source_files_usecase ON source_files(usecase_id);
CREATE INDEX IF NOT EXISTS idx_source_files_hash ON source_files(usecase_id, file_hash);

CREATE TABLE IF NOT EXISTS page_results (
    file_id       TEXT NOT NULL REFERENCES source_files(id),
    page_number   INTEGER NOT NULL,
    text          TEXT NOT NULL DEFAULT '',
    completed     INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    updated_at    TIMESTAMP NOT NULL,
    PRIMARY KEY (file_id, page_number)
);

CREATE TABLE IF NOT EXISTS generated_items (
    id         TEXT PRIMARY KEY,
    usecase_id TEXT NOT NULL REFERENCES usecases(id),
    kind       TEXT NOT NULL CHECK (kind IN ('requirement', 'scenario', 'testcase')),
    parent_id  TEXT NOT NULL,
    display_id INTEGER NOT NULL,
    payload    BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (usecase_id, kind, display_id)
);

CREATE TABLE IF NOT EXISTS item_counters (
    usecase_id TEXT NOT NULL,
    kind       TEXT NOT NULL,
    next_value INTEGER NOT NULL,
    PRIMARY KEY (usecase_id, kind)
);
`

// SQLite is a Store backed by a local SQLite database. It backs the localflow
// harness; the deployed pipeline uses Firestore.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens the database at path, creating the parent directory and
// applying the schema when needed. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite permits one writer at a time, and every pooled connection to a
	// ":memory:" DSN would otherwise see its own empty database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func (s *SQLite) CreateUsecase(ctx context.Context, u *models.Usecase) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
		u.UpdatedAt = u.CreatedAt
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO usecases (id, created_at, updated_at) VALUES (?, ?, ?)",
		u.ID, u.CreatedAt, u.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert usecase %s: %w", u.ID, err)
	}
	for _, stage := range models.Stages {
		st, _ := u.Stage(stage)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO usecase_stages (usecase_id, stage, status, confirmed, updated_at) VALUES (?, ?, ?, ?, ?)",
			u.ID, string(stage), string(st.Status), st.Confirmed, u.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert stage %s for usecase %s: %w", stage, u.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) GetUsecase(ctx context.Context, id string) (*models.Usecase, error) {
	u := &models.Usecase{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at, updated_at FROM usecases WHERE id = ?", id,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("usecase %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usecase %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT stage, status, confirmed, updated_at FROM usecase_stages WHERE usecase_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load stages for usecase %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			stage  string
			status string
			st     models.StageState
		)
		if err := rows.Scan(&stage, &status, &st.Confirmed, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage row: %w", err)
		}
		st.Status = models.Status(status)
		u.SetStage(models.Stage(stage), st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage rows: %w", err)
	}
	return u, nil
}

func (s *SQLite) SetStageStatus(ctx context.Context, usecaseID string, stage models.Stage, status models.Status) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		"UPDATE usecase_stages SET status = ?, updated_at = ? WHERE usecase_id = ? AND stage = ?",
		string(status), now, usecaseID, string(stage))
	if err != nil {
		return fmt.Errorf("failed to update stage %s of usecase %s: %w", stage, usecaseID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("usecase %s stage %s: %w", usecaseID, stage, ErrNotFound)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE usecases SET updated_at = ? WHERE id = ?", now, usecaseID); err != nil {
		return fmt.Errorf("failed to touch usecase %s: %w", usecaseID, err)
	}
	return nil
}

func (s *SQLite) ConfirmStage(ctx context.Context, usecaseID string, stage models.Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE usecase_stages SET confirmed = 1, updated_at = ? WHERE usecase_id = ? AND stage = ?",
		s.now(), usecaseID, string(stage))
	if err != nil {
		return fmt.Errorf("failed to confirm stage %s of usecase %s: %w", stage, usecaseID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("usecase %s stage %s: %w", usecaseID, stage, ErrNotFound)
	}
	return nil
}

const fileSelectCols = "id, usecase_id, blob_uri, original_filename, file_hash, status, error_details, page_count, completed_pages, error_pages, created_at, updated_at"

func scanSourceFile(scanner interface {
	Scan(dest ...any) error
}) (*models.SourceFile, error) {
	var (
		f            models.SourceFile
		filename     sql.NullString
		hash         sql.NullString
		status       string
		errorDetails sql.NullString
	)
	err := scanner.Scan(
		&f.ID, &f.UsecaseID, &f.BlobURI, &filename, &hash, &status, &errorDetails,
		&f.PageCount, &f.CompletedPages, &f.ErrorPages, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.OriginalFilename = filename.String
	f.FileHash = hash.String
	f.Status = models.Status(status)
	f.ErrorDetails = errorDetails.String
	return &f, nil
}

func (s *SQLite) CreateSourceFile(ctx context.Context, f *models.SourceFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
		f.UpdatedAt = f.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_files (id, usecase_id, blob_uri, original_filename, file_hash, status, error_details, page_count, completed_pages, error_pages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UsecaseID, f.BlobURI, nullString(f.OriginalFilename), nullString(f.FileHash),
		string(f.Status), nullString(f.ErrorDetails), f.PageCount, f.CompletedPages, f.ErrorPages,
		f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert source file %s: %w", f.ID, err)
	}
	return nil
}

func (s *SQLite) GetSourceFile(ctx context.Context, id string) (*models.SourceFile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+fileSelectCols+" FROM source_files WHERE id = ?", id)
	f, err := scanSourceFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source file %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load source file %s: %w", id, err)
	}
	return f, nil
}

func (s *SQLite) ListSourceFiles(ctx context.Context, usecaseID string) ([]*models.SourceFile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+fileSelectCols+" FROM source_files WHERE usecase_id = ? ORDER BY created_at, id", usecaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list source files for usecase %s: %w", usecaseID, err)
	}
	defer rows.Close()
	var out []*models.SourceFile
	for rows.Next() {
		f, err := scanSourceFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source file row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate source file rows: %w", err)
	}
	return out, nil
}

func (s *SQLite) FindFileByHash(ctx context.Context, usecaseID, hash string) (*models.SourceFile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+fileSelectCols+" FROM source_files WHERE usecase_id = ? AND file_hash = ? LIMIT 1",
		usecaseID, hash)
	f, err := scanSourceFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file with hash %s in usecase %s: %w", hash, usecaseID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up file by hash: %w", err)
	}
	return f, nil
}

func (s *SQLite) SetFileStatus(ctx context.Context, fileID string, status models.Status, errorDetails string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE source_files SET status = ?, error_details = ?, updated_at = ? WHERE id = ?",
		string(status), nullString(errorDetails), s.now(), fileID)
	if err != nil {
		return fmt.Errorf("failed to update status of file %s: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source file %s: %w", fileID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) SetFileSummary(ctx context.Context, fileID string, status models.Status, pageCount, completedPages, errorPages int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE source_files SET status = ?, page_count = ?, completed_pages = ?, error_pages = ?, updated_at = ? WHERE id = ?",
		string(status), pageCount, completedPages, errorPages, s.now(), fileID)
	if err != nil {
		return fmt.Errorf("failed to update summary of file %s: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source file %s: %w", fileID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) UpsertPageResult(ctx context.Context, p *models.PageResult) error {
	p.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO page_results (file_id, page_number, text, completed, error_message, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (file_id, page_number) DO UPDATE SET
		     text = excluded.text,
		     completed = excluded.completed,
		     error_message = excluded.error_message,
		     updated_at = excluded.updated_at`,
		p.FileID, p.PageNumber, p.Text, p.Completed, nullString(p.ErrorMessage), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert page %d of file %s: %w", p.PageNumber, p.FileID, err)
	}
	return nil
}

func (s *SQLite) ListPageResults(ctx context.Context, fileID string) ([]*models.PageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT file_id, page_number, text, completed, error_message, updated_at FROM page_results WHERE file_id = ? ORDER BY page_number",
		fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages of file %s: %w", fileID, err)
	}
	defer rows.Close()
	var out []*models.PageResult
	for rows.Next() {
		var (
			p        models.PageResult
			errorMsg sql.NullString
		)
		if err := rows.Scan(&p.FileID, &p.PageNumber, &p.Text, &p.Completed, &errorMsg, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan page row: %w", err)
		}
		p.ErrorMessage = errorMsg.String
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate page rows: %w", err)
	}
	return out, nil
}

// InsertGeneratedItem assigns the item's DisplayID from the per-usecase,
// per-kind counter row and inserts the item in the same transaction, so the
// sequence stays dense and monotonic even across crashed runs.
func (s *SQLite) InsertGeneratedItem(ctx context.Context, item *models.GeneratedItem) error {
	if !item.Kind.GeneratesItems() {
		return fmt.Errorf("stage %q does not generate items", item.Kind)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO item_counters (usecase_id, kind, next_value) VALUES (?, ?, 1)
		 ON CONFLICT (usecase_id, kind) DO UPDATE SET next_value = next_value + 1
		 RETURNING next_value`,
		item.UsecaseID, string(item.Kind),
	).Scan(&item.DisplayID)
	if err != nil {
		return fmt.Errorf("failed to advance display id counter: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO generated_items (id, usecase_id, kind, parent_id, display_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UsecaseID, string(item.Kind), item.ParentID, item.DisplayID, []byte(item.Payload), item.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert generated item %s: %w", item.ID, err)
	}
	return tx.Commit()
}

func (s *SQLite) ListGeneratedItems(ctx context.Context, usecaseID string, kind models.Stage) ([]*models.GeneratedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, usecase_id, kind, parent_id, display_id, payload, created_at FROM generated_items WHERE usecase_id = ? AND kind = ? ORDER BY display_id",
		usecaseID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s items of usecase %s: %w", kind, usecaseID, err)
	}
	defer rows.Close()
	var out []*models.GeneratedItem
	for rows.Next() {
		var (
			it      models.GeneratedItem
			k       string
			payload []byte
		)
		if err := rows.Scan(&it.ID, &it.UsecaseID, &k, &it.ParentID, &it.DisplayID, &payload, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		it.Kind = models.Stage(k)
		it.Payload = payload
		out = append(out, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate item rows: %w", err)
	}
	return out, nil
}

func (s *SQLite) CountGeneratedItems(ctx context.Context, usecaseID string, kind models.Stage) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM generated_items WHERE usecase_id = ? AND kind = ?",
		usecaseID, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s items of usecase %s: %w", kind, usecaseID, err)
	}
	return n, nil
}
