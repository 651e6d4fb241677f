package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/twinstack/loom/internal/errdefs"
	"github.com/twinstack/loom/pkg/id"
)

// SQLiteStore is the relational Adapter, for deployments that want the
// record metadata queryable with SQL. One table per stream, migrations
// tracked per stream in schema_migrations.
type SQLiteStore struct {
	db       *sql.DB
	gen      *id.Generator
	resolver BlobResolver
}

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(path string, resolver BlobResolver) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, &errdefs.DatabaseError{Op: "open", Cause: err}
	}
	s := &SQLiteStore{db: db, gen: id.NewGenerator(), resolver: resolver}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS streams (
			name TEXT PRIMARY KEY,
			created_at_ms INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS schema_migrations (
			stream TEXT NOT NULL,
			name TEXT NOT NULL,
			applied_at_ms INTEGER NOT NULL,
			PRIMARY KEY (stream, name)
		);`)
	if err != nil {
		return &errdefs.DatabaseError{Op: "init", Cause: err}
	}
	return nil
}

// tableName maps a stream name onto a safe SQL identifier.
func tableName(stream string) string {
	var b strings.Builder
	b.WriteString("records_")
	for _, r := range stream {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *SQLiteStore) dbErr(op, stream string, err error) error {
	// a missing stream table is the relational form of an unknown stream,
	// not an I/O failure; the driver only exposes it by message
	if err != nil && strings.Contains(err.Error(), "no such table") {
		return ErrUnknownStream
	}
	return &errdefs.DatabaseError{Stream: stream, Op: op, Cause: err}
}

// HasStream reports whether the stream is registered.
func (s *SQLiteStore) HasStream(ctx context.Context, stream string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams WHERE name = ?`, stream).Scan(&n)
	if err != nil {
		return false, s.dbErr("hasStream", stream, err)
	}
	return n > 0, nil
}

// CreateStream registers the stream. Idempotent; the backing table is
// created by MigrateStream's "init" step.
func (s *SQLiteStore) CreateStream(ctx context.Context, stream string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO streams (name, created_at_ms) VALUES (?, ?)`,
		stream, time.Now().UnixMilli())
	if err != nil {
		return s.dbErr("createStream", stream, err)
	}
	return nil
}

// sqliteMigrations maps migration names (shared with the Pebble store) to
// their DDL per stream table.
func sqliteMigrations(table string) []struct{ name, ddl string } {
	return []struct{ name, ddl string }{
		{"init", fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			date_ms INTEGER NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			blob_ref TEXT NOT NULL DEFAULT ''
		)`, table)},
		{"asset-upload-fields", fmt.Sprintf(`ALTER TABLE %s ADD COLUMN description TEXT;
			ALTER TABLE %s ADD COLUMN source TEXT;
			ALTER TABLE %s ADD COLUMN owner_id TEXT;
			ALTER TABLE %s ADD COLUMN filename TEXT;
			ALTER TABLE %s ADD COLUMN is_public INTEGER;
			ALTER TABLE %s ADD COLUMN upload_status TEXT;
			ALTER TABLE %s ADD COLUMN upload_error TEXT;
			ALTER TABLE %s ADD COLUMN upload_job_id TEXT`,
			table, table, table, table, table, table, table, table)},
		{"date-id-ordering", fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_date ON %s (date_ms, id)`, table, table)},
	}
}

// MigrateStream applies pending DDL steps and returns their names.
func (s *SQLiteStore) MigrateStream(ctx context.Context, stream string) ([]string, error) {
	ok, err := s.HasStream(ctx, stream)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownStream
	}

	table := tableName(stream)
	var applied []string
	for _, m := range sqliteMigrations(table) {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE stream = ? AND name = ?`,
			stream, m.name).Scan(&n)
		if err != nil {
			return applied, s.dbErr("migrateStream", stream, err)
		}
		if n > 0 {
			continue
		}
		for _, stmt := range strings.Split(m.ddl, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return applied, s.dbErr("migrateStream", stream, err)
			}
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (stream, name, applied_at_ms) VALUES (?, ?, ?)`,
			stream, m.name, time.Now().UnixMilli()); err != nil {
			return applied, s.dbErr("migrateStream", stream, err)
		}
		applied = append(applied, m.name)
	}
	return applied, nil
}

const recordColumns = `id, date_ms, content_type, blob_ref, description, source,
	owner_id, filename, is_public, upload_status, upload_error, upload_job_id`

// Save appends a record to its stream table.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) (id.ID, error) {
	if rec.StreamName == "" {
		return id.ID{}, s.dbErr("save", "", errors.New("record has no stream name"))
	}
	ok, err := s.HasStream(ctx, rec.StreamName)
	if err != nil {
		return id.ID{}, err
	}
	if !ok {
		return id.ID{}, ErrUnknownStream
	}
	if rec.ID.IsZero() {
		rec.ID = s.gen.Next()
	}
	if rec.Date == 0 {
		rec.Date = time.Now().UnixMilli()
	}

	var isPublic interface{}
	if rec.IsPublic != nil {
		if *rec.IsPublic {
			isPublic = 1
		} else {
			isPublic = 0
		}
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tableName(rec.StreamName), recordColumns),
		rec.ID.String(), rec.Date, rec.ContentType, rec.BlobRef,
		rec.Description, rec.Source, rec.OwnerID, rec.Filename,
		isPublic, string(rec.UploadStatus), rec.UploadError, rec.UploadJobID)
	if err != nil {
		return id.ID{}, s.dbErr("save", rec.StreamName, err)
	}
	return rec.ID, nil
}

func (s *SQLiteStore) scanRecord(stream string, row *sql.Rows) (*Record, error) {
	var (
		rec      Record
		idHex    string
		desc     sql.NullString
		source   sql.NullString
		owner    sql.NullString
		filename sql.NullString
		isPublic sql.NullBool
		status   sql.NullString
		upErr    sql.NullString
		upJob    sql.NullString
	)
	if err := row.Scan(&idHex, &rec.Date, &rec.ContentType, &rec.BlobRef,
		&desc, &source, &owner, &filename, &isPublic, &status, &upErr, &upJob); err != nil {
		return nil, s.dbErr("scan", stream, err)
	}
	parsed, err := id.Parse(idHex)
	if err != nil {
		return nil, s.dbErr("scan", stream, err)
	}
	rec.ID = parsed
	rec.StreamName = stream
	rec.Description = desc.String
	rec.Source = source.String
	rec.OwnerID = owner.String
	rec.Filename = filename.String
	if isPublic.Valid {
		v := isPublic.Bool
		rec.IsPublic = &v
	}
	rec.UploadStatus = UploadStatus(status.String)
	rec.UploadError = upErr.String
	rec.UploadJobID = upJob.String
	rec.Bind(s.resolver)
	return &rec, nil
}

func (s *SQLiteStore) queryOne(ctx context.Context, stream, query string, args ...interface{}) (*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.dbErr("query", stream, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return s.scanRecord(stream, rows)
}

// GetByID loads one record.
func (s *SQLiteStore) GetByID(ctx context.Context, stream string, recID id.ID) (*Record, error) {
	rec, err := s.queryOne(ctx, stream, fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = ?`, recordColumns, tableName(stream)), recID.String())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// LatestBefore returns the newest record with date_ms <= beforeMs, ties
// broken by greatest id.
func (s *SQLiteStore) LatestBefore(ctx context.Context, stream string, beforeMs int64) (*Record, error) {
	return s.queryOne(ctx, stream, fmt.Sprintf(
		`SELECT %s FROM %s WHERE date_ms <= ? ORDER BY date_ms DESC, id DESC LIMIT 1`,
		recordColumns, tableName(stream)), beforeMs)
}

// ByDateRange returns records within [startMs, endMs], ascending by (date, id).
func (s *SQLiteStore) ByDateRange(ctx context.Context, stream string, startMs, endMs int64) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE date_ms >= ? AND date_ms <= ? ORDER BY date_ms ASC, id ASC`,
		recordColumns, tableName(stream)), startMs, endMs)
	if err != nil {
		return nil, s.dbErr("byDateRange", stream, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := s.scanRecord(stream, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateUploadStatus moves a record's upload status forward.
func (s *SQLiteStore) UpdateUploadStatus(ctx context.Context, stream string, recID id.ID, status UploadStatus, uploadErr, blobRef string) error {
	rec, err := s.GetByID(ctx, stream, recID)
	if err != nil {
		return err
	}
	if !rec.UploadStatus.CanTransition(status) {
		return ErrIllegalTransition
	}
	newErr := rec.UploadError
	if uploadErr != "" {
		newErr = uploadErr
	}
	newRef := rec.BlobRef
	if blobRef != "" {
		newRef = blobRef
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET upload_status = ?, upload_error = ?, blob_ref = ? WHERE id = ?`,
		tableName(stream)), string(status), newErr, newRef, recID.String())
	if err != nil {
		return s.dbErr("updateUpload", stream, err)
	}
	return nil
}

// SetUploadJob links the queued job processing this record's upload.
func (s *SQLiteStore) SetUploadJob(ctx context.Context, stream string, recID id.ID, jobID string) error {
	if _, err := s.GetByID(ctx, stream, recID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET upload_job_id = ? WHERE id = ?`,
		tableName(stream)), jobID, recID.String())
	if err != nil {
		return s.dbErr("setUploadJob", stream, err)
	}
	return nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
