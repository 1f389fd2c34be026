package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chmdznr/violsync/pkg/models"
)

// Fixed-width UTC layout so that lexical order of the date column is time order.
const dateLayout = "2006-01-02T15:04:05.000Z"

// DB is the local violation record store
type DB struct {
	*sql.DB
}

// New opens (or creates) the SQLite store at path and ensures the schema exists.
//
// The pool is limited to a single connection: every statement is serialized,
// which gives the store its single-writer discipline.
func New(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &models.StorageError{Op: "open", Err: err}
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, &models.StorageError{Op: "open", Err: err}
	}

	if _, err := sqlDB.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA busy_timeout=5000;
		PRAGMA temp_store=MEMORY;
	`); err != nil {
		sqlDB.Close()
		return nil, &models.StorageError{Op: "pragma", Err: err}
	}

	db := NewWithDB(sqlDB)
	if err := db.Initialize(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// NewWithDB wraps an already opened handle. Initialize is not called.
func NewWithDB(sqlDB *sql.DB) *DB {
	return &DB{sqlDB}
}

// Initialize creates the violations table if it doesn't exist and upgrades
// tables created by older app versions. Existing rows are never touched
// except to backfill newly added columns.
func (db *DB) Initialize(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS violations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			description TEXT NOT NULL,
			category TEXT,
			local_image_ref TEXT NOT NULL,
			remote_image_ref TEXT,
			date TEXT NOT NULL,
			user_id TEXT,
			latitude REAL,
			longitude REAL,
			synced INTEGER NOT NULL DEFAULT 0,
			client_ref TEXT,
			synced_at TEXT
		);
	`)
	if err != nil {
		return &models.StorageError{Op: "initialize", Err: err}
	}

	if err := db.upgradeLegacy(ctx); err != nil {
		return &models.StorageError{Op: "initialize", Err: err}
	}

	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_violations_synced ON violations(synced);
		CREATE INDEX IF NOT EXISTS idx_violations_date ON violations(date);
	`)
	if err != nil {
		return &models.StorageError{Op: "initialize", Err: err}
	}

	// Single row lease shared by every process syncing this file.
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_lease (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			owner TEXT,
			expires_at TEXT
		);
		INSERT OR IGNORE INTO sync_lease (id, owner, expires_at) VALUES (1, NULL, NULL);
	`)
	if err != nil {
		return &models.StorageError{Op: "initialize", Err: err}
	}
	return nil
}

// upgradeLegacy adds columns missing from tables created by the first app
// release, which stored the photo in a single imageUri column.
func (db *DB) upgradeLegacy(ctx context.Context) error {
	rows, err := db.QueryContext(ctx, `PRAGMA table_info(violations)`)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryKey); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	added := make(map[string]bool)
	for _, col := range []struct{ name, typ string }{
		{"local_image_ref", "TEXT"},
		{"remote_image_ref", "TEXT"},
		{"user_id", "TEXT"},
		{"client_ref", "TEXT"},
		{"synced_at", "TEXT"},
	} {
		if existing[col.name] {
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE violations ADD COLUMN %s %s`, col.name, col.typ)); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
		added[col.name] = true
	}

	if added["local_image_ref"] && existing["imageUri"] {
		if _, err := db.ExecContext(ctx, `UPDATE violations SET local_image_ref = imageUri WHERE local_image_ref IS NULL`); err != nil {
			return fmt.Errorf("backfill local_image_ref: %w", err)
		}
	}
	return nil
}

// Insert appends a new pending violation and returns its id
func (db *DB) Insert(ctx context.Context, v *models.Violation) (int64, error) {
	if strings.TrimSpace(v.Description) == "" {
		return 0, &models.StorageError{Op: "insert", Err: fmt.Errorf("%w: description is required", models.ErrConstraint)}
	}
	if strings.TrimSpace(v.LocalImageRef) == "" {
		return 0, &models.StorageError{Op: "insert", Err: fmt.Errorf("%w: local image reference is required", models.ErrConstraint)}
	}
	if v.ClientRef == "" {
		v.ClientRef = uuid.NewString()
	}
	if v.CapturedAt.IsZero() {
		v.CapturedAt = time.Now()
	}

	var lat, lon interface{}
	if v.Location != nil {
		lat, lon = v.Location.Latitude, v.Location.Longitude
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO violations (description, category, local_image_ref, date, user_id, latitude, longitude, synced, client_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`,
		v.Description,
		string(v.Category),
		v.LocalImageRef,
		formatTime(v.CapturedAt),
		nullString(v.UserID),
		lat,
		lon,
		v.ClientRef,
	)
	if err != nil {
		return 0, &models.StorageError{Op: "insert", Err: err}
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, &models.StorageError{Op: "insert", Err: err}
	}

	v.ID = id
	v.RemoteImageRef = ""
	v.SyncState = models.Pending
	v.SyncedAt = nil
	return id, nil
}

const selectColumns = `
	SELECT id, description, category, local_image_ref, remote_image_ref, date,
		user_id, latitude, longitude, synced, client_ref, synced_at
	FROM violations
`

// Get retrieves a violation by id
func (db *DB) Get(ctx context.Context, id int64) (*models.Violation, error) {
	v, err := scanViolation(db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, &models.StorageError{Op: "get", Err: err}
	}
	return v, nil
}

// QueryByDateRange returns violations captured within [start, end], inclusive.
// Capture times are stored with millisecond resolution, so start is rounded
// up and end down to the millisecond.
func (db *DB) QueryByDateRange(ctx context.Context, start, end time.Time) ([]models.Violation, error) {
	if end.Before(start) {
		return nil, &models.StorageError{
			Op:  "query range",
			Err: fmt.Errorf("%w: end %s is before start %s", models.ErrConstraint, end.Format(time.RFC3339Nano), start.Format(time.RFC3339Nano)),
		}
	}
	start = start.Add(time.Millisecond - 1).Truncate(time.Millisecond)
	return db.query(ctx, "query range", selectColumns+` WHERE date >= ? AND date <= ?`, formatTime(start), formatTime(end))
}

// QueryPending returns all violations not yet synced, in capture order
func (db *DB) QueryPending(ctx context.Context) ([]models.Violation, error) {
	return db.query(ctx, "query pending", selectColumns+` WHERE synced = 0 ORDER BY id`)
}

func (db *DB) query(ctx context.Context, op, query string, args ...interface{}) ([]models.Violation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &models.StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	violations := []models.Violation{}
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, &models.StorageError{Op: op, Err: err}
		}
		violations = append(violations, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: op, Err: err}
	}
	return violations, nil
}

// SetRemoteImageRef records the uploaded photo reference of a pending violation.
// It is a no-op for violations that are already synced.
func (db *DB) SetRemoteImageRef(ctx context.Context, id int64, ref string) error {
	if ref == "" {
		return &models.StorageError{Op: "set remote ref", Err: fmt.Errorf("%w: remote image reference is required", models.ErrConstraint)}
	}
	res, err := db.ExecContext(ctx, `
		UPDATE violations SET remote_image_ref = ? WHERE id = ? AND synced = 0
	`, ref, id)
	if err != nil {
		return &models.StorageError{Op: "set remote ref", Err: err}
	}
	return db.checkUpdated(ctx, "set remote ref", res, id)
}

// MarkSynced flips a violation to synced and records its remote image reference.
// Marking an already synced violation is a no-op.
func (db *DB) MarkSynced(ctx context.Context, id int64, ref string) error {
	if ref == "" {
		return &models.StorageError{Op: "mark synced", Err: fmt.Errorf("%w: remote image reference is required", models.ErrConstraint)}
	}
	res, err := db.ExecContext(ctx, `
		UPDATE violations
		SET synced = 1, remote_image_ref = ?, synced_at = ?
		WHERE id = ? AND synced = 0
	`, ref, formatTime(time.Now()), id)
	if err != nil {
		return &models.StorageError{Op: "mark synced", Err: err}
	}
	return db.checkUpdated(ctx, "mark synced", res, id)
}

// checkUpdated turns a zero-row conditional update into NotFoundError when
// the id does not exist. Zero rows on an existing (synced) id is not an error.
func (db *DB) checkUpdated(ctx context.Context, op string, res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return &models.StorageError{Op: op, Err: err}
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM violations WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.NotFoundError{ID: id}
	}
	if err != nil {
		return &models.StorageError{Op: op, Err: err}
	}
	return nil
}

// AcquirePassLease takes the sync pass lease for owner until now+ttl. It
// reports false when another owner holds an unexpired lease. Calling it again
// as the current holder extends the lease.
func (db *DB) AcquirePassLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	if owner == "" {
		return false, &models.StorageError{Op: "acquire lease", Err: fmt.Errorf("%w: lease owner is required", models.ErrConstraint)}
	}
	now := time.Now()
	res, err := db.ExecContext(ctx, `
		UPDATE sync_lease
		SET owner = ?, expires_at = ?
		WHERE id = 1 AND (owner IS NULL OR owner = ? OR expires_at < ?)
	`, owner, formatTime(now.Add(ttl)), owner, formatTime(now))
	if err != nil {
		return false, &models.StorageError{Op: "acquire lease", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, &models.StorageError{Op: "acquire lease", Err: err}
	}
	return affected == 1, nil
}

// ReleasePassLease frees the lease if owner still holds it
func (db *DB) ReleasePassLease(ctx context.Context, owner string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE sync_lease SET owner = NULL, expires_at = NULL
		WHERE id = 1 AND owner = ?
	`, owner)
	if err != nil {
		return &models.StorageError{Op: "release lease", Err: err}
	}
	return nil
}

// ClearAll deletes every violation and returns the number of deleted rows.
// Ids are not reused afterwards.
func (db *DB) ClearAll(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM violations`)
	if err != nil {
		return 0, &models.StorageError{Op: "clear", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &models.StorageError{Op: "clear", Err: err}
	}
	return n, nil
}

// GetStats returns statistics about stored violations
func (db *DB) GetStats(ctx context.Context) (*models.Stats, error) {
	var (
		stats models.Stats
		last  sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as total_records,
			COUNT(CASE WHEN synced = 0 THEN 1 END) as pending_records,
			COUNT(CASE WHEN synced = 1 THEN 1 END) as synced_records,
			COUNT(CASE WHEN synced = 0 AND COALESCE(remote_image_ref, '') != '' THEN 1 END) as uploaded_pending,
			MAX(date) as last_captured
		FROM violations
	`).Scan(
		&stats.TotalRecords,
		&stats.PendingRecords,
		&stats.SyncedRecords,
		&stats.UploadedPending,
		&last,
	)
	if err != nil {
		return nil, &models.StorageError{Op: "stats", Err: err}
	}
	if last.Valid {
		if t, err := parseTime(last.String); err == nil {
			stats.LastCapturedAt = &t
		}
	}
	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanViolation(row rowScanner) (*models.Violation, error) {
	var (
		v                                     models.Violation
		category, localRef, remoteRef, userID sql.NullString
		date, clientRef, syncedAt             sql.NullString
		lat, lon                              sql.NullFloat64
		synced                                int
	)
	err := row.Scan(
		&v.ID,
		&v.Description,
		&category,
		&localRef,
		&remoteRef,
		&date,
		&userID,
		&lat,
		&lon,
		&synced,
		&clientRef,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}

	v.Category = models.Category(category.String)
	v.LocalImageRef = localRef.String
	v.RemoteImageRef = remoteRef.String
	v.UserID = userID.String
	v.ClientRef = clientRef.String
	// Rows from the first release may carry a locale-formatted date; those
	// keep a zero CapturedAt rather than failing the whole query.
	if date.Valid {
		if t, err := parseTime(date.String); err == nil {
			v.CapturedAt = t
		}
	}
	if lat.Valid && lon.Valid {
		v.Location = &models.Location{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	if synced != 0 {
		v.SyncState = models.Synced
	}
	if syncedAt.Valid {
		if t, err := parseTime(syncedAt.String); err == nil {
			v.SyncedAt = &t
		}
	}
	return &v, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// parseTime accepts the store layout and RFC 3339, which older rows use.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
