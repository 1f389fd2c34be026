package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/violsync/pkg/models"
)

func setupTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "violations.db")
	db, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func newViolation(desc string, at time.Time) *models.Violation {
	return &models.Violation{
		Description:   desc,
		Category:      "Theft",
		LocalImageRef: "img-" + desc,
		CapturedAt:    at,
	}
}

func TestInitialize(t *testing.T) {
	t.Run("is idempotent and keeps rows", func(t *testing.T) {
		db, path := setupTestDB(t)
		ctx := context.Background()

		id, err := db.Insert(ctx, newViolation("a", time.Now()))
		require.NoError(t, err)

		require.NoError(t, db.Initialize(ctx))
		require.NoError(t, db.Initialize(ctx))

		require.NoError(t, db.Close())
		reopened, err := New(path)
		require.NoError(t, err)
		defer reopened.Close()

		v, err := reopened.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "a", v.Description)
	})

	t.Run("upgrades first release table", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "legacy.db")
		raw, err := sql.Open("sqlite3", path)
		require.NoError(t, err)
		_, err = raw.Exec(`
			CREATE TABLE violations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				description TEXT NOT NULL,
				category TEXT,
				imageUri TEXT,
				date TEXT,
				userId TEXT,
				latitude REAL,
				longitude REAL,
				synced INTEGER DEFAULT 0
			);
			INSERT INTO violations (description, category, imageUri, date, latitude, longitude)
			VALUES ('old', 'Category 1', 'file:///photo.jpg', '2024-01-02T03:04:05Z', 1.5, 2.5);
		`)
		require.NoError(t, err)
		require.NoError(t, raw.Close())

		db, err := New(path)
		require.NoError(t, err)
		defer db.Close()

		pending, err := db.QueryPending(context.Background())
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "file:///photo.jpg", pending[0].LocalImageRef)
		assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), pending[0].CapturedAt)
		require.NotNil(t, pending[0].Location)
		assert.Equal(t, 1.5, pending[0].Location.Latitude)
	})
}

func TestInsert(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns increasing ids and pending state", func(t *testing.T) {
		db, _ := setupTestDB(t)
		capturedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

		v1 := newViolation("first", capturedAt)
		v1.Location = &models.Location{Latitude: 50.1, Longitude: 30.2}
		v1.UserID = "user-1"
		id1, err := db.Insert(ctx, v1)
		require.NoError(t, err)
		id2, err := db.Insert(ctx, newViolation("second", capturedAt))
		require.NoError(t, err)

		assert.Greater(t, id2, id1)
		assert.NotEmpty(t, v1.ClientRef)

		got, err := db.Get(ctx, id1)
		require.NoError(t, err)
		assert.Equal(t, models.Pending, got.SyncState)
		assert.Equal(t, capturedAt, got.CapturedAt)
		assert.Equal(t, "user-1", got.UserID)
		assert.Equal(t, v1.ClientRef, got.ClientRef)
		assert.Equal(t, &models.Location{Latitude: 50.1, Longitude: 30.2}, got.Location)
		assert.Empty(t, got.RemoteImageRef)
	})

	t.Run("rejects missing required fields", func(t *testing.T) {
		db, _ := setupTestDB(t)

		_, err := db.Insert(ctx, &models.Violation{LocalImageRef: "img"})
		var serr *models.StorageError
		require.True(t, errors.As(err, &serr))
		assert.ErrorIs(t, err, models.ErrConstraint)

		_, err = db.Insert(ctx, &models.Violation{Description: "desc"})
		assert.ErrorIs(t, err, models.ErrConstraint)
	})

	t.Run("ids are not reused after clear", func(t *testing.T) {
		db, _ := setupTestDB(t)

		id1, err := db.Insert(ctx, newViolation("a", time.Now()))
		require.NoError(t, err)
		n, err := db.ClearAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		id2, err := db.Insert(ctx, newViolation("b", time.Now()))
		require.NoError(t, err)
		assert.Greater(t, id2, id1)
	})
}

func TestQueryByDateRange(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{
		day.Add(-time.Millisecond),
		day,
		day.Add(12 * time.Hour),
		day.Add(24 * time.Hour),
		day.Add(24*time.Hour + time.Millisecond),
	} {
		_, err := db.Insert(ctx, newViolation(string(rune('a'+i)), at))
		require.NoError(t, err)
	}

	got, err := db.QueryByDateRange(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)

	var descs []string
	for _, v := range got {
		descs = append(descs, v.Description)
	}
	assert.ElementsMatch(t, []string{"b", "c", "d"}, descs)

	_, err = db.QueryByDateRange(ctx, day, day.Add(-time.Hour))
	var serr *models.StorageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "query range", serr.Op)
	assert.ErrorIs(t, err, models.ErrConstraint)
}

func TestQueryByDateRangeSubMillisecondStart(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()
	noon := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := db.Insert(ctx, newViolation("early", noon.Add(100*time.Microsecond)))
	require.NoError(t, err)

	got, err := db.QueryByDateRange(ctx, noon.Add(900*time.Microsecond), noon.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = db.QueryByDateRange(ctx, noon, noon.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "early", got[0].Description)
}

func TestPassLease(t *testing.T) {
	ctx := context.Background()

	t.Run("is exclusive across handles", func(t *testing.T) {
		first, path := setupTestDB(t)
		second, err := New(path)
		require.NoError(t, err)
		defer second.Close()

		ok, err := first.AcquirePassLease(ctx, "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = second.AcquirePassLease(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		// The holder may renew.
		ok, err = first.AcquirePassLease(ctx, "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		// Releasing as a non-holder is a no-op.
		require.NoError(t, second.ReleasePassLease(ctx, "b"))
		ok, err = second.AcquirePassLease(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, first.ReleasePassLease(ctx, "a"))
		ok, err = second.AcquirePassLease(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("expired lease can be taken over", func(t *testing.T) {
		db, _ := setupTestDB(t)

		ok, err := db.AcquirePassLease(ctx, "crashed", -time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = db.AcquirePassLease(ctx, "next", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("requires owner", func(t *testing.T) {
		db, _ := setupTestDB(t)

		_, err := db.AcquirePassLease(ctx, "", time.Minute)
		assert.ErrorIs(t, err, models.ErrConstraint)
	})
}

func TestMarkSynced(t *testing.T) {
	ctx := context.Background()

	t.Run("is idempotent", func(t *testing.T) {
		db, _ := setupTestDB(t)
		id, err := db.Insert(ctx, newViolation("a", time.Now()))
		require.NoError(t, err)

		require.NoError(t, db.MarkSynced(ctx, id, "https://cdn/a.jpg"))
		require.NoError(t, db.MarkSynced(ctx, id, "https://cdn/a.jpg"))

		v, err := db.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.Synced, v.SyncState)
		assert.Equal(t, "https://cdn/a.jpg", v.RemoteImageRef)
		assert.NotNil(t, v.SyncedAt)

		pending, err := db.QueryPending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("does not overwrite reference of synced record", func(t *testing.T) {
		db, _ := setupTestDB(t)
		id, err := db.Insert(ctx, newViolation("a", time.Now()))
		require.NoError(t, err)

		require.NoError(t, db.MarkSynced(ctx, id, "https://cdn/a.jpg"))
		require.NoError(t, db.MarkSynced(ctx, id, "https://cdn/other.jpg"))
		require.NoError(t, db.SetRemoteImageRef(ctx, id, "https://cdn/other.jpg"))

		v, err := db.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/a.jpg", v.RemoteImageRef)
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		db, _ := setupTestDB(t)

		err := db.MarkSynced(ctx, 42, "https://cdn/x.jpg")
		assert.ErrorIs(t, err, models.ErrNotFound)

		err = db.SetRemoteImageRef(ctx, 42, "https://cdn/x.jpg")
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = db.Get(ctx, 42)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestSetRemoteImageRef(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()
	id, err := db.Insert(ctx, newViolation("b", time.Now()))
	require.NoError(t, err)

	require.NoError(t, db.SetRemoteImageRef(ctx, id, "https://cdn/b.jpg"))

	pending, err := db.QueryPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "https://cdn/b.jpg", pending[0].RemoteImageRef)
	assert.Equal(t, models.Pending, pending[0].SyncState)

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRecords)
	assert.Equal(t, int64(1), stats.PendingRecords)
	assert.Equal(t, int64(1), stats.UploadedPending)
	assert.Equal(t, int64(0), stats.SyncedRecords)
	assert.NotNil(t, stats.LastCapturedAt)

	assert.ErrorIs(t, db.SetRemoteImageRef(ctx, id, ""), models.ErrConstraint)
}

func TestStorageFailures(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db := NewWithDB(sqlDB)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO violations`).WillReturnError(errors.New("disk I/O error"))
	_, err = db.Insert(ctx, newViolation("a", time.Now()))
	var serr *models.StorageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "insert", serr.Op)

	mock.ExpectQuery(`SELECT id, description`).WillReturnError(errors.New("database is locked"))
	_, err = db.QueryPending(ctx)
	assert.True(t, errors.As(err, &serr))

	mock.ExpectExec(`UPDATE violations`).
		WithArgs("https://cdn/a.jpg", sqlmock.AnyArg(), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM violations`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	err = db.MarkSynced(ctx, 9, "https://cdn/a.jpg")
	assert.ErrorIs(t, err, models.ErrNotFound)

	mock.ExpectExec(`DELETE FROM violations`).WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := db.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
