package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/violsync/internal/config"
	"github.com/chmdznr/violsync/internal/connectivity"
	"github.com/chmdznr/violsync/internal/db"
	"github.com/chmdznr/violsync/internal/remote"
	"github.com/chmdznr/violsync/internal/upload"
	"github.com/chmdznr/violsync/pkg/models"
)

func TestDayRange(t *testing.T) {
	loc := time.FixedZone("test", 2*3600)
	now := time.Date(2024, 7, 15, 13, 45, 0, 0, loc)

	start, end, err := dayRange("", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 7, 15, 0, 0, 0, 0, loc), start)
	assert.Equal(t, time.Date(2024, 7, 15, 23, 59, 59, int(999*time.Millisecond), loc), end)

	start, end, err = dayRange("2024-07-01", "2024-07-03", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, loc), start)
	assert.Equal(t, time.Date(2024, 7, 3, 23, 59, 59, int(999*time.Millisecond), loc), end)

	_, _, err = dayRange("2024-07-03", "2024-07-01", now)
	assert.Error(t, err)

	_, _, err = dayRange("July 1st", "", now)
	assert.Error(t, err)
}

func TestCaptureLocation(t *testing.T) {
	loc, err := captureLocation(true, true, 50.45, 30.52)
	require.NoError(t, err)
	assert.Equal(t, &models.Location{Latitude: 50.45, Longitude: 30.52}, loc)

	loc, err = captureLocation(false, false, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, loc)

	for _, set := range [][2]bool{{true, false}, {false, true}} {
		_, err := captureLocation(set[0], set[1], 50.45, 30.52)
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.True(t, verr.Has("location"))
	}
}

func TestImportViolations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.jpg"), []byte("1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.jpg"), []byte("2"), 0644))

	store, err := db.New(filepath.Join(t.TempDir(), "violations.db"))
	require.NoError(t, err)
	defer store.Close()

	csvData := strings.Join([]string{
		"description,category,photo,captured_at,latitude,longitude,user_id,extra",
		"Bike stolen,Theft,one.jpg,2024-05-01T10:00:00Z,50.1,30.2,officer-1,x",
		"Wall painted,Vandalism,two.jpg,2024-05-02T11:00:00Z,,,,",
		"Gone,Theft,three.jpg,2024-05-03T12:00:00Z,,,,",
		"Bad category,Jaywalking,one.jpg,2024-05-04T12:00:00Z,,,,",
		"Bad date,Theft,one.jpg,yesterday,,,,",
	}, "\n")

	summary, err := importViolations(ctx, strings.NewReader(csvData), store, importOptions{
		photoDir:   dir,
		categories: models.DefaultCategories,
		userID:     "device-user",
		batchSize:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, importSummary{Imported: 2, MissingPhotos: 1, Invalid: 2}, summary)

	pending, err := store.QueryPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "Bike stolen", pending[0].Description)
	assert.Equal(t, "officer-1", pending[0].UserID)
	require.NotNil(t, pending[0].Location)
	assert.Equal(t, filepath.Join(dir, "one.jpg"), pending[0].LocalImageRef)
	assert.Equal(t, "device-user", pending[1].UserID)
	assert.Nil(t, pending[1].Location)
}

func TestImportViolationsMissingColumn(t *testing.T) {
	_, err := importViolations(context.Background(), strings.NewReader("description,photo\nx,y\n"), nil, importOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "category")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewUploader(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.HTTP.URL = "https://api.example/upload"
	u, err := newUploader(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &upload.HTTPUploader{}, u)

	cfg.Upload.Provider = "minio"
	cfg.Upload.Minio.Endpoint = "minio.local:9000"
	cfg.Upload.Minio.Bucket = "evidence"
	u, err = newUploader(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &upload.MinioUploader{}, u)
}

func TestNewSubmitter(t *testing.T) {
	cfg := testConfig(t)
	_, _, err := newSubmitter(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg.Remote.HTTP.URL = "https://api.example/violations"
	s, closeFn, err := newSubmitter(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &remote.HTTPSubmitter{}, s)
}

func TestNewSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.HTTP.URL = "https://api.example/violations"
	src, err := newSource(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, probeRunner{}, src)

	cfg.Connectivity.Source = "file"
	_, err = newSource(cfg, nil)
	assert.Error(t, err)

	cfg.Connectivity.StateFile = filepath.Join(t.TempDir(), "network")
	src, err = newSource(cfg, nil)
	require.NoError(t, err)
	connected, err := src.CurrentState(context.Background())
	require.NoError(t, err)
	assert.False(t, connected)

	var _ connectivity.Source = src
}
