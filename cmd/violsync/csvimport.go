package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/chmdznr/violsync/pkg/models"
)

var requiredColumns = []string{"description", "category", "photo", "captured_at"}

type inserter interface {
	Insert(ctx context.Context, v *models.Violation) (int64, error)
}

type importSummary struct {
	Imported      int
	MissingPhotos int
	Invalid       int
}

// importCSV imports violation records from a CSV file into the local queue
//
// The CSV file must have a header row with at least these columns:
//
// - description
// - category
// - photo
// - captured_at (RFC3339)
//
// Optional columns are latitude, longitude and user_id; others are ignored.
// Rows whose photo does not exist or that fail validation are skipped and
// counted in the summary.
func (a *application) importCSV(c *cli.Context) error {
	file, err := os.Open(c.String("csv"))
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %v", err)
	}
	defer file.Close()

	store, err := a.openDB()
	if err != nil {
		return err
	}
	defer store.Close()

	summary, err := importViolations(c.Context, file, store, importOptions{
		photoDir:   c.String("photos"),
		categories: a.cfg.Categories(),
		userID:     a.cfg.Capture.UserID,
		batchSize:  c.Int("batch"),
		logger:     a.logger,
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nImport Summary:\n")
	fmt.Printf("- Successfully imported: %d violations\n", summary.Imported)
	fmt.Printf("- Missing photos: %d\n", summary.MissingPhotos)
	fmt.Printf("- Invalid rows: %d\n", summary.Invalid)
	return nil
}

type importOptions struct {
	photoDir   string
	categories []models.Category
	userID     string
	batchSize  int
	logger     *zap.Logger
}

func importViolations(ctx context.Context, r io.Reader, store inserter, opts importOptions) (importSummary, error) {
	var summary importSummary
	if opts.batchSize <= 0 {
		opts.batchSize = 100
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return summary, fmt.Errorf("failed to read CSV header: %v", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return summary, fmt.Errorf("CSV is missing required column %q", name)
		}
	}

	batch := make([][]string, 0, opts.batchSize)
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return summary, fmt.Errorf("error reading CSV line %d: %v", line, err)
		}

		batch = append(batch, record)
		if len(batch) >= opts.batchSize {
			if err := processBatch(ctx, store, columns, batch, opts, &summary); err != nil {
				return summary, err
			}
			opts.logger.Info("Import progress", zap.Int("processed", summary.Imported+summary.MissingPhotos+summary.Invalid))
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if err := processBatch(ctx, store, columns, batch, opts, &summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func processBatch(ctx context.Context, store inserter, columns map[string]int, batch [][]string, opts importOptions, summary *importSummary) error {
	for _, record := range batch {
		field := func(name string) string {
			i, ok := columns[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		photo := field("photo")
		if photo != "" && opts.photoDir != "" && !filepath.IsAbs(photo) {
			photo = filepath.Join(opts.photoDir, photo)
		}
		if _, err := os.Stat(photo); err != nil {
			opts.logger.Warn("Skipping row with missing photo", zap.String("photo", photo))
			summary.MissingPhotos++
			continue
		}

		v, err := rowToViolation(field, photo, opts.categories)
		if err != nil {
			opts.logger.Warn("Skipping invalid row", zap.String("photo", photo), zap.Error(err))
			summary.Invalid++
			continue
		}
		if v.UserID == "" {
			v.UserID = opts.userID
		}

		if _, err := store.Insert(ctx, v); err != nil {
			return fmt.Errorf("error adding violation: %v", err)
		}
		summary.Imported++
	}
	return nil
}

func rowToViolation(field func(string) string, photo string, categories []models.Category) (*models.Violation, error) {
	capturedAt, err := time.Parse(time.RFC3339, field("captured_at"))
	if err != nil {
		return nil, fmt.Errorf("invalid captured_at: %v", err)
	}

	var location *models.Location
	if lat, lon := field("latitude"), field("longitude"); lat != "" && lon != "" {
		latV, err := strconv.ParseFloat(lat, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude: %v", err)
		}
		lonV, err := strconv.ParseFloat(lon, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude: %v", err)
		}
		location = &models.Location{Latitude: latV, Longitude: lonV}
	}

	v, err := models.NewViolation(field("description"), models.Category(field("category")), photo, capturedAt, location, categories)
	if err != nil {
		return nil, err
	}
	v.UserID = field("user_id")
	return v, nil
}
