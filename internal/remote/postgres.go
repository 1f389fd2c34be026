package remote

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/chmdznr/violsync/pkg/models"
)

// PostgresConfig configures direct submission into a shared PostgreSQL table
type PostgresConfig struct {
	DSN      string
	Table    string
	MaxConns int
}

// PostgresSubmitter writes violations straight into the record service database.
// Rows are keyed by client_ref so a resubmission is a no-op.
type PostgresSubmitter struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// NewPostgresSubmitter opens the record database and ensures the table exists
func NewPostgresSubmitter(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresSubmitter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewPostgresSubmitterWithDB(db, cfg.Table, logger)
	if err := s.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSubmitterWithDB wraps an existing connection
func NewPostgresSubmitterWithDB(db *sql.DB, table string, logger *zap.Logger) *PostgresSubmitter {
	if table == "" {
		table = "violations"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSubmitter{
		db:     db,
		table:  pq.QuoteIdentifier(table),
		logger: logger.Named("remote"),
	}
}

// Initialize creates the destination table if missing
func (s *PostgresSubmitter) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			client_ref TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL,
			category TEXT NOT NULL,
			image_url TEXT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			user_id TEXT,
			received_at TIMESTAMPTZ NOT NULL
		)`, s.table))
	if err != nil {
		return fmt.Errorf("failed to create record table: %w", err)
	}
	return nil
}

// Submit implements Submitter
func (s *PostgresSubmitter) Submit(ctx context.Context, v models.Violation) error {
	if v.RemoteImageRef == "" {
		return &models.SubmitError{ID: v.ID, Err: fmt.Errorf("violation has no remote image reference")}
	}
	if v.ClientRef == "" {
		return &models.SubmitError{ID: v.ID, Err: fmt.Errorf("violation has no client reference")}
	}

	var lat, lon sql.NullFloat64
	if v.Location != nil {
		lat = sql.NullFloat64{Float64: v.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: v.Location.Longitude, Valid: true}
	}
	var userID sql.NullString
	if v.UserID != "" {
		userID = sql.NullString{String: v.UserID, Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (client_ref, description, category, image_url, captured_at, latitude, longitude, user_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (client_ref) DO NOTHING`, s.table)

	res, err := s.db.ExecContext(ctx, query,
		v.ClientRef,
		v.Description,
		string(v.Category),
		v.RemoteImageRef,
		v.CapturedAt.UTC(),
		lat,
		lon,
		userID,
		time.Now().UTC(),
	)
	if err != nil {
		return &models.SubmitError{ID: v.ID, Err: err}
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Debug("Violation already recorded", zap.Int64("violation_id", v.ID), zap.String("client_ref", v.ClientRef))
	}
	return nil
}

// Close releases the database connection
func (s *PostgresSubmitter) Close() error {
	return s.db.Close()
}
