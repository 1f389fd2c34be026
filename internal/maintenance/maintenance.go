// Package maintenance holds development utilities for the local record store.
package maintenance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/chmdznr/violsync/pkg/models"
)

// Store is the part of the record store maintenance needs
type Store interface {
	GetStats(ctx context.Context) (*models.Stats, error)
	ClearAll(ctx context.Context) (int64, error)
}

// Service runs destructive store operations with audit logging
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a maintenance service
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger.Named("maintenance")}
}

// ClearAll deletes every local violation, pending ones included, and returns
// how many were removed.
func (s *Service) ClearAll(ctx context.Context) (int64, error) {
	fields := []zap.Field{}
	if stats, err := s.store.GetStats(ctx); err == nil {
		fields = append(fields,
			zap.Int64("total", stats.TotalRecords),
			zap.Int64("pending", stats.PendingRecords),
		)
	}
	s.logger.Warn("Clearing all local violations", fields...)

	n, err := s.store.ClearAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear violations: %w", err)
	}

	s.logger.Info("Local violations cleared", zap.Int64("deleted", n))
	return n, nil
}
