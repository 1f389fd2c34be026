// Package remote submits synced violations to the remote record service.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/chmdznr/violsync/pkg/models"
)

// Submitter sends one violation, with its remote image reference, to the record service
type Submitter interface {
	Submit(ctx context.Context, v models.Violation) error
}

// SubmitFunc adapts a function to Submitter
type SubmitFunc func(ctx context.Context, v models.Violation) error

// Submit implements Submitter
func (f SubmitFunc) Submit(ctx context.Context, v models.Violation) error {
	return f(ctx, v)
}

// Record is the payload accepted by the record service
type Record struct {
	Description    string   `json:"description"`
	Category       string   `json:"category"`
	RemoteImageRef string   `json:"remoteImageRef"`
	CapturedAt     string   `json:"capturedAt"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	UserID         string   `json:"userId,omitempty"`
	ClientRef      string   `json:"clientRef"`
}

// NewRecord builds the service payload for a violation
func NewRecord(v models.Violation) Record {
	r := Record{
		Description:    v.Description,
		Category:       string(v.Category),
		RemoteImageRef: v.RemoteImageRef,
		CapturedAt:     v.CapturedAt.UTC().Format(time.RFC3339Nano),
		UserID:         v.UserID,
		ClientRef:      v.ClientRef,
	}
	if v.Location != nil {
		lat, lon := v.Location.Latitude, v.Location.Longitude
		r.Latitude = &lat
		r.Longitude = &lon
	}
	return r
}

// HTTPConfig configures the JSON record service endpoint
type HTTPConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// HTTPSubmitter posts violations as JSON
type HTTPSubmitter struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewHTTPSubmitter creates a submitter for the JSON record service
func NewHTTPSubmitter(cfg HTTPConfig, logger *zap.Logger) (*HTTPSubmitter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("record service URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &HTTPSubmitter{
		client: client,
		url:    cfg.URL,
		logger: logger.Named("remote"),
	}, nil
}

// Submit implements Submitter. The client reference is sent as the
// Idempotency-Key so a resubmission after a lost acknowledgement is deduplicated.
func (s *HTTPSubmitter) Submit(ctx context.Context, v models.Violation) error {
	if v.RemoteImageRef == "" {
		return &models.SubmitError{ID: v.ID, Err: fmt.Errorf("violation has no remote image reference")}
	}

	req := s.client.R().
		SetContext(ctx).
		SetBody(NewRecord(v))
	if v.ClientRef != "" {
		req.SetHeader("Idempotency-Key", v.ClientRef)
	}

	resp, err := req.Post(s.url)
	if err != nil {
		return &models.SubmitError{ID: v.ID, Err: err}
	}
	if !resp.IsSuccess() {
		body := resp.String()
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		return &models.SubmitError{
			ID:         v.ID,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("record service rejected violation: %s", body),
		}
	}

	s.logger.Debug("Submitted violation",
		zap.Int64("violation_id", v.ID),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}
