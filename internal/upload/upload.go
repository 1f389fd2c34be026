// Package upload transmits locally captured photos to a remote blob host.
//
// Uploaders never retry; a failed upload is reported as *models.UploadError
// and retried by the next sync pass.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/chmdznr/violsync/pkg/models"
)

// Uploader pushes a local photo and returns its stable remote reference
type Uploader interface {
	Upload(ctx context.Context, localImageRef string) (string, error)
}

// HTTPConfig configures a multipart blob host such as an unsigned image CDN upload endpoint
type HTTPConfig struct {
	URL          string
	UploadPreset string
	// URLField is the JSON field holding the stable URL, "secure_url" by default
	URLField string
	Timeout  time.Duration
}

// HTTPUploader uploads photos with a multipart POST
type HTTPUploader struct {
	client   *resty.Client
	url      string
	preset   string
	urlField string
	logger   *zap.Logger
}

// NewHTTPUploader creates an uploader for a multipart blob host
func NewHTTPUploader(cfg HTTPConfig, logger *zap.Logger) (*HTTPUploader, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("upload URL is required")
	}
	if cfg.URLField == "" {
		cfg.URLField = "secure_url"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &HTTPUploader{
		client:   client,
		url:      cfg.URL,
		preset:   cfg.UploadPreset,
		urlField: cfg.URLField,
		logger:   logger.Named("upload"),
	}, nil
}

// Upload implements Uploader
func (u *HTTPUploader) Upload(ctx context.Context, localImageRef string) (string, error) {
	media, err := models.StatMedia(localImageRef)
	if err != nil {
		return "", &models.UploadError{Ref: localImageRef, Err: err}
	}

	file, err := os.Open(media.Path)
	if err != nil {
		return "", &models.UploadError{Ref: localImageRef, Err: err}
	}
	defer file.Close()

	req := u.client.R().
		SetContext(ctx).
		SetMultipartField("file", filepath.Base(media.Path), media.ContentType, file)
	if u.preset != "" {
		req.SetFormData(map[string]string{"upload_preset": u.preset})
	}

	resp, err := req.Post(u.url)
	if err != nil {
		return "", &models.UploadError{Ref: localImageRef, Err: err}
	}
	if !resp.IsSuccess() {
		return "", &models.UploadError{
			Ref:        localImageRef,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("blob host rejected upload: %s", truncate(resp.String(), 200)),
		}
	}

	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", &models.UploadError{Ref: localImageRef, StatusCode: resp.StatusCode(), Err: fmt.Errorf("malformed response: %w", err)}
	}
	remote, _ := body[u.urlField].(string)
	if remote == "" {
		return "", &models.UploadError{
			Ref:        localImageRef,
			StatusCode: resp.StatusCode(),
			Err:        errors.New("response has no " + u.urlField + " field"),
		}
	}

	u.logger.Debug("Uploaded photo",
		zap.String("local_image_ref", localImageRef),
		zap.String("remote_image_ref", remote),
		zap.Int64("size", media.Size),
	)
	return remote, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
