package upload

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/chmdznr/violsync/pkg/models"
)

// MinioConfig holds the destination bucket for photo uploads
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Folder    string
	Region    string
	Secure    bool
	// PublicBaseURL, when set, prefixes object keys in returned references
	PublicBaseURL string
}

// MinioUploader stores photos in an S3 compatible bucket under
// content-addressed keys, so uploading the same photo twice writes the same object.
type MinioUploader struct {
	client        *minio.Client
	bucket        string
	folder        string
	publicBaseURL string
	logger        *zap.Logger
}

// NewMinioUploader creates a new MinIO uploader instance
func NewMinioUploader(cfg MinioConfig, logger *zap.Logger) (*MinioUploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	opts := minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Transport:    tr,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupAuto,
	}

	client, err := minio.New(cfg.Endpoint, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	return &MinioUploader{
		client:        client,
		bucket:        cfg.Bucket,
		folder:        strings.Trim(cfg.Folder, "/"),
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:        logger.Named("upload"),
	}, nil
}

// Upload implements Uploader
func (u *MinioUploader) Upload(ctx context.Context, localImageRef string) (string, error) {
	media, err := models.StatMedia(localImageRef)
	if err != nil {
		return "", &models.UploadError{Ref: localImageRef, Err: err}
	}

	key, err := objectKey(u.folder, media.Path)
	if err != nil {
		return "", &models.UploadError{Ref: localImageRef, Err: err}
	}

	file, err := os.Open(media.Path)
	if err != nil {
		return "", &models.UploadError{Ref: localImageRef, Err: err}
	}
	defer file.Close()

	info, err := u.client.PutObject(ctx, u.bucket, key, file, media.Size, minio.PutObjectOptions{
		ContentType: media.ContentType,
		UserMetadata: map[string]string{
			"original-name": filepath.Base(media.Path),
		},
	})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		u.logger.Debug("MinIO put failed",
			zap.String("code", errResp.Code),
			zap.String("bucket", u.bucket),
			zap.String("key", key),
		)
		return "", &models.UploadError{Ref: localImageRef, StatusCode: errResp.StatusCode, Err: err}
	}

	if info.Size != media.Size {
		return "", &models.UploadError{
			Ref: localImageRef,
			Err: fmt.Errorf("uploaded size mismatch: expected %d bytes, got %d", media.Size, info.Size),
		}
	}

	return u.objectURL(key), nil
}

func (u *MinioUploader) objectURL(key string) string {
	if u.publicBaseURL != "" {
		return u.publicBaseURL + "/" + key
	}
	endpoint := u.client.EndpointURL()
	return fmt.Sprintf("%s://%s/%s/%s", endpoint.Scheme, endpoint.Host, u.bucket, key)
}

// objectKey names an object after the blake2b-256 digest of the photo.
func objectKey(folder, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	name := hex.EncodeToString(h.Sum(nil)) + strings.ToLower(filepath.Ext(path))
	if folder == "" {
		return name, nil
	}
	return folder + "/" + name, nil
}
