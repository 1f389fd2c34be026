package models

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// MediaFile represents a locally captured photo
type MediaFile struct {
	Path        string
	Size        int64
	ContentType string
}

// StatMedia resolves a local image reference to an existing regular file
func StatMedia(ref string) (*MediaFile, error) {
	info, err := os.Stat(ref)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", ref)
	}
	return &MediaFile{
		Path:        ref,
		Size:        info.Size(),
		ContentType: ContentTypeFor(ref),
	}, nil
}

// ContentTypeFor guesses the MIME type of a photo from its extension
func ContentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".heic":
		return "image/heic"
	case ".webp":
		return "image/webp"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
