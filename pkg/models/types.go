package models

import (
	"fmt"
	"strings"
	"time"
)

// SyncState is the upload state of a violation record
type SyncState int

const (
	Pending SyncState = iota
	Synced
)

func (s SyncState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// Category is a violation category from the configured list
type Category string

// DefaultCategories is used when no category list is configured
var DefaultCategories = []Category{
	"Theft",
	"Vandalism",
	"Illegal Parking",
	"Littering",
	"Other",
}

// Location is a latitude/longitude pair
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (l Location) valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

func (l Location) String() string {
	return fmt.Sprintf("%.5f, %.5f", l.Latitude, l.Longitude)
}

// Violation is a captured violation report
type Violation struct {
	ID             int64
	Description    string
	Category       Category
	LocalImageRef  string
	RemoteImageRef string
	CapturedAt     time.Time
	Location       *Location
	UserID         string
	ClientRef      string
	SyncState      SyncState
	SyncedAt       *time.Time
}

// NewViolation validates capture input and returns a new pending violation.
// location may be nil when acquisition failed.
func NewViolation(description string, category Category, localImageRef string, capturedAt time.Time, location *Location, categories []Category) (*Violation, error) {
	verr := &ValidationError{}

	if strings.TrimSpace(localImageRef) == "" {
		verr.add("photo", "photo is required")
	}
	if strings.TrimSpace(description) == "" {
		verr.add("description", "description is required")
	}
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	if !containsCategory(categories, category) {
		verr.add("category", fmt.Sprintf("unknown category %q", category))
	}
	if location != nil && !location.valid() {
		verr.add("location", "coordinates out of range")
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	if len(verr.Fields) > 0 {
		return nil, verr
	}

	return &Violation{
		Description:   strings.TrimSpace(description),
		Category:      category,
		LocalImageRef: localImageRef,
		CapturedAt:    capturedAt.UTC(),
		Location:      location,
		SyncState:     Pending,
	}, nil
}

// HasRemoteImage reports whether the photo was already uploaded
func (v *Violation) HasRemoteImage() bool {
	return v.RemoteImageRef != ""
}

func containsCategory(categories []Category, c Category) bool {
	for _, known := range categories {
		if known == c {
			return true
		}
	}
	return false
}

// ParseCategories converts configured strings into categories
func ParseCategories(values []string) []Category {
	out := make([]Category, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, Category(v))
		}
	}
	return out
}
