package models

import (
	"time"
)

// AssetType is the logical media type of an asset.
type AssetType string

const (
	AssetTypeVideo    AssetType = "video"
	AssetTypeAudio    AssetType = "audio"
	AssetTypeImage    AssetType = "image"
	AssetTypeDocument AssetType = "document"
)

// AssetStatus tracks where an asset is in the processing pipeline.
type AssetStatus string

const (
	AssetStatusPending    AssetStatus = "pending"
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusCompleted  AssetStatus = "completed"
	AssetStatusFailed     AssetStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s AssetStatus) Valid() bool {
	switch s {
	case AssetStatusPending, AssetStatusProcessing, AssetStatusCompleted, AssetStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further pipeline transition is expected.
func (s AssetStatus) Terminal() bool {
	return s == AssetStatusCompleted || s == AssetStatusFailed
}

// Asset is one media object owned by a user. ManifestURL is set if and only
// if Status is AssetStatusCompleted.
type Asset struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"ownerId"`
	Type            AssetType   `json:"type"`
	SourceURL       string      `json:"sourceUrl"`
	ContentType     string      `json:"contentType"`
	SizeBytes       int64       `json:"sizeBytes"`
	DurationSeconds float64     `json:"durationSeconds"`
	Status          AssetStatus `json:"status"`
	ManifestURL     *string     `json:"manifestUrl,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Consistent reports whether the manifest URL agrees with the status.
func (a Asset) Consistent() bool {
	hasManifest := a.ManifestURL != nil && *a.ManifestURL != ""
	return hasManifest == (a.Status == AssetStatusCompleted)
}
