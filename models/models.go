package models

import (
	"time"
)

/*
 Application layer data models.
*/

// Kind tells which payload a record carries.
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

var KindVals = map[Kind]struct{}{
	KindText: {},
	KindFile: {},
}

// FileRef locates the bytes of file-type content in the blob store.
type FileRef struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"mediaType"`
}

// Record is the persisted form of one shareable upload and its access constraints.
type Record struct {
	ID      string
	OwnerID string
	Kind    Kind
	// exactly one of Text and File is populated, according to Kind
	Text         string
	File         *FileRef
	PasswordHash string
	OneTimeView  bool
	Consumption  Consumption
	ViewCount    uint64
	// MaxViews caps ViewCount when non-zero
	MaxViews  uint64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

func (r *Record) HasPassword() bool {
	return r.PasswordHash != ""
}

// IsOwner reports whether requesterID identifies the record owner. Anonymous requesters are never owners.
func (r *Record) IsOwner(requesterID string) bool {
	return requesterID != "" && requesterID == r.OwnerID
}

// ViewsExhausted reports whether the view cap, if any, is reached.
func (r *Record) ViewsExhausted() bool {
	return r.MaxViews > 0 && r.ViewCount >= r.MaxViews
}

// BlobAddress returns the address of the record's blob, or "" for text records.
func (r *Record) BlobAddress() string {
	if r.Kind != KindFile || r.File == nil {
		return ""
	}
	return r.File.Address
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	if r.File != nil {
		f := *r.File
		c.File = &f
	}
	return &c
}

// Junk represents necessary record data for deletion purpose
type Junk struct {
	RecordID    string // record ID
	BlobAddress string // reference of record's blob on storage layer, empty for text records
}

// Summary is the owner-facing listing view of a record.
type Summary struct {
	ID            string    `json:"uniqueId"`
	Kind          Kind      `json:"type"`
	FileName      string    `json:"fileName,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	ViewCount     uint64    `json:"viewCount"`
	MaxViews      *uint64   `json:"maxViews"`
	OneTimeView   bool      `json:"oneTimeView"`
	HasBeenViewed bool      `json:"hasBeenViewed"`
	IsExpired     bool      `json:"isExpired"`
	ShareURL      string    `json:"shareUrl"`
}

// Info is the preflight view of a record; building it never mutates the record.
type Info struct {
	RequiresPassword bool      `json:"requiresPassword"`
	Kind             Kind      `json:"type"`
	ExpiresAt        time.Time `json:"expiresAt"`
	OneTimeView      bool      `json:"oneTimeView"`
	IsOwner          bool      `json:"isOwner"`
}

// Content is the payload handed out by a permitted access.
type Content struct {
	Kind      Kind      `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	ViewCount uint64    `json:"viewCount"`
	MaxViews  *uint64   `json:"maxViews"`
	Text      string    `json:"textContent,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	FileURL   string    `json:"fileUrl,omitempty"`
	FileSize  int64     `json:"fileSize,omitempty"`
	MediaType string    `json:"mimeType,omitempty"`
}

// Created is returned to the uploader.
type Created struct {
	ID        string    `json:"uniqueId"`
	Kind      Kind      `json:"type"`
	ExpiresAt time.Time `json:"expiresAt"`
	ShareURL  string    `json:"shareUrl"`
}
