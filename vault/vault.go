// Package vault vends the operations of the content vault: creating records, reading them under their
// access constraints, deleting and listing them.
package vault

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	"linkvault.io/vault/access"
	"linkvault.io/vault/common/logging"
	cst "linkvault.io/vault/constants"
	pe "linkvault.io/vault/errors"
	"linkvault.io/vault/metrics"
	md "linkvault.io/vault/models"
	st "linkvault.io/vault/stores"
)

// Config is the explicit configuration of a Service.
type Config struct {
	DefaultExpiry time.Duration
	// PublicBaseURL is where the front end serving share links lives
	PublicBaseURL string
	// StoreTimeout bounds every record store call and blob deletion
	StoreTimeout time.Duration
	// BlobTimeout bounds storing the bytes of an uploaded file
	BlobTimeout time.Duration
	// AccessRetryMax caps re-evaluations of an access which lost a race. Zero means the default
	AccessRetryMax int
	// IDAttempts caps record id generation on collisions
	IDAttempts  int
	MaxFileSize int64
	// DownloadSecret signs file download links, which stay valid for DownloadTTL. A random secret is
	// generated when unset, so links then only work on the instance which issued them.
	DownloadSecret []byte
	DownloadTTL    time.Duration
}

const (
	defaultExpiry         = 10 * time.Minute
	defaultStoreTimeout   = 5 * time.Second
	defaultBlobTimeout    = 2 * time.Minute
	defaultAccessRetryMax = 3
	defaultIDAttempts     = 5
	defaultMaxFileSize    = 10 << 20
	defaultDownloadTTL    = 10 * time.Minute
	downloadSecretLen     = 32
	recentLimit           = 2
	// filetype needs at most this many leading bytes to match a type
	sniffLen              = 261
	fallbackMediaType     = "application/octet-stream"
)

func (c Config) withDefaults() Config {
	if c.DefaultExpiry <= 0 {
		c.DefaultExpiry = defaultExpiry
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.BlobTimeout <= 0 {
		c.BlobTimeout = defaultBlobTimeout
	}
	if c.AccessRetryMax <= 0 {
		c.AccessRetryMax = defaultAccessRetryMax
	}
	if c.IDAttempts <= 0 {
		c.IDAttempts = defaultIDAttempts
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.DownloadTTL <= 0 {
		c.DownloadTTL = defaultDownloadTTL
	}
	if len(c.DownloadSecret) == 0 {
		c.DownloadSecret = make([]byte, downloadSecretLen)
		if _, err := rand.Read(c.DownloadSecret); err != nil {
			panic(fmt.Sprintf("error generating download secret: %v", err))
		}
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	return c
}

// Service implements the vault operations on top of a record store and a blob store. Service holds no
// mutable state of its own; all coordination between concurrent callers happens in the record store.
type Service struct {
	Records st.RecordStore
	Blobs   st.BlobStore
	Cfg     Config
	// Now and NewID are swappable for tests
	Now   func() time.Time
	NewID func() string
}

func New(records st.RecordStore, blobs st.BlobStore, cfg Config) *Service {
	return &Service{
		Records: records,
		Blobs:   blobs,
		Cfg:     cfg.withDefaults(),
		Now:     time.Now,
		NewID:   func() string { return ksuid.New().String() },
	}
}

// FileUpload is the file payload of a creation request.
type FileUpload struct {
	Name string
	Body io.Reader
	// Trailer, if set, is called once Body is consumed. It returns the complete constraints of the request,
	// for requests which carry constraints after the file.
	Trailer func() (Constraints, *pe.Err)
}

// Payload carries exactly one of Text and File.
type Payload struct {
	Text string
	File *FileUpload
}

// Constraints are the owner-supplied access constraints of a record, fixed at creation.
type Constraints struct {
	// ExpiresAt takes precedence over ExpiryMinutes; both unset means the default expiry
	ExpiresAt     *time.Time
	ExpiryMinutes int
	Password      string
	OneTimeView   bool
	// MaxViews of 0 means no cap
	MaxViews uint64
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Cfg.StoreTimeout)
}

// ShareURL forms the link recipients open to reach the record.
func (s *Service) ShareURL(id string) string {
	return fmt.Sprintf("%s/view/%s", s.Cfg.PublicBaseURL, id)
}

func (s *Service) expiry(now time.Time, c Constraints) (time.Time, *pe.Err) {
	switch {
	case c.ExpiresAt != nil:
		if !c.ExpiresAt.After(now) {
			return time.Time{}, pe.NewBadInput("expiry must be in the future")
		}
		return *c.ExpiresAt, nil
	case c.ExpiryMinutes < 0:
		return time.Time{}, pe.NewBadInput(fmt.Sprintf("got negative expiry minutes %d", c.ExpiryMinutes))
	case c.ExpiryMinutes > 0:
		return now.Add(time.Duration(c.ExpiryMinutes) * time.Minute), nil
	default:
		return now.Add(s.Cfg.DefaultExpiry), nil
	}
}

// Create stores the payload under a fresh record owned by ownerID. File bytes are persisted before the
// record, and removed again if the record cannot be created.
func (s *Service) Create(ctx context.Context, ownerID string, p Payload, c Constraints) (*md.Created, *pe.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldOwnerID, ownerID)
	if ownerID == "" {
		return nil, pe.NewUnauthorized("login required to upload content")
	}
	hasText, hasFile := p.Text != "", p.File != nil
	if hasText == hasFile {
		return nil, pe.NewBadInput("exactly one of text and file must be provided")
	}
	now := s.Now()
	if _, e := s.expiry(now, c); e != nil {
		return nil, e
	}
	r := &md.Record{
		OwnerID:   ownerID,
		Kind:      md.KindText,
		Text:      p.Text,
		CreatedAt: now,
	}
	if hasFile {
		var e *pe.Err
		r.Kind = md.KindFile
		if r.File, e = s.putBlob(ctx, ownerID, p.File); e != nil {
			return nil, e
		}
		clog = clog.WithField(cst.LogFieldBlobAddress, r.File.Address)
		if p.File.Trailer != nil {
			c, e = p.File.Trailer()
		}
		if e == nil {
			e = s.constrain(r, c)
		}
		if e != nil {
			s.deleteBlob(ctx, r.File.Address)
			return nil, e
		}
	} else if e := s.constrain(r, c); e != nil {
		return nil, e
	}
	if e := s.createRecord(ctx, r); e != nil {
		clog.WithError(e).Error("error creating record")
		if r.File != nil {
			s.deleteBlob(ctx, r.File.Address)
		}
		return nil, e
	}
	metrics.RecordsCreated.WithLabelValues(string(r.Kind)).Inc()
	clog.WithFields(log.Fields{cst.LogFieldRecordID: r.ID, "kind": r.Kind}).Info("record created")
	return &md.Created{
		ID:        r.ID,
		Kind:      r.Kind,
		ExpiresAt: r.ExpiresAt,
		ShareURL:  s.ShareURL(r.ID),
	}, nil
}

// constrain applies the access constraints c to the new record r
func (s *Service) constrain(r *md.Record, c Constraints) *pe.Err {
	expiresAt, e := s.expiry(r.CreatedAt, c)
	if e != nil {
		return e
	}
	r.ExpiresAt = expiresAt
	r.OneTimeView = c.OneTimeView
	r.MaxViews = c.MaxViews
	if c.Password != "" {
		if r.PasswordHash, e = access.HashPassword(c.Password); e != nil {
			return e
		}
	}
	return nil
}

// createRecord assigns r a fresh id, retrying on collisions
func (s *Service) createRecord(ctx context.Context, r *md.Record) *pe.Err {
	var e *pe.Err
	for i := 0; i < s.Cfg.IDAttempts; i++ {
		r.ID = s.NewID()
		tctx, cancel := s.storeCtx(ctx)
		e = s.Records.Create(tctx, r)
		cancel()
		if e == nil || e.Code != pe.ErrCodeExisted {
			return e
		}
		logging.WithFuncName().WithField(cst.LogFieldRecordID, r.ID).Warn("record id collision, regenerating")
	}
	return pe.NewServiceFailure("failed to allocate a unique record id").WithCause(e)
}

func (s *Service) putBlob(ctx context.Context, ownerID string, f *FileUpload) (*md.FileRef, *pe.Err) {
	if strings.TrimSpace(f.Name) == "" {
		return nil, pe.NewBadInput("file name missing")
	}
	br := bufio.NewReaderSize(f.Body, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, pe.NewBadInput("error reading uploaded file").WithCause(err)
	}
	body := &limitedReader{r: br, remaining: s.Cfg.MaxFileSize}
	tctx, cancel := context.WithTimeout(ctx, s.Cfg.BlobTimeout)
	defer cancel()
	address, size, e := s.Blobs.Put(tctx, path.Join(ownerID, s.NewID()), f.Name, body)
	if e != nil {
		return nil, e
	}
	return &md.FileRef{
		Address:   address,
		Name:      f.Name,
		Size:      size,
		MediaType: mediaType(head, f.Name),
	}, nil
}

// mediaType sniffs the media type from the leading bytes, falling back to the file extension
func mediaType(head []byte, name string) string {
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return fallbackMediaType
}

// limitedReader fails with ErrCodeOversized once more than remaining bytes are read
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, pe.NewOversized()
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, pe.NewOversized()
	}
	return n, err
}

func (s *Service) deleteBlob(ctx context.Context, address string) bool {
	tctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if e := s.Blobs.Delete(tctx, address); e != nil {
		metrics.BlobDeleteFailures.Inc()
		logging.WithFuncName().WithField(cst.LogFieldBlobAddress, address).WithError(e).Error("error deleting blob")
		return false
	}
	return true
}
