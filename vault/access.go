package vault

import (
	"context"
	"errors"
	"io"
	"time"

	"linkvault.io/vault/access"
	"linkvault.io/vault/common/logging"
	rt "linkvault.io/vault/common/retry"
	cst "linkvault.io/vault/constants"
	pe "linkvault.io/vault/errors"
	"linkvault.io/vault/metrics"
	md "linkvault.io/vault/models"
)

const (
	errMsgNotFound   = "content not found"
	accessRetryDelay = time.Millisecond
)

// get fetches the record, mapping absence onto ErrCodeNotFound
func (s *Service) get(ctx context.Context, id string) (*md.Record, *pe.Err) {
	tctx, cancel := s.storeCtx(ctx)
	defer cancel()
	r, e := s.Records.Get(tctx, id)
	if e != nil {
		return nil, e
	}
	if r == nil {
		return nil, pe.NewNotFound(errMsgNotFound)
	}
	return r, nil
}

// purge deletes the record and its blob, if any. Blob deletion failures are logged and do not stop the
// record deletion.
func (s *Service) purge(ctx context.Context, r *md.Record, deletePath string) *pe.Err {
	clog := logging.WithFuncName().WithField(cst.LogFieldRecordID, r.ID)
	if address := r.BlobAddress(); address != "" {
		s.deleteBlob(ctx, address)
	}
	tctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if e := s.Records.Delete(tctx, r.ID); e != nil {
		clog.WithError(e).Error("error deleting record")
		return e
	}
	metrics.RecordsDeleted.WithLabelValues(deletePath).Inc()
	clog.WithField("path", deletePath).Info("record deleted")
	return nil
}

// expire lazily deletes a record found expired on read and reports it as gone
func (s *Service) expire(ctx context.Context, r *md.Record) *pe.Err {
	// failing to delete is fine: the reaper gets to it later
	s.purge(ctx, r, metrics.DeletePathLazy)
	return pe.NewExpired()
}

// GetInfo tells a requester what it takes to read the record without consuming anything. A password
// protected record is reported through Info.RequiresPassword rather than as a denial.
func (s *Service) GetInfo(ctx context.Context, id, requesterID string) (*md.Info, *pe.Err) {
	r, e := s.get(ctx, id)
	if e != nil {
		return nil, e
	}
	v := access.EvaluateInfo(r, requesterID, s.Now())
	switch v.Outcome {
	case access.Allowed, access.DeniedPasswordRequired:
	case access.DeniedExpired:
		return nil, s.expire(ctx, r)
	default:
		return nil, v.Err()
	}
	return &md.Info{
		RequiresPassword: v.Outcome == access.DeniedPasswordRequired,
		Kind:             r.Kind,
		ExpiresAt:        r.ExpiresAt,
		OneTimeView:      r.OneTimeView,
		IsOwner:          r.IsOwner(requesterID),
	}, nil
}

// GetContent hands out the record payload if requesterID may read it, recording the access. An access
// which loses a race against a concurrent one is re-evaluated against the fresh record, a bounded number
// of times.
func (s *Service) GetContent(ctx context.Context, id, requesterID, password string) (*md.Content, *pe.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldRecordID, id)
	var content *md.Content
	attempt := func() error {
		c, e := s.tryAccess(ctx, id, requesterID, password)
		if e != nil {
			return e
		}
		content = c
		return nil
	}
	err := rt.Retry(attempt,
		rt.WithMaxAttempts(int64(s.Cfg.AccessRetryMax)),
		rt.WithBaseDelay(accessRetryDelay),
		rt.WithJitter(1),
		rt.WithRetryOn(func(err error) bool { return pe.Is(err, pe.ErrCodePreconditionFailed) }),
	)
	if err == nil {
		return content, nil
	}
	var e *pe.Err
	if !errors.As(err, &e) {
		return nil, pe.NewServiceFailure("error accessing content").WithCause(err)
	}
	if e.Code == pe.ErrCodePreconditionFailed {
		clog.Warn("access kept losing races, giving up")
		// the record most likely denies the access by now
		if r, ge := s.get(ctx, id); ge == nil {
			if v := access.Evaluate(r, requesterID, password, s.Now()); !v.Allowed() {
				return nil, v.Err()
			}
		}
	}
	return nil, e
}

func (s *Service) tryAccess(ctx context.Context, id, requesterID, password string) (*md.Content, *pe.Err) {
	r, e := s.get(ctx, id)
	if e != nil {
		return nil, e
	}
	now := s.Now()
	v := access.Evaluate(r, requesterID, password, now)
	metrics.Verdicts.WithLabelValues(v.Outcome.String()).Inc()
	if v.Outcome == access.DeniedExpired {
		return nil, s.expire(ctx, r)
	}
	if !v.Allowed() {
		return nil, v.Err()
	}
	tctx, cancel := s.storeCtx(ctx)
	defer cancel()
	updated, e := access.Apply(tctx, s.Records, id, requesterID, now)
	if e != nil {
		if e.Code == pe.ErrCodePreconditionFailed {
			metrics.AccessConflicts.Inc()
		}
		return nil, e
	}
	metrics.AccessesApplied.Inc()
	return s.content(updated)
}

func (s *Service) content(r *md.Record) (*md.Content, *pe.Err) {
	c := &md.Content{
		Kind:      r.Kind,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		ViewCount: r.ViewCount,
		MaxViews:  maxViews(r),
		Text:      r.Text,
	}
	if r.File != nil {
		fileURL, e := s.fileURL(r.ID, r.File.Name)
		if e != nil {
			return nil, e
		}
		c.FileName = r.File.Name
		c.FileURL = fileURL
		c.FileSize = r.File.Size
		c.MediaType = r.File.MediaType
	}
	return c, nil
}

func maxViews(r *md.Record) *uint64 {
	if r.MaxViews == 0 {
		return nil
	}
	v := r.MaxViews
	return &v
}

// OpenFile streams the bytes of the named file of record id to the holder of a download token issued by
// GetContent. The caller must close the returned reader.
func (s *Service) OpenFile(ctx context.Context, id, name, token string) (io.ReadCloser, *md.FileRef, *pe.Err) {
	if e := s.verifyDownload(token, id, name); e != nil {
		logging.WithFuncName().WithField(cst.LogFieldRecordID, id).WithError(e).Debug("rejecting download")
		return nil, nil, e
	}
	r, e := s.get(ctx, id)
	if e != nil {
		return nil, nil, e
	}
	if r.Kind != md.KindFile || r.File == nil || r.File.Name != name {
		return nil, nil, pe.NewNotFound(errMsgNotFound)
	}
	if r.Expired(s.Now()) {
		return nil, nil, s.expire(ctx, r)
	}
	rc, e := s.Blobs.Get(ctx, r.File.Address)
	if e != nil {
		return nil, nil, e
	}
	f := *r.File
	return rc, &f, nil
}
