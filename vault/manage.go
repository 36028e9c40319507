package vault

import (
	"context"
	"time"

	"linkvault.io/vault/common/logging"
	cst "linkvault.io/vault/constants"
	pe "linkvault.io/vault/errors"
	"linkvault.io/vault/metrics"
	md "linkvault.io/vault/models"
)

// Delete removes record id on behalf of its owner, together with its blob.
func (s *Service) Delete(ctx context.Context, id, requesterID string) *pe.Err {
	clog := logging.WithFuncName().WithField(cst.LogFieldRecordID, id)
	if requesterID == "" {
		return pe.NewUnauthorized("login required to delete content")
	}
	r, e := s.get(ctx, id)
	if e != nil {
		return e
	}
	if !r.IsOwner(requesterID) {
		clog.WithField(cst.LogFieldOwnerID, requesterID).Warn("non-owner attempted deletion")
		return pe.NewForbidden("only the owner can delete this content")
	}
	return s.purge(ctx, r, metrics.DeletePathOwner)
}

// ListByOwner lists up to limit records of ownerID, newest first; limit 0 lists all of them. Expired
// records which were not reaped yet are listed and flagged as such.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*md.Summary, *pe.Err) {
	if ownerID == "" {
		return nil, pe.NewUnauthorized("login required to list content")
	}
	if limit < 0 {
		return nil, pe.NewBadInput("limit must not be negative")
	}
	tctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rs, e := s.Records.ListByOwner(tctx, ownerID, limit)
	if e != nil {
		return nil, e
	}
	now := s.Now()
	summaries := make([]*md.Summary, 0, len(rs))
	for _, r := range rs {
		summaries = append(summaries, s.summary(r, now))
	}
	return summaries, nil
}

// Recent lists the latest records of ownerID.
func (s *Service) Recent(ctx context.Context, ownerID string) ([]*md.Summary, *pe.Err) {
	return s.ListByOwner(ctx, ownerID, recentLimit)
}

func (s *Service) summary(r *md.Record, now time.Time) *md.Summary {
	sm := &md.Summary{
		ID:            r.ID,
		Kind:          r.Kind,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		ViewCount:     r.ViewCount,
		MaxViews:      maxViews(r),
		OneTimeView:   r.OneTimeView,
		HasBeenViewed: r.Consumption.LegacyViewed(),
		IsExpired:     r.Expired(now),
		ShareURL:      s.ShareURL(r.ID),
	}
	if r.File != nil {
		sm.FileName = r.File.Name
	}
	return sm
}
