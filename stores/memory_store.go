package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pe "linkvault.io/vault/errors"
	md "linkvault.io/vault/models"
)

// MemoryStore keeps records in process memory. It backs single-process deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*md.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*md.Record{}}
}

func (s *MemoryStore) Create(ctx context.Context, r *md.Record) *pe.Err {
	if e := validateForCreate(r); e != nil {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return pe.NewExisted(fmt.Sprintf("record %s already exists", r.ID))
	}
	s.records[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*md.Record, *pe.Err) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ConditionalUpdate(ctx context.Context, id string, pred Predicate, mut Mutation) (*md.Record, *pe.Err) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[id]
	if !ok {
		return nil, pe.NewNotFound(fmt.Sprintf("record %s not found", id))
	}
	updated, e := conditionalApply(cur, pred, mut)
	if e != nil {
		return nil, e
	}
	s.records[id] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) *pe.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *pe.Err) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expired := make([]*md.Record, 0)
	for _, r := range s.records {
		if r.Expired(now) {
			expired = append(expired, r)
		}
	}
	sortOldestExpiryFirst(expired)
	if max > 0 && len(expired) > max {
		expired = expired[:max]
	}
	junks := make([]*md.Junk, 0, len(expired))
	for _, r := range expired {
		junks = append(junks, &md.Junk{RecordID: r.ID, BlobAddress: r.BlobAddress()})
	}
	return junks, nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*md.Record, *pe.Err) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*md.Record, 0)
	for _, r := range s.records {
		if r.OwnerID == ownerID {
			res = append(res, r.Clone())
		}
	}
	sortNewestFirst(res)
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *MemoryStore) Close() *pe.Err {
	return nil
}

func sortNewestFirst(rs []*md.Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID > rs[j].ID
		}
		return rs[i].CreatedAt.After(rs[j].CreatedAt)
	})
}

// oldest expiry first, matching the sorted-set backed stores
func sortOldestExpiryFirst(rs []*md.Record) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].ExpiresAt.Before(rs[j].ExpiresAt) })
}
