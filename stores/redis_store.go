package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"linkvault.io/vault/common/logging"
	cst "linkvault.io/vault/constants"
	pe "linkvault.io/vault/errors"
	md "linkvault.io/vault/models"
)

// RedisStore is a RecordStore implementation driven by Redis. Each record lives in a hash keyed by its ID;
// two sorted sets index record IDs by expiry and, per owner, by creation time.
type RedisStore struct {
	DB *redis.Client
	// FetcherPoolSize bounds the number of concurrent lookups when assembling junk records
	FetcherPoolSize int
}

const (
	fieldNameOwnerID           = "ownerId"
	fieldNameKind              = "kind"
	fieldNameText              = "text"
	fieldNameFile              = "file"
	fieldNamePasswordHash      = "passwordHash"
	fieldNameOneTimeView       = "oneTimeView"
	fieldNameOwnerPreviewUsed  = "ownerPreviewUsed"
	fieldNameRecipientViewUsed = "recipientViewUsed"
	fieldNameHasBeenViewed     = "hasBeenViewed"
	fieldNameViewCount         = "viewCount"
	fieldNameMaxViews          = "maxViews"
	fieldNameCreatedAt         = "createdAt"
	fieldNameExpiresAt         = "expiresAt"

	// redis key of the sorted set whose score is record expiry in unix millis
	keyRecordExpirySet = "recordExpirySet"
	// template to form the key of the sorted set indexing an owner's records by creation time
	keyTmplOwnerIndex = `owner.%s`

	defaultFetcherPoolSize = 8
)

var errRecordGone = errors.New("record gone")

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{DB: client, FetcherPoolSize: defaultFetcherPoolSize}
}

func (s *RedisStore) Create(ctx context.Context, r *md.Record) *pe.Err {
	const errMsg = "error creating record"
	if e := validateForCreate(r); e != nil {
		return e
	}
	clog := logging.WithFuncName().WithField(cst.LogFieldRecordID, r.ID)
	fields, err := encodeRecord(r)
	if err != nil {
		clog.WithError(err).Error("error encoding record")
		return pe.NewServiceFailure(errMsg).WithCause(err)
	}
	db := s.DB.WithContext(ctx)
	var existed bool
	for i := 0; i < maxOptLockAttempts; i++ {
		err = db.Watch(func(tx *redis.Tx) error {
			n, err := tx.Exists(r.ID).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				existed = true
				return nil
			}
			_, err = tx.Pipelined(func(p redis.Pipeliner) error {
				p.HMSet(r.ID, fields)
				p.ZAdd(keyRecordExpirySet, redis.Z{Score: float64(unixMillis(r.ExpiresAt)), Member: r.ID})
				p.ZAdd(ownerKey(r.OwnerID), redis.Z{Score: float64(unixMillis(r.CreatedAt)), Member: r.ID})
				return nil
			})
			return err
		}, r.ID)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		clog.WithError(err).Error("error calling redis to create record")
		return storageErr(errMsg, err)
	}
	if existed {
		return pe.NewExisted(fmt.Sprintf("record %s already exists", r.ID))
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*md.Record, *pe.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldRecordID, id)
	m, err := s.DB.WithContext(ctx).HGetAll(id).Result()
	if err != nil {
		msg := "error getting record data"
		clog.WithError(err).Error(msg)
		return nil, storageErr(msg, err)
	}
	// redis returns an empty map for non-existent keys
	if len(m) == 0 {
		return nil, nil
	}
	r, err := decodeRecord(id, m)
	if err != nil {
		msg := "error decoding record data"
		clog.WithError(err).Error(msg)
		return nil, pe.NewServiceFailure(msg).WithCause(err)
	}
	return r, nil
}

func (s *RedisStore) ConditionalUpdate(ctx context.Context, id string, pred Predicate, mut Mutation) (*md.Record, *pe.Err) {
	const errMsg = "error updating record"
	clog := logging.WithFuncName().WithField(cst.LogFieldRecordID, id)
	db := s.DB.WithContext(ctx)
	var (
		updated *md.Record
		denied  *pe.Err
		err     error
	)
	for i := 0; i < maxOptLockAttempts; i++ {
		updated, denied = nil, nil
		err = db.Watch(func(tx *redis.Tx) error {
			m, err := tx.HGetAll(id).Result()
			if err != nil {
				return err
			}
			if len(m) == 0 {
				return errRecordGone
			}
			cur, err := decodeRecord(id, m)
			if err != nil {
				return err
			}
			next, e := conditionalApply(cur, pred, mut)
			if e != nil {
				denied = e
				return nil
			}
			ownerUsed, recipientUsed, legacy := next.Consumption.Flags()
			_, err = tx.Pipelined(func(p redis.Pipeliner) error {
				p.HMSet(id, map[string]interface{}{
					fieldNameViewCount:         next.ViewCount,
					fieldNameOwnerPreviewUsed:  ownerUsed,
					fieldNameRecipientViewUsed: recipientUsed,
					fieldNameHasBeenViewed:     legacy,
				})
				return nil
			})
			if err == nil {
				updated = next
			}
			return err
		}, id)
		if err != redis.TxFailedErr {
			break
		}
		clog.WithField("attempt", i).Debug("record changed during update, retrying")
	}
	switch {
	case err == errRecordGone:
		return nil, pe.NewNotFound(fmt.Sprintf("record %s not found", id))
	case err == redis.TxFailedErr:
		return nil, pe.NewPreconditionFailed("record kept changing during update").WithCause(err)
	case err != nil:
		clog.WithError(err).Error("error calling redis to update record")
		return nil, storageErr(errMsg, err)
	case denied != nil:
		return nil, denied
	}
	return updated, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) *pe.Err {
	const errMsg = "error deleting record"
	clog := logging.WithFuncName().WithField(cst.LogFieldRecordID, id)
	db := s.DB.WithContext(ctx)
	owner, err := db.HGet(id, fieldNameOwnerID).Result()
	if err != nil && err != redis.Nil {
		clog.WithError(err).Error("error calling redis to look up record owner")
		return storageErr(errMsg, err)
	}
	// redis ignores DEL and ZREM on non-existent keys, which keeps Delete idempotent
	if _, err := db.TxPipelined(func(p redis.Pipeliner) error {
		p.Del(id)
		p.ZRem(keyRecordExpirySet, id)
		if owner != "" {
			p.ZRem(ownerKey(owner), id)
		}
		return nil
	}); err != nil {
		clog.WithError(err).Error("error calling redis to delete record")
		return storageErr(errMsg, err)
	}
	return nil
}

func (s *RedisStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *pe.Err) {
	const errMsg = "error loading junk records"
	clog := logging.WithFuncName()
	if max < 0 {
		return nil, pe.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	// gather ids of records which expired strictly before now; a zero count means no LIMIT clause
	opt := redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(unixMillis(now), 10), Count: int64(max)}
	ids, err := s.DB.WithContext(ctx).ZRangeByScore(keyRecordExpirySet, opt).Result()
	if err != nil {
		clog.WithError(err).Error("error calling redis to get ids of expired records")
		return nil, storageErr(errMsg, err)
	}
	clog.WithField("ids", ids).Debug("done loading junk record ids")
	jks := s.junk(ctx, ids)
	clog.WithField("count", len(jks)).Debug("done assembling junk records")
	return jks, nil
}

// junk looks up the blob address of each record with a bounded pool of fetchers. Records whose lookup fails
// are still returned without blob address, so the index entry gets cleaned up; records already gone are
// returned as well since deleting them again is harmless.
func (s *RedisStore) junk(ctx context.Context, ids []string) []*md.Junk {
	clog := logging.WithFuncName()
	fpsize := s.FetcherPoolSize
	if fpsize <= 0 {
		fpsize = defaultFetcherPoolSize
	}
	quotas := make(chan struct{}, fpsize)
	jks := make([]*md.Junk, len(ids))
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errcnt int
	)
	db := s.DB.WithContext(ctx)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			quotas <- struct{}{}
			defer func() { <-quotas }()
			jks[i] = &md.Junk{RecordID: id}
			raw, err := db.HGet(id, fieldNameFile).Result()
			if err == redis.Nil || raw == "" {
				return
			}
			if err != nil {
				clog.WithError(err).WithField(cst.LogFieldRecordID, id).Error("error getting record blob reference from redis")
				mu.Lock()
				errcnt++
				mu.Unlock()
				return
			}
			f := &md.FileRef{}
			if err := json.Unmarshal([]byte(raw), f); err != nil {
				clog.WithError(err).WithField(cst.LogFieldRecordID, id).Error("error unmarshalling record blob reference")
				mu.Lock()
				errcnt++
				mu.Unlock()
				return
			}
			jks[i].BlobAddress = f.Address
		}(i, id)
	}
	wg.Wait()
	if errcnt > 0 {
		clog.Errorf("got %d errors when retrieving junk record blob refs from redis. See log before time %s",
			errcnt, time.Now().UTC())
	}
	return jks
}

func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*md.Record, *pe.Err) {
	const errMsg = "error listing records"
	clog := logging.WithFuncName().WithField(cst.LogFieldOwnerID, ownerID)
	db := s.DB.WithContext(ctx)
	ids, err := db.ZRevRange(ownerKey(ownerID), 0, int64(limit)-1).Result()
	if err != nil {
		clog.WithError(err).Error("error calling redis to get record ids of owner")
		return nil, storageErr(errMsg, err)
	}
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	if _, err := db.Pipelined(func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(id)
		}
		return nil
	}); err != nil {
		clog.WithError(err).Error("error calling redis to get records of owner")
		return nil, storageErr(errMsg, err)
	}
	res := make([]*md.Record, 0, len(ids))
	for i, cmd := range cmds {
		m := cmd.Val()
		// index entries may outlive their records for a moment during deletion
		if len(m) == 0 {
			continue
		}
		r, err := decodeRecord(ids[i], m)
		if err != nil {
			clog.WithError(err).WithField(cst.LogFieldRecordID, ids[i]).Error("error decoding record data")
			return nil, pe.NewServiceFailure(errMsg).WithCause(err)
		}
		res = append(res, r)
	}
	return res, nil
}

func (s *RedisStore) Close() *pe.Err {
	if err := s.DB.Close(); err != nil {
		return pe.NewServiceFailure("failed close Redis client").WithCause(err)
	}
	return nil
}

func ownerKey(ownerID string) string {
	return fmt.Sprintf(keyTmplOwnerIndex, ownerID)
}

func unixMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func encodeRecord(r *md.Record) (map[string]interface{}, error) {
	ownerUsed, recipientUsed, legacy := r.Consumption.Flags()
	fields := map[string]interface{}{
		fieldNameOwnerID:           r.OwnerID,
		fieldNameKind:              string(r.Kind),
		fieldNameText:              r.Text,
		fieldNamePasswordHash:      r.PasswordHash,
		fieldNameOneTimeView:       r.OneTimeView,
		fieldNameOwnerPreviewUsed:  ownerUsed,
		fieldNameRecipientViewUsed: recipientUsed,
		fieldNameHasBeenViewed:     legacy,
		fieldNameViewCount:         r.ViewCount,
		fieldNameMaxViews:          r.MaxViews,
		fieldNameCreatedAt:         r.CreatedAt.UnixNano(),
		fieldNameExpiresAt:         r.ExpiresAt.UnixNano(),
	}
	if r.File != nil {
		b, err := json.Marshal(r.File)
		if err != nil {
			return nil, err
		}
		fields[fieldNameFile] = string(b)
	}
	return fields, nil
}

func decodeRecord(id string, m map[string]string) (*md.Record, error) {
	r := &md.Record{
		ID:           id,
		OwnerID:      m[fieldNameOwnerID],
		Kind:         md.Kind(m[fieldNameKind]),
		Text:         m[fieldNameText],
		PasswordHash: m[fieldNamePasswordHash],
		OneTimeView:  parseFlag(m[fieldNameOneTimeView]),
		Consumption: md.ConsumptionFromFlags(
			parseFlag(m[fieldNameOwnerPreviewUsed]),
			parseFlag(m[fieldNameRecipientViewUsed]),
			parseFlag(m[fieldNameHasBeenViewed])),
	}
	var err error
	if r.ViewCount, err = parseUint(m[fieldNameViewCount]); err != nil {
		return nil, fmt.Errorf("view count: %w", err)
	}
	if r.MaxViews, err = parseUint(m[fieldNameMaxViews]); err != nil {
		return nil, fmt.Errorf("max views: %w", err)
	}
	if r.CreatedAt, err = parseUnixNano(m[fieldNameCreatedAt]); err != nil {
		return nil, fmt.Errorf("creation time: %w", err)
	}
	if r.ExpiresAt, err = parseUnixNano(m[fieldNameExpiresAt]); err != nil {
		return nil, fmt.Errorf("expiry: %w", err)
	}
	if raw := m[fieldNameFile]; raw != "" {
		f := &md.FileRef{}
		if err := json.Unmarshal([]byte(raw), f); err != nil {
			return nil, fmt.Errorf("blob reference: %w", err)
		}
		r.File = f
	}
	return r, nil
}

// go-redis writes booleans as "1" and "0"
func parseFlag(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func parseUint(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func parseUnixNano(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}
