// Package reaper vends the background task deleting expired records and their blobs.
package reaper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
	log "github.com/sirupsen/logrus"
	"linkvault.io/vault/common/logging"
	cst "linkvault.io/vault/constants"
	pe "linkvault.io/vault/errors"
	"linkvault.io/vault/metrics"
	md "linkvault.io/vault/models"
	st "linkvault.io/vault/stores"
)

type Config struct {
	Interval time.Duration
	// MaxLoad caps the records handled per sweep; 0 means no cap
	MaxLoad  int
	PoolSize int
	// CacheSize and WIPExpiry size the cache of record ids with deletion in flight
	CacheSize    int
	WIPExpiry    time.Duration
	StoreTimeout time.Duration
}

const (
	defaultInterval     = 5 * time.Minute
	defaultPoolSize     = 8
	defaultCacheSize    = 1024
	defaultWIPExpiry    = time.Minute
	defaultStoreTimeout = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.WIPExpiry <= 0 {
		c.WIPExpiry = defaultWIPExpiry
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.MaxLoad < 0 {
		c.MaxLoad = 0
	}
	return c
}

// Reaper periodically deletes expired records. It races harmlessly with lazy deletion on reads since all
// deletions are idempotent.
type Reaper struct {
	Records st.RecordStore
	Blobs   st.BlobStore
	Cfg     Config
	Now     func() time.Time
	// record ids being deleted, so overlapping sweeps skip them
	wip gcache.Cache
}

func New(records st.RecordStore, blobs st.BlobStore, cfg Config) *Reaper {
	cfg = cfg.withDefaults()
	return &Reaper{
		Records: records,
		Blobs:   blobs,
		Cfg:     cfg,
		Now:     time.Now,
		wip:     gcache.New(cfg.CacheSize).LRU().Build(),
	}
}

// Stats summarizes a sweep.
type Stats struct {
	Loaded       int
	Reaped       int
	Failed       int
	BlobFailures int
}

// Run sweeps every Cfg.Interval until ctx is done. A failed sweep is logged and retried on the next tick.
func (r *Reaper) Run(ctx context.Context) {
	clog := logging.WithFuncName()
	tkr := time.NewTicker(r.Cfg.Interval)
	defer tkr.Stop()
	clog.WithField("interval", r.Cfg.Interval).Info("reaper started")
	for {
		select {
		case <-tkr.C:
			stats, e := r.Sweep(ctx)
			if e != nil {
				clog.WithError(e).Error("error sweeping expired records")
				continue
			}
			clog.WithFields(log.Fields{
				"loaded": stats.Loaded, "reaped": stats.Reaped, "failed": stats.Failed,
			}).Debug("sweep done")
		case <-ctx.Done():
			clog.Info("reaper stopping")
			return
		}
	}
}

// Sweep deletes the records which expired by now, up to Cfg.MaxLoad of them, and waits for the deletions
// to finish.
func (r *Reaper) Sweep(ctx context.Context) (Stats, *pe.Err) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()
	jks, e := r.load(ctx)
	if e != nil {
		return Stats{}, e
	}
	var reaped, failed, blobFailures int64
	quotas := make(chan struct{}, r.Cfg.PoolSize)
	var wg sync.WaitGroup
	for _, jk := range jks {
		wg.Add(1)
		go func(jk *md.Junk) {
			defer wg.Done()
			quotas <- struct{}{}
			defer func() { <-quotas }()
			blobOK, e := r.delete(ctx, jk)
			if !blobOK {
				atomic.AddInt64(&blobFailures, 1)
			}
			if e != nil {
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&reaped, 1)
		}(jk)
	}
	wg.Wait()
	return Stats{
		Loaded:       len(jks),
		Reaped:       int(reaped),
		Failed:       int(failed),
		BlobFailures: int(blobFailures),
	}, nil
}

// load loads expired records which are not being deleted already
func (r *Reaper) load(ctx context.Context) ([]*md.Junk, *pe.Err) {
	clog := logging.WithFuncName()
	tctx, cancel := context.WithTimeout(ctx, r.Cfg.StoreTimeout)
	defer cancel()
	jks, e := r.Records.Junk(tctx, r.Now(), r.Cfg.MaxLoad)
	if e != nil {
		clog.WithError(e).Error("error loading expired records")
		return nil, e
	}
	fresh := make([]*md.Junk, 0, len(jks))
	for _, jk := range jks {
		_, err := r.wip.Get(jk.RecordID)
		if err == nil {
			continue
		}
		if err != gcache.KeyNotFoundError {
			const errMsg = "error looking up record id in local cache"
			clog.WithError(err).Error(errMsg)
			return nil, pe.NewServiceFailure(errMsg).WithCause(err)
		}
		// best effort: an id we fail to cache may be loaded again by an overlapping sweep
		if err := r.wip.SetWithExpire(jk.RecordID, struct{}{}, r.Cfg.WIPExpiry); err != nil {
			clog.WithError(err).WithField(cst.LogFieldRecordID, jk.RecordID).Warn("error caching record id")
		}
		fresh = append(fresh, jk)
	}
	clog.WithField("count", len(fresh)).Debug("expired records loaded")
	return fresh, nil
}

// delete removes the blob of jk, if any, then the record. The record is deleted even if the blob could
// not be; blobOK tells whether the blob went away.
func (r *Reaper) delete(ctx context.Context, jk *md.Junk) (blobOK bool, e *pe.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldRecordID, jk.RecordID)
	blobOK = true
	if jk.BlobAddress != "" {
		bctx, cancel := context.WithTimeout(ctx, r.Cfg.StoreTimeout)
		e := r.Blobs.Delete(bctx, jk.BlobAddress)
		cancel()
		if e != nil {
			blobOK = false
			metrics.BlobDeleteFailures.Inc()
			clog.WithError(e).WithField(cst.LogFieldBlobAddress, jk.BlobAddress).Error("error deleting blob, moving on")
		}
	}
	tctx, cancel := context.WithTimeout(ctx, r.Cfg.StoreTimeout)
	defer cancel()
	if e := r.Records.Delete(tctx, jk.RecordID); e != nil {
		clog.WithError(e).Error("error deleting expired record")
		return blobOK, e
	}
	metrics.RecordsDeleted.WithLabelValues(metrics.DeletePathReaper).Inc()
	r.wip.Remove(jk.RecordID)
	clog.Debug("expired record reaped")
	return blobOK, nil
}
