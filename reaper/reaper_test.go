package reaper

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pe "linkvault.io/vault/errors"
	md "linkvault.io/vault/models"
	st "linkvault.io/vault/stores"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, records st.RecordStore, blobs st.BlobStore, id string, ttl time.Duration, withBlob bool) *md.Record {
	ctx := context.Background()
	createdAt := now.Add(-time.Hour)
	r := &md.Record{
		ID:        id,
		OwnerID:   "alice",
		Kind:      md.KindText,
		Text:      "hello",
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(ttl),
	}
	if withBlob {
		address, n, e := blobs.Put(ctx, "alice/"+id, "notes.txt", strings.NewReader("hello"))
		require.Nil(t, e)
		r.Kind, r.Text = md.KindFile, ""
		r.File = &md.FileRef{Address: address, Name: "notes.txt", Size: n, MediaType: "text/plain"}
	}
	require.Nil(t, records.Create(ctx, r))
	return r
}

func setup(t *testing.T, cfg Config) (*Reaper, *st.MemoryStore, *st.LocalFileStore) {
	records := st.NewMemoryStore()
	blobs, err := st.NewLocalFileStore(t.TempDir(), "")
	require.NoError(t, err)
	r := New(records, blobs, cfg)
	r.Now = func() time.Time { return now }
	return r, records, blobs
}

func exists(t *testing.T, records st.RecordStore, id string) bool {
	r, e := records.Get(context.Background(), id)
	require.Nil(t, e)
	return r != nil
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	rp, records, blobs := setup(t, Config{})
	seed(t, records, blobs, "expiredText", 30*time.Minute, false)
	file := seed(t, records, blobs, "expiredFile", 59*time.Minute, true)
	seed(t, records, blobs, "live", 2*time.Hour, true)

	stats, e := rp.Sweep(ctx)
	require.Nil(t, e)
	assert.Equal(t, Stats{Loaded: 2, Reaped: 2}, stats)
	assert.False(t, exists(t, records, "expiredText"))
	assert.False(t, exists(t, records, "expiredFile"))
	assert.True(t, exists(t, records, "live"))
	_, e = blobs.Get(ctx, file.File.Address)
	require.NotNil(t, e)
	assert.Equal(t, pe.ErrCodeNotFound, e.Code)

	// nothing left to do
	stats, e = rp.Sweep(ctx)
	require.Nil(t, e)
	assert.Equal(t, Stats{}, stats)
}

func TestSweep_MaxLoad(t *testing.T) {
	ctx := context.Background()
	rp, records, blobs := setup(t, Config{MaxLoad: 2, PoolSize: 1})
	for _, id := range []string{"a", "b", "c"} {
		seed(t, records, blobs, id, time.Minute, false)
	}
	stats, e := rp.Sweep(ctx)
	require.Nil(t, e)
	assert.Equal(t, 2, stats.Reaped)
	stats, e = rp.Sweep(ctx)
	require.Nil(t, e)
	assert.Equal(t, 1, stats.Reaped)
}

type failingBlobs struct {
	*st.LocalFileStore
}

func (b *failingBlobs) Delete(context.Context, string) *pe.Err {
	return pe.NewStorageUnavailable("blob store down")
}

// stallingBlobs never completes a deletion before the caller gives up
type stallingBlobs struct {
	*st.LocalFileStore
}

func (b *stallingBlobs) Delete(ctx context.Context, _ string) *pe.Err {
	<-ctx.Done()
	return pe.NewStorageUnavailable("blob store timed out").WithCause(ctx.Err())
}

func TestSweep_StalledBlobStore(t *testing.T) {
	rp, records, blobs := setup(t, Config{StoreTimeout: 20 * time.Millisecond})
	seed(t, records, blobs, "expiredFile", time.Minute, true)
	rp.Blobs = &stallingBlobs{LocalFileStore: blobs}

	stats, e := rp.Sweep(context.Background())
	require.Nil(t, e)
	assert.Equal(t, Stats{Loaded: 1, Reaped: 1, BlobFailures: 1}, stats)
	assert.False(t, exists(t, records, "expiredFile"))
}

func TestSweep_BlobFailureDoesNotBlock(t *testing.T) {
	rp, records, blobs := setup(t, Config{})
	seed(t, records, blobs, "expiredFile", time.Minute, true)
	rp.Blobs = &failingBlobs{LocalFileStore: blobs}

	stats, e := rp.Sweep(context.Background())
	require.Nil(t, e)
	assert.Equal(t, Stats{Loaded: 1, Reaped: 1, BlobFailures: 1}, stats)
	assert.False(t, exists(t, records, "expiredFile"))
}

// staleJunk reports records which someone else deleted in the meantime
type staleJunk struct {
	*st.MemoryStore
}

func (s *staleJunk) Junk(context.Context, time.Time, int) ([]*md.Junk, *pe.Err) {
	return []*md.Junk{{RecordID: "gone", BlobAddress: "alice/gone/notes.txt"}}, nil
}

func TestSweep_AlreadyDeleted(t *testing.T) {
	rp, records, _ := setup(t, Config{})
	rp.Records = &staleJunk{MemoryStore: records}
	stats, e := rp.Sweep(context.Background())
	require.Nil(t, e)
	assert.Equal(t, Stats{Loaded: 1, Reaped: 1}, stats)
}

type failingJunk struct {
	*st.MemoryStore
}

func (s *failingJunk) Junk(context.Context, time.Time, int) ([]*md.Junk, *pe.Err) {
	return nil, pe.NewStorageUnavailable("db down")
}

func TestSweep_LoadFailure(t *testing.T) {
	rp, records, _ := setup(t, Config{})
	rp.Records = &failingJunk{MemoryStore: records}
	_, e := rp.Sweep(context.Background())
	require.NotNil(t, e)
	assert.Equal(t, pe.ErrCodeStorageUnavailable, e.Code)
}

func TestSweep_SkipsInFlight(t *testing.T) {
	rp, records, blobs := setup(t, Config{})
	seed(t, records, blobs, "busy", time.Minute, false)
	seed(t, records, blobs, "idle", time.Minute, false)
	require.NoError(t, rp.wip.SetWithExpire("busy", struct{}{}, time.Minute))

	stats, e := rp.Sweep(context.Background())
	require.Nil(t, e)
	assert.Equal(t, Stats{Loaded: 1, Reaped: 1}, stats)
	assert.True(t, exists(t, records, "busy"))
	assert.False(t, exists(t, records, "idle"))
}

type countingJunk struct {
	*st.MemoryStore
	loads int32
}

func (s *countingJunk) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *pe.Err) {
	atomic.AddInt32(&s.loads, 1)
	return s.MemoryStore.Junk(ctx, now, max)
}

func TestRun(t *testing.T) {
	rp, records, blobs := setup(t, Config{Interval: 10 * time.Millisecond})
	counting := &countingJunk{MemoryStore: records}
	rp.Records = counting
	seed(t, records, blobs, "expired", time.Minute, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rp.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return !exists(t, records, "expired") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on cancellation")
	}
	assert.Positive(t, atomic.LoadInt32(&counting.loads))
}
