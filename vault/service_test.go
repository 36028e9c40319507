package vault

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pe "linkvault.io/vault/errors"
	md "linkvault.io/vault/models"
	st "linkvault.io/vault/stores"
)

const (
	alice = "alice"
	bob   = "bob"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc     *Service
	records *st.MemoryStore
	blobs   *st.LocalFileStore
	root    string
	clk     *clock
}

func setup(t *testing.T) *fixture {
	root := t.TempDir()
	blobs, err := st.NewLocalFileStore(root, "http://dl.example")
	require.NoError(t, err)
	records := st.NewMemoryStore()
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc := New(records, blobs, Config{PublicBaseURL: "http://vault.example/", AccessRetryMax: 3})
	svc.Now = clk.Now
	return &fixture{svc: svc, records: records, blobs: blobs, root: root, clk: clk}
}

func (f *fixture) createText(t *testing.T, c Constraints) string {
	created, e := f.svc.Create(context.Background(), alice, Payload{Text: "top secret"}, c)
	require.Nil(t, e)
	return created.ID
}

func (f *fixture) stored(t *testing.T, id string) *md.Record {
	r, e := f.records.Get(context.Background(), id)
	require.Nil(t, e)
	return r
}

func countFiles(t *testing.T, root string) int {
	n := 0
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return err
	})
	require.NoError(t, err)
	return n
}

func code(e *pe.Err) pe.ErrCode {
	if e == nil {
		return ""
	}
	return e.Code
}

func TestCreate(t *testing.T) {
	past := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	future := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	tcs := []struct {
		name      string
		owner     string
		payload   Payload
		c         Constraints
		code      pe.ErrCode
		expiresIn time.Duration
	}{
		{name: "DefaultExpiry", owner: alice, payload: Payload{Text: "hi"}, expiresIn: 10 * time.Minute},
		{name: "ExpiryMinutes", owner: alice, payload: Payload{Text: "hi"}, c: Constraints{ExpiryMinutes: 5}, expiresIn: 5 * time.Minute},
		{name: "ExplicitExpiry", owner: alice, payload: Payload{Text: "hi"}, c: Constraints{ExpiresAt: &future, ExpiryMinutes: 5}, expiresIn: 24 * time.Hour},
		{name: "PastExpiry", owner: alice, payload: Payload{Text: "hi"}, c: Constraints{ExpiresAt: &past}, code: pe.ErrCodeAPIBadRequest},
		{name: "NegativeMinutes", owner: alice, payload: Payload{Text: "hi"}, c: Constraints{ExpiryMinutes: -1}, code: pe.ErrCodeAPIBadRequest},
		{name: "Anonymous", payload: Payload{Text: "hi"}, code: pe.ErrCodeUnauthorized},
		{name: "NoPayload", owner: alice, code: pe.ErrCodeAPIBadRequest},
		{
			name:    "BothPayloads",
			owner:   alice,
			payload: Payload{Text: "hi", File: &FileUpload{Name: "a.txt", Body: strings.NewReader("a")}},
			code:    pe.ErrCodeAPIBadRequest,
		},
		{name: "PasswordTooLong", owner: alice, payload: Payload{Text: "hi"}, c: Constraints{Password: strings.Repeat("p", 73)}, code: pe.ErrCodeAPIBadRequest},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			f := setup(t)
			created, e := f.svc.Create(context.Background(), c.owner, c.payload, c.c)
			if c.code != "" {
				require.NotNil(t, e)
				assert.Equal(t, c.code, e.Code)
				assert.Zero(t, countFiles(t, f.root))
				return
			}
			require.Nil(t, e)
			assert.Equal(t, md.KindText, created.Kind)
			assert.Equal(t, f.clk.Now().Add(c.expiresIn), created.ExpiresAt)
			assert.Equal(t, "http://vault.example/view/"+created.ID, created.ShareURL)
			r := f.stored(t, created.ID)
			require.NotNil(t, r)
			assert.Equal(t, alice, r.OwnerID)
			assert.Equal(t, "hi", r.Text)
			assert.Equal(t, md.Unconsumed, r.Consumption)
		})
	}
}

func TestCreate_HashesPassword(t *testing.T) {
	f := setup(t)
	id := f.createText(t, Constraints{Password: "abc123"})
	r := f.stored(t, id)
	assert.NotEmpty(t, r.PasswordHash)
	assert.NotEqual(t, "abc123", r.PasswordHash)
}

func TestCreate_RetriesIDCollisions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ids := []string{"dup", "dup", "fresh"}
	var i int32
	f.svc.NewID = func() string { return ids[int(atomic.AddInt32(&i, 1)-1)%len(ids)] }
	created, e := f.svc.Create(ctx, alice, Payload{Text: "first"}, Constraints{})
	require.Nil(t, e)
	assert.Equal(t, "dup", created.ID)

	created, e = f.svc.Create(ctx, alice, Payload{Text: "second"}, Constraints{})
	require.Nil(t, e)
	assert.Equal(t, "fresh", created.ID)

	f.svc.NewID = func() string { return "dup" }
	_, e = f.svc.Create(ctx, alice, Payload{Text: "third"}, Constraints{})
	require.NotNil(t, e)
	assert.Equal(t, pe.ErrCodeServiceFailure, e.Code)
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestFileRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	created, e := f.svc.Create(ctx, alice, Payload{File: &FileUpload{Name: "Holiday Photo.png", Body: bytes.NewReader(pngHeader)}}, Constraints{})
	require.Nil(t, e)
	assert.Equal(t, md.KindFile, created.Kind)
	assert.Equal(t, 1, countFiles(t, f.root))

	content, e := f.svc.GetContent(ctx, created.ID, bob, "")
	require.Nil(t, e)
	assert.Equal(t, "Holiday Photo.png", content.FileName)
	fileURL, err := url.Parse(content.FileURL)
	require.NoError(t, err)
	assert.Equal(t, "http://dl.example/uploads/"+created.ID+"/Holiday%20Photo.png", fileURL.Scheme+"://"+fileURL.Host+fileURL.EscapedPath())
	token := fileURL.Query().Get("token")
	require.NotEmpty(t, token)
	assert.Equal(t, int64(len(pngHeader)), content.FileSize)
	assert.Equal(t, "image/png", content.MediaType)
	assert.Empty(t, content.Text)

	rc, ref, e := f.svc.OpenFile(ctx, created.ID, "Holiday Photo.png", token)
	require.Nil(t, e)
	b, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, pngHeader, b)
	assert.Equal(t, "image/png", ref.MediaType)

	_, _, e = f.svc.OpenFile(ctx, created.ID, "other.png", token)
	assert.Equal(t, pe.ErrCodeForbidden, code(e))

	require.Nil(t, f.svc.Delete(ctx, created.ID, alice))
	assert.Zero(t, countFiles(t, f.root))
	_, e = f.svc.GetInfo(ctx, created.ID, alice)
	assert.Equal(t, pe.ErrCodeNotFound, code(e))
	_, _, e = f.svc.OpenFile(ctx, created.ID, "Holiday Photo.png", token)
	assert.Equal(t, pe.ErrCodeNotFound, code(e))
}

func TestOpenFile_DownloadToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	created, e := f.svc.Create(ctx, alice, Payload{File: &FileUpload{Name: "a.txt", Body: strings.NewReader("abc")}},
		Constraints{Password: "abc123"})
	require.Nil(t, e)
	other := f.createText(t, Constraints{})
	valid, err := f.svc.downloadToken(created.ID, "a.txt")
	require.NoError(t, err)
	forOther, err := f.svc.downloadToken(other, "a.txt")
	require.NoError(t, err)
	foreign := New(f.records, f.blobs, Config{})
	forged, err := foreign.downloadToken(created.ID, "a.txt")
	require.NoError(t, err)

	tcs := []struct {
		name    string
		token   string
		advance time.Duration
		code    pe.ErrCode
	}{
		{name: "Valid", token: valid},
		{name: "Missing", code: pe.ErrCodeForbidden},
		{name: "Garbage", token: "junk", code: pe.ErrCodeForbidden},
		{name: "OtherRecord", token: forOther, code: pe.ErrCodeForbidden},
		{name: "OtherSecret", token: forged, code: pe.ErrCodeForbidden},
		{name: "Expired", token: valid, advance: defaultDownloadTTL + time.Second, code: pe.ErrCodeForbidden},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			f.clk.Advance(c.advance)
			defer f.clk.Advance(-c.advance)
			rc, _, e := f.svc.OpenFile(ctx, created.ID, "a.txt", c.token)
			assert.Equal(t, c.code, code(e))
			if rc != nil {
				rc.Close()
			}
		})
	}

	// the link comes with the content, after the password check
	_, e = f.svc.GetContent(ctx, created.ID, bob, "")
	assert.Equal(t, pe.ErrCodePasswordRequired, code(e))
	content, e := f.svc.GetContent(ctx, created.ID, bob, "abc123")
	require.Nil(t, e)
	fileURL, err := url.Parse(content.FileURL)
	require.NoError(t, err)
	rc, _, e := f.svc.OpenFile(ctx, created.ID, "a.txt", fileURL.Query().Get("token"))
	require.Nil(t, e)
	rc.Close()
}

func TestCreate_Oversized(t *testing.T) {
	f := setup(t)
	f.svc.Cfg.MaxFileSize = 4
	ctx := context.Background()
	_, e := f.svc.Create(ctx, alice, Payload{File: &FileUpload{Name: "big.bin", Body: strings.NewReader("hello world")}}, Constraints{})
	require.NotNil(t, e)
	assert.Equal(t, pe.ErrCodeOversized, e.Code)
	assert.Zero(t, countFiles(t, f.root))
	rs, e := f.svc.ListByOwner(ctx, alice, 0)
	require.Nil(t, e)
	assert.Empty(t, rs)

	// exactly at the limit is fine
	_, e = f.svc.Create(ctx, alice, Payload{File: &FileUpload{Name: "ok.bin", Body: strings.NewReader("four")}}, Constraints{})
	assert.Nil(t, e)
}

type failingRecords struct {
	*st.MemoryStore
	createErr *pe.Err
	updateErr *pe.Err
	updates   int32
}

func (s *failingRecords) Create(ctx context.Context, r *md.Record) *pe.Err {
	if s.createErr != nil {
		return s.createErr
	}
	return s.MemoryStore.Create(ctx, r)
}

func (s *failingRecords) ConditionalUpdate(ctx context.Context, id string, pred st.Predicate, mut st.Mutation) (*md.Record, *pe.Err) {
	atomic.AddInt32(&s.updates, 1)
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return s.MemoryStore.ConditionalUpdate(ctx, id, pred, mut)
}

type failingBlobs struct {
	*st.LocalFileStore
}

func (s *failingBlobs) Delete(context.Context, string) *pe.Err {
	return pe.NewStorageUnavailable("blob store down")
}

func TestCreate_RecordFailureRemovesBlob(t *testing.T) {
	f := setup(t)
	f.svc.Records = &failingRecords{MemoryStore: f.records, createErr: pe.NewStorageUnavailable("db down")}
	_, e := f.svc.Create(context.Background(), alice, Payload{File: &FileUpload{Name: "a.txt", Body: strings.NewReader("abc")}}, Constraints{})
	require.NotNil(t, e)
	assert.Equal(t, pe.ErrCodeStorageUnavailable, e.Code)
	assert.Zero(t, countFiles(t, f.root))
}

func TestCreate_TrailingConstraints(t *testing.T) {
	tcs := []struct {
		name    string
		trailer func() (Constraints, *pe.Err)
		code    pe.ErrCode
	}{
		{
			name: "Applied",
			trailer: func() (Constraints, *pe.Err) {
				return Constraints{Password: "abc123", OneTimeView: true, MaxViews: 2, ExpiryMinutes: 30}, nil
			},
		},
		{
			name:    "Rejected",
			trailer: func() (Constraints, *pe.Err) { return Constraints{}, pe.NewBadInput("unexpected form field title") },
			code:    pe.ErrCodeAPIBadRequest,
		},
		{
			name:    "PastExpiry",
			trailer: func() (Constraints, *pe.Err) { return Constraints{ExpiresAt: &time.Time{}}, nil },
			code:    pe.ErrCodeAPIBadRequest,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			file := &FileUpload{Name: "a.txt", Body: strings.NewReader("abc"), Trailer: c.trailer}
			created, e := f.svc.Create(ctx, alice, Payload{File: file}, Constraints{})
			if c.code != "" {
				assert.Equal(t, c.code, code(e))
				assert.Zero(t, countFiles(t, f.root))
				return
			}
			require.Nil(t, e)
			r := f.stored(t, created.ID)
			assert.NotEmpty(t, r.PasswordHash)
			assert.True(t, r.OneTimeView)
			assert.Equal(t, uint64(2), r.MaxViews)
			assert.Equal(t, f.clk.Now().Add(30*time.Minute), r.ExpiresAt)
			_, e = f.svc.GetContent(ctx, created.ID, bob, "")
			assert.Equal(t, pe.ErrCodePasswordRequired, code(e))
		})
	}
}

// stallingBlobs hangs until the caller gives up
type stallingBlobs struct {
	*st.LocalFileStore
}

func (s *stallingBlobs) Put(ctx context.Context, _, _ string, _ io.Reader) (string, int64, *pe.Err) {
	<-ctx.Done()
	return "", 0, pe.NewStorageUnavailable("blob store timed out").WithCause(ctx.Err())
}

func (s *stallingBlobs) Delete(ctx context.Context, _ string) *pe.Err {
	<-ctx.Done()
	return pe.NewStorageUnavailable("blob store timed out").WithCause(ctx.Err())
}

func TestBlobCallsAreBounded(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	created, e := f.svc.Create(ctx, alice, Payload{File: &FileUpload{Name: "a.txt", Body: strings.NewReader("abc")}}, Constraints{})
	require.Nil(t, e)
	f.svc.Blobs = &stallingBlobs{LocalFileStore: f.blobs}
	f.svc.Cfg.StoreTimeout = 20 * time.Millisecond
	f.svc.Cfg.BlobTimeout = 20 * time.Millisecond

	_, e = f.svc.Create(ctx, alice, Payload{File: &FileUpload{Name: "b.txt", Body: strings.NewReader("abc")}}, Constraints{})
	assert.Equal(t, pe.ErrCodeStorageUnavailable, code(e))
	require.Nil(t, f.svc.Delete(ctx, created.ID, alice))
	assert.Nil(t, f.stored(t, created.ID))
}

func TestConfigDefaults(t *testing.T) {
	c := Config{PublicBaseURL: "http://vault.example/"}.withDefaults()
	assert.Len(t, c.DownloadSecret, downloadSecretLen)
	c.DownloadSecret = nil
	assert.Equal(t, Config{
		DefaultExpiry:  defaultExpiry,
		PublicBaseURL:  "http://vault.example",
		StoreTimeout:   defaultStoreTimeout,
		BlobTimeout:    defaultBlobTimeout,
		AccessRetryMax: defaultAccessRetryMax,
		IDAttempts:     defaultIDAttempts,
		MaxFileSize:    defaultMaxFileSize,
		DownloadTTL:    defaultDownloadTTL,
	}, c)
}

func TestGetContent_ConcurrentSingleView(t *testing.T) {
	f := setup(t)
	id := f.createText(t, Constraints{MaxViews: 1})

	const accessors = 32
	var wg sync.WaitGroup
	var granted, capped int32
	start := make(chan struct{})
	for i := 0; i < accessors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, e := f.svc.GetContent(context.Background(), id, bob, "")
			switch code(e) {
			case "":
				atomic.AddInt32(&granted, 1)
			case pe.ErrCodeMaxViewsReached:
				atomic.AddInt32(&capped, 1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), granted)
	assert.Equal(t, int32(accessors-1), capped)
	assert.Equal(t, uint64(1), f.stored(t, id).ViewCount)
}

func TestGetContent_OneTimeAllowances(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.createText(t, Constraints{OneTimeView: true})

	steps := []struct {
		name      string
		requester string
		code      pe.ErrCode
	}{
		{name: "OwnerPreview", requester: alice},
		{name: "OwnerPreviewAgain", requester: alice, code: pe.ErrCodeOneTimeExhausted},
		{name: "Recipient", requester: bob},
		{name: "SecondRecipient", requester: "carol", code: pe.ErrCodeOneTimeExhausted},
		{name: "AnonymousRecipient", code: pe.ErrCodeOneTimeExhausted},
	}
	for _, s := range steps {
		_, e := f.svc.GetContent(ctx, id, s.requester, "")
		assert.Equal(t, s.code, code(e), s.name)
	}
	r := f.stored(t, id)
	assert.Equal(t, md.BothConsumed, r.Consumption)
	assert.Equal(t, uint64(2), r.ViewCount)

	_, e := f.svc.GetInfo(ctx, id, bob)
	assert.Equal(t, pe.ErrCodeOneTimeExhausted, code(e))
}

func TestGetContent_Password(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.createText(t, Constraints{Password: "abc123"})

	info, e := f.svc.GetInfo(ctx, id, "")
	require.Nil(t, e)
	assert.True(t, info.RequiresPassword)
	assert.False(t, info.IsOwner)

	_, e = f.svc.GetContent(ctx, id, "", "")
	assert.Equal(t, pe.ErrCodePasswordRequired, code(e))
	_, e = f.svc.GetContent(ctx, id, "", "wrong")
	assert.Equal(t, pe.ErrCodePasswordIncorrect, code(e))
	assert.Zero(t, f.stored(t, id).ViewCount, "denials must not count as views")

	content, e := f.svc.GetContent(ctx, id, "", "abc123")
	require.Nil(t, e)
	assert.Equal(t, "top secret", content.Text)
	assert.Equal(t, uint64(1), content.ViewCount)
}

func TestGetContent_MaxViews(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.createText(t, Constraints{MaxViews: 2})

	for i := uint64(1); i <= 2; i++ {
		content, e := f.svc.GetContent(ctx, id, bob, "")
		require.Nil(t, e)
		assert.Equal(t, i, content.ViewCount)
		require.NotNil(t, content.MaxViews)
		assert.Equal(t, uint64(2), *content.MaxViews)
	}
	_, e := f.svc.GetContent(ctx, id, bob, "")
	assert.Equal(t, pe.ErrCodeMaxViewsReached, code(e))
	_, e = f.svc.GetInfo(ctx, id, bob)
	assert.Equal(t, pe.ErrCodeMaxViewsReached, code(e))
	assert.Equal(t, uint64(2), f.stored(t, id).ViewCount)
}

func TestGetContent_ExpiredIsDeletedLazily(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	expiresAt := f.clk.Now().Add(time.Millisecond)
	created, e := f.svc.Create(ctx, alice, Payload{File: &FileUpload{Name: "a.txt", Body: strings.NewReader("abc")}}, Constraints{ExpiresAt: &expiresAt})
	require.Nil(t, e)

	f.clk.Advance(2 * time.Millisecond)
	_, e = f.svc.GetContent(ctx, created.ID, alice, "")
	assert.Equal(t, pe.ErrCodeExpired, code(e))
	assert.Nil(t, f.stored(t, created.ID))
	assert.Zero(t, countFiles(t, f.root))

	_, e = f.svc.GetInfo(ctx, created.ID, alice)
	assert.Equal(t, pe.ErrCodeNotFound, code(e))
}

func TestGetInfo(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.createText(t, Constraints{OneTimeView: true})

	info, e := f.svc.GetInfo(ctx, id, alice)
	require.Nil(t, e)
	assert.Equal(t, &md.Info{
		Kind:        md.KindText,
		ExpiresAt:   f.clk.Now().Add(defaultExpiry),
		OneTimeView: true,
		IsOwner:     true,
	}, info)
	assert.Zero(t, f.stored(t, id).ViewCount)

	f.clk.Advance(defaultExpiry + time.Second)
	_, e = f.svc.GetInfo(ctx, id, alice)
	assert.Equal(t, pe.ErrCodeExpired, code(e))
	assert.Nil(t, f.stored(t, id))

	_, e = f.svc.GetInfo(ctx, "nope", alice)
	assert.Equal(t, pe.ErrCodeNotFound, code(e))
}

func TestGetContent_GivesUpOnPersistentConflicts(t *testing.T) {
	f := setup(t)
	f.svc.Cfg.AccessRetryMax = 2
	id := f.createText(t, Constraints{})
	records := &failingRecords{MemoryStore: f.records, updateErr: pe.NewPreconditionFailed("lost race")}
	f.svc.Records = records

	_, e := f.svc.GetContent(context.Background(), id, bob, "")
	assert.Equal(t, pe.ErrCodePreconditionFailed, code(e))
	assert.Equal(t, int32(3), atomic.LoadInt32(&records.updates))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	tcs := []struct {
		name      string
		id        string
		requester string
		code      pe.ErrCode
	}{
		{name: "Owner", requester: alice},
		{name: "NonOwner", requester: bob, code: pe.ErrCodeForbidden},
		{name: "Anonymous", code: pe.ErrCodeUnauthorized},
		{name: "Unknown", id: "nope", requester: alice, code: pe.ErrCodeNotFound},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			f := setup(t)
			id := f.createText(t, Constraints{})
			if c.id != "" {
				id = c.id
			}
			e := f.svc.Delete(ctx, id, c.requester)
			assert.Equal(t, c.code, code(e))
			if c.code == "" {
				assert.Nil(t, f.stored(t, id))
			}
		})
	}
}

func TestDelete_BlobFailureDoesNotBlock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	created, e := f.svc.Create(ctx, alice, Payload{File: &FileUpload{Name: "a.txt", Body: strings.NewReader("abc")}}, Constraints{})
	require.Nil(t, e)
	f.svc.Blobs = &failingBlobs{LocalFileStore: f.blobs}

	require.Nil(t, f.svc.Delete(ctx, created.ID, alice))
	assert.Nil(t, f.stored(t, created.ID))
}

func TestListByOwner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	oneTime := f.createText(t, Constraints{OneTimeView: true})
	f.clk.Advance(time.Second)
	capped := f.createText(t, Constraints{MaxViews: 3, ExpiryMinutes: 60})
	f.clk.Advance(time.Second)
	latest := f.createText(t, Constraints{ExpiryMinutes: 60})
	_, e := f.svc.Create(ctx, bob, Payload{Text: "not alice's"}, Constraints{})
	require.Nil(t, e)

	_, e = f.svc.GetContent(ctx, oneTime, bob, "")
	require.Nil(t, e)
	f.clk.Advance(defaultExpiry)

	all, e := f.svc.ListByOwner(ctx, alice, 0)
	require.Nil(t, e)
	require.Len(t, all, 3)
	assert.Equal(t, []string{latest, capped, oneTime}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.True(t, all[2].IsExpired)
	assert.True(t, all[2].HasBeenViewed)
	assert.Equal(t, uint64(1), all[2].ViewCount)
	assert.Nil(t, all[2].MaxViews)
	assert.False(t, all[1].IsExpired)
	assert.False(t, all[1].HasBeenViewed)
	require.NotNil(t, all[1].MaxViews)
	assert.Equal(t, uint64(3), *all[1].MaxViews)
	assert.Equal(t, "http://vault.example/view/"+latest, all[0].ShareURL)

	recent, e := f.svc.Recent(ctx, alice)
	require.Nil(t, e)
	require.Len(t, recent, 2)
	assert.Equal(t, latest, recent[0].ID)
	assert.Equal(t, capped, recent[1].ID)

	_, e = f.svc.ListByOwner(ctx, "", 0)
	assert.Equal(t, pe.ErrCodeUnauthorized, code(e))
	_, e = f.svc.ListByOwner(ctx, alice, -1)
	assert.Equal(t, pe.ErrCodeAPIBadRequest, code(e))
}

func TestMediaType(t *testing.T) {
	tcs := []struct {
		name     string
		head     []byte
		fileName string
		expected string
	}{
		{name: "Sniffed", head: pngHeader, fileName: "photo.bin", expected: "image/png"},
		{name: "ByExtension", head: []byte("plain words"), fileName: "doc.pdf", expected: "application/pdf"},
		{name: "Unknown", head: []byte("plain words"), fileName: "blob.zzq", expected: fallbackMediaType},
		{name: "Empty", fileName: "noext", expected: fallbackMediaType},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, mediaType(c.head, c.fileName))
		})
	}
}
