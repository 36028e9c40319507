package stores

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pe "linkvault.io/vault/errors"
)

// fakeS3 serves path-style object requests for a single bucket from memory.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := "/" + f.bucket
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.Error(w, "unknown bucket", http.StatusNotFound)
		return
	}
	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		b, _ := ioutil.ReadAll(r.Body)
		f.objects[key] = b
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		b, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		_, _ = w.Write(b)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	}
}

func setupS3(t *testing.T) (*S3Store, *fakeS3) {
	fake := &fakeS3{bucket: "vault", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	s, err := NewS3Store(context.Background(), &S3Config{
		Bucket:          "vault",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Endpoint:        srv.URL,
		UsePathStyle:    true,
		DownloadBaseURL: "http://dl.example/",
	})
	require.NoError(t, err)
	return s, fake
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), &S3Config{})
	assert.Error(t, err)
}

func TestS3Store_RoundTrip(t *testing.T) {
	s, fake := setupS3(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	address, size, e := s.Put(ctx, "alice/abc", "My Notes.txt", strings.NewReader("file bytes"))
	require.Nil(t, e)
	assert.Equal(t, BlobAddress("alice/abc", "My Notes.txt"), address)
	assert.Equal(t, int64(len("file bytes")), size)
	assert.Contains(t, fake.objects, address)

	rc, e := s.Get(ctx, address)
	require.Nil(t, e)
	b, err := ioutil.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "file bytes", string(b))

	require.Nil(t, s.Delete(ctx, address))
	require.Nil(t, s.Delete(ctx, address))
	_, e = s.Get(ctx, address)
	assert.True(t, pe.Is(e, pe.ErrCodeNotFound))

	assert.Equal(t, "http://dl.example/uploads/abc/notes.txt", s.PublicURL("abc", "notes.txt"))
}
