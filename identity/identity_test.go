package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerProvider_Identify(t *testing.T) {
	p := &BearerProvider{Secret: []byte("fake-secret")}
	good, err := p.Sign("alice", time.Hour)
	require.NoError(t, err)
	expired, err := p.Sign("alice", -time.Hour)
	require.NoError(t, err)
	forged, err := (&BearerProvider{Secret: []byte("other-secret")}).Sign("mallory", time.Hour)
	require.NoError(t, err)

	tcs := []struct {
		name     string
		header   string
		expected string
		failed   bool
	}{
		{name: "Anonymous", header: "", expected: Anonymous},
		{name: "NotBearer", header: "Basic Zm9vOmJhcg==", expected: Anonymous},
		{name: "EmptyBearer", header: "Bearer ", expected: Anonymous},
		{name: "HappyCase", header: "Bearer " + good, expected: "alice"},
		{name: "Expired", header: "Bearer " + expired, failed: true},
		{name: "Forged", header: "Bearer " + forged, failed: true},
		{name: "Junk", header: "Bearer junk", failed: true},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/fake", nil)
			if c.header != "" {
				r.Header.Set("Authorization", c.header)
			}
			id, err := p.Identify(r)
			if c.failed {
				assert.Error(t, err)
				assert.Equal(t, Anonymous, id)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, c.expected, id)
		})
	}
}

func TestSessionProvider_Identify(t *testing.T) {
	p := NewSessionProvider([]byte("0123456789abcdef0123456789abcdef"), "lv-session")

	// log in to obtain a session cookie
	wrec, r := httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/login", nil)
	require.NoError(t, p.Login(wrec, r, "bob"))
	cookies := wrec.Result().Cookies()
	require.NotEmpty(t, cookies)

	r = httptest.NewRequest(http.MethodGet, "/fake", nil)
	for _, ck := range cookies {
		r.AddCookie(ck)
	}
	id, err := p.Identify(r)
	assert.NoError(t, err)
	assert.Equal(t, "bob", id)

	// no cookie at all
	id, err = p.Identify(httptest.NewRequest(http.MethodGet, "/fake", nil))
	assert.NoError(t, err)
	assert.Equal(t, Anonymous, id)

	// tampered cookie
	r = httptest.NewRequest(http.MethodGet, "/fake", nil)
	r.AddCookie(&http.Cookie{Name: "lv-session", Value: "tampered"})
	_, err = p.Identify(r)
	assert.Error(t, err)
}

func TestChain_Identify(t *testing.T) {
	bearer := &BearerProvider{Secret: []byte("fake-secret")}
	sess := NewSessionProvider([]byte("0123456789abcdef0123456789abcdef"), "lv-session")
	chain := Chain{bearer, sess}

	wrec, r := httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/login", nil)
	require.NoError(t, sess.Login(wrec, r, "carol"))

	r = httptest.NewRequest(http.MethodGet, "/fake", nil)
	for _, ck := range wrec.Result().Cookies() {
		r.AddCookie(ck)
	}
	id, err := chain.Identify(r)
	assert.NoError(t, err)
	assert.Equal(t, "carol", id, "session should be consulted when no bearer token is present")

	tok, err := bearer.Sign("dave", time.Hour)
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer "+tok)
	id, err = chain.Identify(r)
	assert.NoError(t, err)
	assert.Equal(t, "dave", id, "bearer token takes precedence")
}

func TestRequesterContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Anonymous, RequesterFrom(ctx))
	assert.Equal(t, "erin", RequesterFrom(WithRequester(ctx, "erin")))
}
