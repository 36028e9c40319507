// Package identity tells who is behind a request. It only verifies credentials; issuing them is the job of
// the account service.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/sessions"
)

// Anonymous is the requester id of requests carrying no credentials.
const Anonymous = ""

// Provider identifies the requester of a request.
type Provider interface {
	// Identify returns the requester id carried by r, or Anonymous if r carries no credentials. A non-nil
	// error means r carried credentials which failed verification.
	Identify(r *http.Request) (string, error)
}

// Claims is the payload of bearer tokens issued by the account service.
type Claims struct {
	UserID string `json:"userId"`
	jwt.StandardClaims
}

// BearerProvider identifies requesters by HS256-signed bearer tokens in the Authorization header.
type BearerProvider struct {
	Secret []byte
}

func (p *BearerProvider) Identify(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return Anonymous, nil
	}
	raw := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	if raw == "" {
		return Anonymous, nil
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.Secret, nil
	}); err != nil {
		return Anonymous, fmt.Errorf("invalid bearer token: %w", err)
	}
	if claims.UserID == "" {
		return Anonymous, fmt.Errorf("bearer token carries no user id")
	}
	return claims.UserID, nil
}

// Sign issues a token for userID valid for ttl. Only meant for tooling and tests.
func (p *BearerProvider) Sign(userID string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: time.Now().Add(ttl).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.Secret)
}

const sessionKeyUserID = "userId"

// SessionProvider identifies requesters by a gorilla session cookie.
type SessionProvider struct {
	Store sessions.Store
	Name  string
}

// NewSessionProvider returns a SessionProvider backed by a signed cookie store.
func NewSessionProvider(key []byte, name string) *SessionProvider {
	cs := sessions.NewCookieStore(key)
	cs.Options.HttpOnly = true
	cs.Options.SameSite = http.SameSiteLaxMode
	return &SessionProvider{Store: cs, Name: name}
}

func (p *SessionProvider) Identify(r *http.Request) (string, error) {
	if _, err := r.Cookie(p.Name); err != nil {
		return Anonymous, nil
	}
	sess, err := p.Store.Get(r, p.Name)
	if err != nil {
		return Anonymous, fmt.Errorf("invalid session: %w", err)
	}
	uid, _ := sess.Values[sessionKeyUserID].(string)
	return uid, nil
}

// Login records userID in the session of r.
func (p *SessionProvider) Login(w http.ResponseWriter, r *http.Request, userID string) error {
	sess, err := p.Store.Get(r, p.Name)
	if err != nil {
		return err
	}
	sess.Values[sessionKeyUserID] = userID
	return sess.Save(r, w)
}

// Chain asks each provider in turn and returns the first non-anonymous requester id.
type Chain []Provider

func (c Chain) Identify(r *http.Request) (string, error) {
	for _, p := range c {
		id, err := p.Identify(r)
		if err != nil {
			return Anonymous, err
		}
		if id != Anonymous {
			return id, nil
		}
	}
	return Anonymous, nil
}

type ctxKey struct{}

// WithRequester returns a copy of ctx carrying the requester id.
func WithRequester(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequesterFrom returns the requester id carried by ctx, or Anonymous.
func RequesterFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
