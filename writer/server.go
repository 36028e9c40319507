package main

import (
	"context"
	"net/http"
	"time"

	hr "github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"linkvault.io/vault/common/logging"
	mw "linkvault.io/vault/common/middleware"
	cst "linkvault.io/vault/constants"
	pe "linkvault.io/vault/errors"
	"linkvault.io/vault/identity"
	md "linkvault.io/vault/models"
	"linkvault.io/vault/vault"
)

// Vault is the slice of the vault service the writer drives.
type Vault interface {
	Create(ctx context.Context, ownerID string, p vault.Payload, c vault.Constraints) (*md.Created, *pe.Err)
	Delete(ctx context.Context, id, requesterID string) *pe.Err
}

// writer handles write traffic of the vault. Multiple writers form the service component to handle the
// application's write operations
type writer struct {
	R        *hr.Router
	Vault    Vault
	Identity identity.Provider
	Trap     string
	MaxBody  int64
}

func (wrt *writer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wrt.R.ServeHTTP(w, r)
}

func (wrt *writer) SetupRoutes() {
	r := hr.New()
	common := []mw.Middleware{mw.Identify(wrt.Identity), mw.PanicRecoverer()}
	r.POST("/api/upload", mw.Chain(wrt.HandleUpload, append([]mw.Middleware{mw.BodyLimiter(wrt.MaxBody)}, common...)...))
	r.DELETE("/api/content/:id", mw.Chain(wrt.HandleDelete, common...))
	r.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	wrt.R = r
}

func (wrt *writer) HandleUpload(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	clog := logging.WithFuncName()
	owner := identity.RequesterFrom(r.Context())
	if owner == identity.Anonymous {
		mw.WriteErr(w, pe.NewUnauthorized("login required to upload content"))
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		clog.WithError(err).Error("error getting multiform reader")
		mw.WriteErr(w, pe.NewBadInput("error reading form data").WithCause(err))
		return
	}
	u, e := parseUpload(reader, wrt.Trap)
	if e != nil {
		if e.Code == pe.ErrCodeSpam {
			clog.WithField("remoteAddr", r.RemoteAddr).Warning("spam attempt detected. Rejecting request")
		}
		clog.WithError(e).Error("error parsing upload form")
		mw.WriteErr(w, e)
		return
	}
	created, e := wrt.Vault.Create(r.Context(), owner, u.Payload, u.Constraints)
	if e != nil {
		clog.WithError(e).WithField(cst.LogFieldOwnerID, owner).Error("error creating content")
		mw.WriteErr(w, e)
		return
	}
	mw.WriteJSON(w, http.StatusCreated, created)
}

func (wrt *writer) HandleDelete(w http.ResponseWriter, r *http.Request, p hr.Params) {
	id := p.ByName("id")
	if e := wrt.Vault.Delete(r.Context(), id, identity.RequesterFrom(r.Context())); e != nil {
		logging.WithFuncName().WithError(e).WithField(cst.LogFieldRecordID, id).Warn("error deleting content")
		mw.WriteErr(w, e)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: h,
		// uploads stream through the handler, so reads get more time than writes
		ReadTimeout:    2 * time.Minute,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 13,
	}
}

func shutdown(s *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.WithError(err).Error("error shutting down writer")
	}
}
