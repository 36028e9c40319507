package main

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	"linkvault.io/vault/common/logging"
	mw "linkvault.io/vault/common/middleware"
	cst "linkvault.io/vault/constants"
	pe "linkvault.io/vault/errors"
	"linkvault.io/vault/identity"
	md "linkvault.io/vault/models"
)

// Vault is the slice of the vault service the reader drives.
type Vault interface {
	GetInfo(ctx context.Context, id, requesterID string) (*md.Info, *pe.Err)
	GetContent(ctx context.Context, id, requesterID, password string) (*md.Content, *pe.Err)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*md.Summary, *pe.Err)
	Recent(ctx context.Context, ownerID string) ([]*md.Summary, *pe.Err)
	OpenFile(ctx context.Context, id, name, token string) (io.ReadCloser, *md.FileRef, *pe.Err)
}

// reader handles read traffic of the vault. Multiple readers form the service component to handle the
// application's read operations
type reader struct {
	Router   *gin.Engine
	Vault    Vault
	Identity identity.Provider
}

func (r *reader) SetupRoutes() {
	rt := gin.New()
	rt.Use(gin.Recovery(), requestLogger())

	rt.GET("/api/health", r.HandleHealth)
	rt.GET("/metrics", gin.WrapH(promhttp.Handler()))
	// owner listings need valid credentials
	owner := rt.Group("/api/content", r.identify(true))
	owner.GET("/recent", r.HandleRecent)
	owner.GET("/history", r.HandleHistory)
	// shared links stay readable with stale credentials, by an anonymous requester
	public := rt.Group("", r.identify(false))
	public.GET("/api/content/:id/info", r.HandleInfo)
	public.GET("/api/content/:id", r.HandleContent)
	public.GET("/uploads/:id/:name", r.HandleDownload)
	r.Router = rt
}

// identify attaches the requester to the request. Bad credentials are rejected when strict, and
// otherwise leave the requester anonymous.
func (r *reader) identify(strict bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := r.Identity.Identify(c.Request)
		if err != nil {
			clog := log.WithError(err).WithField("remoteAddr", c.ClientIP())
			if strict {
				clog.Warn("rejecting request with bad credentials")
				abort(c, pe.NewUnauthorized("invalid credentials").WithCause(err))
				return
			}
			clog.Debug("bad credentials, serving request as anonymous")
			id = identity.Anonymous
		}
		c.Request = c.Request.WithContext(identity.WithRequester(c.Request.Context(), id))
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latencyMs": time.Since(start).Milliseconds(),
		}).Debug("request served")
	}
}

func abort(c *gin.Context, e *pe.Err) {
	c.AbortWithStatusJSON(e.StatusCode(), mw.ErrBody{Code: e.Code, Message: e.Error()})
}

// recordID aborts with NotFound unless the id parses as a ksuid.
func recordID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := ksuid.Parse(id); err != nil {
		abort(c, pe.NewNotFound("content not found"))
		return "", false
	}
	return id, true
}

func requester(c *gin.Context) string {
	return identity.RequesterFrom(c.Request.Context())
}

func (r *reader) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *reader) HandleInfo(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	info, e := r.Vault.GetInfo(c.Request.Context(), id, requester(c))
	if e != nil {
		abort(c, e)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (r *reader) HandleContent(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	content, e := r.Vault.GetContent(c.Request.Context(), id, requester(c), c.Query("password"))
	if e != nil {
		logging.WithFuncName().WithField(cst.LogFieldRecordID, id).WithField("code", e.Code).Debug("access denied")
		abort(c, e)
		return
	}
	c.JSON(http.StatusOK, content)
}

func (r *reader) HandleHistory(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		var err error
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			abort(c, pe.NewBadInput("limit must be a non-negative integer"))
			return
		}
	}
	summaries, e := r.Vault.ListByOwner(c.Request.Context(), requester(c), limit)
	if e != nil {
		abort(c, e)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (r *reader) HandleRecent(c *gin.Context) {
	summaries, e := r.Vault.Recent(c.Request.Context(), requester(c))
	if e != nil {
		abort(c, e)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (r *reader) HandleDownload(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	rc, f, e := r.Vault.OpenFile(c.Request.Context(), id, c.Param("name"), c.Query("token"))
	if e != nil {
		abort(c, e)
		return
	}
	defer rc.Close()
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": f.Name})
	c.DataFromReader(http.StatusOK, f.Size, f.MediaType, rc, map[string]string{"Content-Disposition": disposition})
}
