package middleware

import (
	"encoding/json"
	"net/http"

	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	cst "linkvault.io/vault/constants"
	pe "linkvault.io/vault/errors"
	"linkvault.io/vault/identity"
)

type Middleware func(hr.Handle) hr.Handle

// Chain composites given handler and middlewares; the last middleware given runs first
func Chain(h hr.Handle, ms ...Middleware) hr.Handle {
	for _, m := range ms {
		h = m(h)
	}
	return h
}

// PanicRecoverer recovers from panic of underlying handlers
func PanicRecoverer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithField("panicReason", rec).Error("got panic from underlying handler")
					WriteErr(w, pe.NewServiceFailure("internal error"))
				}
			}()
			h(w, r, p)
		}
	}
}

// Identify resolves the requester of each request with p and passes it down in the request context.
// Requests carrying bad credentials are rejected.
func Identify(p identity.Provider) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps hr.Params) {
			id, err := p.Identify(r)
			if err != nil {
				log.WithError(err).WithField("remoteAddr", r.RemoteAddr).Warn("rejecting request with bad credentials")
				WriteErr(w, pe.NewUnauthorized("invalid credentials").WithCause(err))
				return
			}
			h(w, r.WithContext(identity.WithRequester(r.Context(), id)), ps)
		}
	}
}

// BodyLimiter caps the size of request bodies
func BodyLimiter(max int64) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			if r.ContentLength > max {
				WriteErr(w, pe.NewOversized().WithMsg(cst.ErrMsgRequestBodyTooLarge))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
			h(w, r, p)
		}
	}
}

// ErrBody is the json body of error responses
type ErrBody struct {
	Code    pe.ErrCode `json:"code"`
	Message string     `json:"message"`
}

// WriteJSON writes v as the json response body.
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("error writing response body")
	}
}

// WriteErr responds with the status code and json body matching e.
func WriteErr(w http.ResponseWriter, e *pe.Err) {
	WriteJSON(w, e.StatusCode(), ErrBody{Code: e.Code, Message: e.Error()})
}
