package errors

import (
	"errors"
	"net/http"
	"strings"
)

type ErrCode string

const (
	ErrCodeNotImplemented     ErrCode = "NotImplemented"
	ErrCodeNotFound           ErrCode = "NotFound"
	ErrCodeServiceFailure     ErrCode = "ServiceFailure"
	ErrCodeStorageUnavailable ErrCode = "StorageUnavailable"
	ErrCodeAPIBadRequest      ErrCode = "BadRequest"
	ErrCodeExisted            ErrCode = "Existed"
	ErrCodeUnauthorized       ErrCode = "Unauthorized"
	ErrCodeForbidden          ErrCode = "Forbidden"
	ErrCodeSpam               ErrCode = "Spam"
	ErrCodeOversized          ErrCode = "Oversized"
	ErrCodePreconditionFailed ErrCode = "PreconditionFailed"
	// access denials
	ErrCodeExpired           ErrCode = "Expired"
	ErrCodeOneTimeExhausted  ErrCode = "OneTimeExhausted"
	ErrCodeMaxViewsReached   ErrCode = "MaxViewsReached"
	ErrCodePasswordRequired  ErrCode = "PasswordRequired"
	ErrCodePasswordIncorrect ErrCode = "PasswordIncorrect"
)

// Err is the error type shared by all vault components.
type Err struct {
	Code  ErrCode
	msg   string
	cause error
}

func (e *Err) Error() string {
	return e.msg
}

// Trace returns the chain of causes associated with the error
func (e *Err) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.msg)
	indent := "\n"
	err := errors.Unwrap(e)
	for err != nil {
		indent += "\t"
		b.WriteString(indent)
		b.WriteString("Caused by: ")
		if v, ok := err.(*Err); ok {
			b.WriteString(v.msg)
		} else {
			b.WriteString(err.Error())
		}
		err = errors.Unwrap(err)
	}
	return b.String()
}

func (e *Err) Unwrap() error {
	return e.cause
}

func (e *Err) WithCause(c error) *Err {
	e.cause = c
	return e
}

func (e *Err) WithMsg(m string) *Err {
	e.msg = m
	return e
}

// prefer NewX(msg) over NewX(msg, cause) since the latter's method signature has less readability - user
// needs to look up docs to know the 2nd param is for cause, while the first one can use WithCause() to be
// explicit
func newErr(c ErrCode, m string) *Err {
	return &Err{Code: c, msg: m}
}

func NewServiceFailure(m string) *Err { return newErr(ErrCodeServiceFailure, m) }

func NewStorageUnavailable(m string) *Err { return newErr(ErrCodeStorageUnavailable, m) }

func NewNotFound(m string) *Err { return newErr(ErrCodeNotFound, m) }

func NewBadInput(m string) *Err { return newErr(ErrCodeAPIBadRequest, m) }

func NewExisted(m string) *Err { return newErr(ErrCodeExisted, m) }

func NewUnauthorized(m string) *Err { return newErr(ErrCodeUnauthorized, m) }

func NewForbidden(m string) *Err { return newErr(ErrCodeForbidden, m) }

func NewPreconditionFailed(m string) *Err { return newErr(ErrCodePreconditionFailed, m) }

func NewExpired() *Err { return newErr(ErrCodeExpired, "content has expired") }

func NewOneTimeExhausted(reason string) *Err { return newErr(ErrCodeOneTimeExhausted, reason) }

func NewMaxViewsReached() *Err { return newErr(ErrCodeMaxViewsReached, "maximum view limit reached") }

func NewPasswordRequired() *Err { return newErr(ErrCodePasswordRequired, "password required") }

func NewPasswordIncorrect() *Err { return newErr(ErrCodePasswordIncorrect, "incorrect password") }

func NewSpam() *Err { return newErr(ErrCodeSpam, "request rejected") }

func NewOversized() *Err { return newErr(ErrCodeOversized, "data oversized") }

func NewNotImplemented() *Err { return newErr(ErrCodeNotImplemented, "Not implemented") }

// CodeOf returns the code of the first *Err found in err's chain, or ErrCodeServiceFailure if there is none.
func CodeOf(err error) ErrCode {
	var v *Err
	if errors.As(err, &v) {
		return v.Code
	}
	return ErrCodeServiceFailure
}

// Is reports whether err carries the given code.
func Is(err error, c ErrCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == c
}

// StatusCode returns the http response status code associated with the Err value
func (e *Err) StatusCode() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeAPIBadRequest:
		return http.StatusBadRequest
	case ErrCodeExpired, ErrCodeOneTimeExhausted, ErrCodeMaxViewsReached:
		return http.StatusGone
	case ErrCodePasswordRequired, ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodePasswordIncorrect, ErrCodeForbidden, ErrCodeSpam:
		return http.StatusForbidden
	case ErrCodeExisted, ErrCodePreconditionFailed:
		return http.StatusConflict
	case ErrCodeOversized:
		return http.StatusRequestEntityTooLarge
	case ErrCodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
