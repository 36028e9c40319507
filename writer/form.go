package main

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	pe "linkvault.io/vault/errors"
	"linkvault.io/vault/vault"
)

const (
	fieldText           = "textContent"
	fieldFile           = "file"
	fieldExpiryDateTime = "expiryDateTime"
	fieldExpiryMinutes  = "expiryMinutes"
	fieldPassword       = "password"
	fieldOneTimeView    = "oneTimeView"
	fieldMaxViews       = "maxViews"
)

// upload is the parsed upload form. When File is set its body streams straight from the request, so it
// must be consumed before the request is done.
type upload struct {
	Payload     vault.Payload
	Constraints vault.Constraints
}

/*
	Utilities to stream-process http multipart form data.

	The honeypot field comes first. The value fields follow in any order, each read through a size limit.
	The file part is handed to the vault as a stream instead of being buffered; value fields sent after it
	are read through the file's Trailer once the file bytes are stored, so they still constrain the record.
*/
func parseUpload(r *multipart.Reader, trap string) (*upload, *pe.Err) {
	if err := detectSpam(trap)(r); err != nil {
		return nil, err
	}
	u := &upload{}
	part, e := u.readFields(r)
	if e != nil {
		return nil, e
	}
	if part == nil {
		return u, nil
	}
	u.Payload.File = &vault.FileUpload{
		Name: part.FileName(),
		Body: part,
		Trailer: func() (vault.Constraints, *pe.Err) {
			next, e := u.readFields(r)
			if e != nil {
				return u.Constraints, e
			}
			if next != nil {
				next.Close()
				return u.Constraints, pe.NewBadInput("only one file can be uploaded at a time")
			}
			if u.Payload.Text != "" {
				return u.Constraints, pe.NewBadInput("exactly one of text and file must be provided")
			}
			return u.Constraints, nil
		},
	}
	return u, nil
}

// readFields processes value fields until the form ends or a file part shows up, which is returned unread.
func (u *upload) readFields(r *multipart.Reader) (*multipart.Part, *pe.Err) {
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, pe.NewBadInput("error reading form part").WithCause(err)
		}
		name := part.FormName()
		if name == fieldFile {
			return part, nil
		}
		proc, ok := fieldProcs[name]
		if !ok {
			part.Close()
			return nil, pe.NewBadInput(fmt.Sprintf("unexpected form field %s", name))
		}
		e := proc.read(part, u)
		part.Close()
		if e != nil {
			return nil, e
		}
	}
}

type partProcessor func(*multipart.Reader) *pe.Err

// detectSpam returns a partProcessor to detect naive bot attempts by checking whether the honeypot form field,
// which is designed to be invisible to human users, is set or not.
// NOTE It stumbles on more sophisticated and dedicated bot attempts.
func detectSpam(trap string) partProcessor {
	return func(r *multipart.Reader) *pe.Err {
		cerr := pe.NewBadInput("error processing form data")
		// by convention bot trap form field is placed at the beginning
		part, err := r.NextPart()
		if part != nil {
			defer part.Close()
		}
		if err != nil {
			msg := "error reading next part from multiform reader"
			if err == io.EOF {
				msg = "spam trap not found"
			}
			log.WithError(err).Error(msg)
			return cerr.WithCause(err)
		}
		if name := part.FormName(); name != trap {
			log.Errorf("spam trap not found. Got unexpected form name %s", name)
			return cerr
		}
		if _, err := ioutil.ReadAll(NewLimitReader(part, 0)); err != nil {
			if pe.Is(err, pe.ErrCodeOversized) {
				return pe.NewSpam()
			}
			log.WithError(err).Error("error reading value of spam trap")
			return cerr.WithCause(err)
		}
		return nil
	}
}

type fieldProc struct {
	LimitBytes int64 // form field value size limit in bytes
	// Process parses and validates the form field value; it is not called for empty values
	Process func(string, *upload) *pe.Err
}

func (p fieldProc) read(part *multipart.Part, u *upload) *pe.Err {
	name := part.FormName()
	b, err := ioutil.ReadAll(NewLimitReader(part, p.LimitBytes))
	if err != nil {
		var v *pe.Err
		if errors.As(err, &v) && v.Code == pe.ErrCodeOversized {
			return pe.NewBadInput(fmt.Sprintf("got oversized data for form field %s", name))
		}
		return pe.NewBadInput(fmt.Sprintf("failed to read value of form field %s", name)).WithCause(err)
	}
	s := string(b)
	// html forms submit untouched optional inputs as empty strings
	if name != fieldText && name != fieldPassword {
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return nil
	}
	return p.Process(s, u)
}

var fieldProcs = map[string]fieldProc{
	fieldText: {
		LimitBytes: 1 << 20,
		Process: func(s string, u *upload) *pe.Err {
			u.Payload.Text = s
			return nil
		},
	},
	fieldExpiryDateTime: {
		LimitBytes: 64,
		Process: func(s string, u *upload) *pe.Err {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return pe.NewBadInput("invalid expiry date/time format").WithCause(err)
			}
			u.Constraints.ExpiresAt = &t
			return nil
		},
	},
	fieldExpiryMinutes: {
		LimitBytes: 10,
		Process: func(s string, u *upload) *pe.Err {
			m, err := strconv.Atoi(s)
			if err != nil || m <= 0 {
				return pe.NewBadInput("expiry minutes must be a positive integer").WithCause(err)
			}
			u.Constraints.ExpiryMinutes = m
			return nil
		},
	},
	fieldPassword: {
		LimitBytes: 1 << 8,
		Process: func(s string, u *upload) *pe.Err {
			u.Constraints.Password = s
			return nil
		},
	},
	fieldOneTimeView: {
		LimitBytes: 5,
		Process: func(s string, u *upload) *pe.Err {
			v, err := strconv.ParseBool(s)
			if err != nil {
				return pe.NewBadInput("invalid one-time-view value").WithCause(err)
			}
			u.Constraints.OneTimeView = v
			return nil
		},
	},
	fieldMaxViews: {
		LimitBytes: 20,
		Process: func(s string, u *upload) *pe.Err {
			v, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return pe.NewBadInput("max views must be a non-negative integer").WithCause(err)
			}
			u.Constraints.MaxViews = v
			return nil
		},
	},
}

// LimitReader dedicates to detecting oversized data
type LimitReader struct {
	R io.Reader // underlying reader
	n int64     // max bytes remaining
}

func NewLimitReader(r io.Reader, max int64) *LimitReader {
	// idea: try reading one more byte above given limit from given reader. If there is no more data left from r
	// then r shall return (0, io.EOF), otherwise it can return more bytes and potentially a non-nil error. We
	// take the risk of rejecting a legit request when the last read attempt returns non-io.EOF error.
	return &LimitReader{R: r, n: max + 1}
}

func (r *LimitReader) Read(p []byte) (n int, err error) {
	// tweak based on io.LimitReader.Read
	if int64(len(p)) > r.n {
		p = p[0:r.n]
	}
	n, err = r.R.Read(p)
	r.n -= int64(n)
	if r.n <= 0 {
		return 0, pe.NewOversized()
	}
	return
}
