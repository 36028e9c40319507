package stores

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	pe "linkvault.io/vault/errors"
	md "linkvault.io/vault/models"
)

// Predicate decides whether a conditional update may proceed given the current record. A non-nil return
// aborts the update, which then fails with PreconditionFailed.
type Predicate func(r *md.Record) error

// Mutation changes the mutable fields of a record. Only ViewCount and Consumption changes are persisted.
type Mutation func(r *md.Record)

// RecordStore vends the interface to interact with content records.
type RecordStore interface {
	// Create persists a new record. It fails with ErrCodeExisted if the record ID is taken.
	Create(ctx context.Context, r *md.Record) *pe.Err
	// Get returns the record, or nil without error if there is no such record.
	Get(ctx context.Context, id string) (*md.Record, *pe.Err)
	// ConditionalUpdate atomically checks pred against the current record and applies mut if it holds.
	// It fails with ErrCodeNotFound if the record is gone and ErrCodePreconditionFailed if pred does not
	// hold. It is the only legal way to change ViewCount and Consumption.
	ConditionalUpdate(ctx context.Context, id string, pred Predicate, mut Mutation) (*md.Record, *pe.Err)
	// Delete deletes record data from store. Delete must be idempotent
	Delete(ctx context.Context, id string) *pe.Err
	// Junk returns up to max records which expired before now; it returns all of them when max == 0
	Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *pe.Err)
	// ListByOwner returns up to limit records of the owner, newest first; all of them when limit == 0
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*md.Record, *pe.Err)
	Close() *pe.Err
}

// BlobStore stores the bytes of file-type content (note a file is just a byte sequence)
type BlobStore interface {
	// Put saves the bytes read from r as name under the given scope and returns the address of the blob
	// together with the number of bytes written.
	Put(ctx context.Context, scope, name string, r io.Reader) (string, int64, *pe.Err)
	Get(ctx context.Context, address string) (io.ReadCloser, *pe.Err)
	// Delete deletes the blob. Delete must be idempotent
	Delete(ctx context.Context, address string) *pe.Err
	// PublicURL returns the URL recipients download the named file of record id from.
	PublicURL(id, name string) string
	Close() *pe.Err
}

const maxOptLockAttempts = 8

var errMutationViolation = errors.New("mutation violates record invariants")

// conditionalApply runs pred and mut against a copy of cur and returns the updated copy. Backends call it
// inside their atomic section.
func conditionalApply(cur *md.Record, pred Predicate, mut Mutation) (*md.Record, *pe.Err) {
	if err := pred(cur); err != nil {
		return nil, pe.NewPreconditionFailed("record no longer permits the update").WithCause(err)
	}
	next := cur.Clone()
	mut(next)
	if err := checkMutation(cur, next); err != nil {
		return nil, pe.NewServiceFailure("illegal record mutation").WithCause(err)
	}
	// only the mutable fields survive the mutation
	updated := cur.Clone()
	updated.ViewCount = next.ViewCount
	updated.Consumption = next.Consumption
	return updated, nil
}

func checkMutation(before, after *md.Record) error {
	if after.ViewCount < before.ViewCount {
		return fmt.Errorf("%w: view count decreased from %d to %d", errMutationViolation, before.ViewCount, after.ViewCount)
	}
	if !after.Consumption.Valid() {
		return fmt.Errorf("%w: unknown consumption state %d", errMutationViolation, after.Consumption)
	}
	bo, br, bl := before.Consumption.Flags()
	ao, ar, al := after.Consumption.Flags()
	if (bo && !ao) || (br && !ar) || (bl && !al) {
		return fmt.Errorf("%w: consumption reverted from %s to %s", errMutationViolation, before.Consumption, after.Consumption)
	}
	return nil
}

func validateForCreate(r *md.Record) *pe.Err {
	switch {
	case r.ID == "":
		return pe.NewBadInput("record id missing")
	case r.OwnerID == "":
		return pe.NewBadInput("record owner missing")
	case r.Kind == md.KindFile && (r.File == nil || r.File.Address == ""):
		return pe.NewBadInput("file record without blob reference")
	case r.Kind == md.KindText && r.File != nil:
		return pe.NewBadInput("text record with blob reference")
	case !r.ExpiresAt.After(r.CreatedAt):
		return pe.NewBadInput("record expires before creation")
	}
	if _, ok := md.KindVals[r.Kind]; !ok {
		return pe.NewBadInput(fmt.Sprintf("unknown record kind %q", r.Kind))
	}
	return nil
}

// PublicURL forms the download URL of a record's file under baseURL.
func PublicURL(baseURL, id, name string) string {
	return fmt.Sprintf("%s/uploads/%s/%s", strings.TrimRight(baseURL, "/"), url.PathEscape(id), url.PathEscape(name))
}

// storageErr wraps err raised by a backend; deadline and cancellation surface as StorageUnavailable too.
func storageErr(msg string, err error) *pe.Err {
	return pe.NewStorageUnavailable(msg).WithCause(err)
}
