package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"linkvault.io/vault/common/logging"
	cst "linkvault.io/vault/constants"
	pe "linkvault.io/vault/errors"
	md "linkvault.io/vault/models"
)

// PostgresStore implements RecordStore on PostgreSQL. Every row carries a version which conditional updates
// compare and bump, so two writers racing on the same row cannot both win.
type PostgresStore struct {
	DB *sql.DB
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS content_records (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    text_content TEXT NOT NULL DEFAULT '',
    file TEXT,
    password_hash TEXT NOT NULL DEFAULT '',
    one_time_view BOOLEAN NOT NULL DEFAULT FALSE,
    owner_preview_used BOOLEAN NOT NULL DEFAULT FALSE,
    recipient_view_used BOOLEAN NOT NULL DEFAULT FALSE,
    has_been_viewed BOOLEAN NOT NULL DEFAULT FALSE,
    view_count BIGINT NOT NULL DEFAULT 0,
    max_views BIGINT,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    version BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS content_records_expires_at_idx ON content_records (expires_at);
CREATE INDEX IF NOT EXISTS content_records_owner_idx ON content_records (owner_id, created_at DESC);
`

const (
	pgColumns = `id, owner_id, kind, text_content, file, password_hash, one_time_view, owner_preview_used,
recipient_view_used, has_been_viewed, view_count, max_views, created_at, expires_at, version`

	pgInsert = `INSERT INTO content_records (id, owner_id, kind, text_content, file, password_hash, one_time_view,
owner_preview_used, recipient_view_used, has_been_viewed, view_count, max_views, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	pgSelectByID = `SELECT ` + pgColumns + ` FROM content_records WHERE id = $1`

	pgUpdateAccess = `UPDATE content_records SET view_count = $1, owner_preview_used = $2, recipient_view_used = $3,
has_been_viewed = $4, version = version + 1 WHERE id = $5 AND version = $6`

	pgDelete = `DELETE FROM content_records WHERE id = $1`

	pgSelectExpired = `SELECT id, file FROM content_records WHERE expires_at < $1 ORDER BY expires_at`

	pgSelectByOwner = `SELECT ` + pgColumns + ` FROM content_records WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`

	pgUniqueViolation = pq.ErrorCode("23505")
)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

// EnsureSchema creates the records table and its indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, r *md.Record) *pe.Err {
	if e := validateForCreate(r); e != nil {
		return e
	}
	clog := logging.WithFuncName().WithField(cst.LogFieldRecordID, r.ID)
	file, err := marshalFileRef(r.File)
	if err != nil {
		clog.WithError(err).Error("error marshalling blob reference")
		return pe.NewServiceFailure("error creating record").WithCause(err)
	}
	ownerUsed, recipientUsed, legacy := r.Consumption.Flags()
	_, err = s.DB.ExecContext(ctx, pgInsert, r.ID, r.OwnerID, string(r.Kind), r.Text, file, r.PasswordHash,
		r.OneTimeView, ownerUsed, recipientUsed, legacy, int64(r.ViewCount), nullableCap(r.MaxViews), r.CreatedAt.UTC(),
		r.ExpiresAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return pe.NewExisted(fmt.Sprintf("record %s already exists", r.ID)).WithCause(err)
		}
		clog.WithError(err).Error("error inserting record")
		return storageErr("error creating record", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*md.Record, int64, error) {
	var (
		r                                md.Record
		kind                             string
		file                             sql.NullString
		ownerUsed, recipientUsed, legacy bool
		viewCount                        int64
		maxViews                         sql.NullInt64
		version                          int64
	)
	err := row.Scan(&r.ID, &r.OwnerID, &kind, &r.Text, &file, &r.PasswordHash, &r.OneTimeView, &ownerUsed,
		&recipientUsed, &legacy, &viewCount, &maxViews, &r.CreatedAt, &r.ExpiresAt, &version)
	if err != nil {
		return nil, 0, err
	}
	r.Kind = md.Kind(kind)
	r.Consumption = md.ConsumptionFromFlags(ownerUsed, recipientUsed, legacy)
	r.ViewCount = uint64(viewCount)
	if maxViews.Valid {
		r.MaxViews = uint64(maxViews.Int64)
	}
	if file.Valid && file.String != "" {
		f := &md.FileRef{}
		if err := json.Unmarshal([]byte(file.String), f); err != nil {
			return nil, 0, fmt.Errorf("blob reference: %w", err)
		}
		r.File = f
	}
	return &r, version, nil
}

func (s *PostgresStore) get(ctx context.Context, id string) (*md.Record, int64, *pe.Err) {
	r, version, err := scanRecord(s.DB.QueryRowContext(ctx, pgSelectByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		logging.WithFuncName().WithField(cst.LogFieldRecordID, id).WithError(err).Error("error querying record")
		return nil, 0, storageErr("error getting record data", err)
	}
	return r, version, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*md.Record, *pe.Err) {
	r, _, e := s.get(ctx, id)
	return r, e
}

func (s *PostgresStore) ConditionalUpdate(ctx context.Context, id string, pred Predicate, mut Mutation) (*md.Record, *pe.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldRecordID, id)
	for i := 0; i < maxOptLockAttempts; i++ {
		cur, version, e := s.get(ctx, id)
		if e != nil {
			return nil, e
		}
		if cur == nil {
			return nil, pe.NewNotFound(fmt.Sprintf("record %s not found", id))
		}
		updated, e := conditionalApply(cur, pred, mut)
		if e != nil {
			return nil, e
		}
		ownerUsed, recipientUsed, legacy := updated.Consumption.Flags()
		res, err := s.DB.ExecContext(ctx, pgUpdateAccess, int64(updated.ViewCount), ownerUsed, recipientUsed, legacy, id, version)
		if err != nil {
			clog.WithError(err).Error("error updating record")
			return nil, storageErr("error updating record", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, storageErr("error updating record", err)
		}
		if n == 1 {
			return updated, nil
		}
		// row changed or vanished since we read it
		clog.WithField("attempt", i).Debug("stale version, retrying")
	}
	return nil, pe.NewPreconditionFailed("record kept changing during update")
}

func (s *PostgresStore) Delete(ctx context.Context, id string) *pe.Err {
	if _, err := s.DB.ExecContext(ctx, pgDelete, id); err != nil {
		logging.WithFuncName().WithField(cst.LogFieldRecordID, id).WithError(err).Error("error deleting record")
		return storageErr("error deleting record", err)
	}
	return nil
}

func (s *PostgresStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *pe.Err) {
	const errMsg = "error loading junk records"
	clog := logging.WithFuncName()
	if max < 0 {
		return nil, pe.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	query, args := pgSelectExpired, []interface{}{now.UTC()}
	if max > 0 {
		query += ` LIMIT $2`
		args = append(args, max)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		clog.WithError(err).Error("error querying expired records")
		return nil, storageErr(errMsg, err)
	}
	defer rows.Close()
	jks := make([]*md.Junk, 0)
	for rows.Next() {
		var (
			id   string
			file sql.NullString
		)
		if err := rows.Scan(&id, &file); err != nil {
			return nil, storageErr(errMsg, err)
		}
		jk := &md.Junk{RecordID: id}
		if file.Valid && file.String != "" {
			f := &md.FileRef{}
			if err := json.Unmarshal([]byte(file.String), f); err != nil {
				// still reap the record; its blob is logged for manual cleanup
				clog.WithError(err).WithField(cst.LogFieldRecordID, id).Error("error unmarshalling record blob reference")
			}
			jk.BlobAddress = f.Address
		}
		jks = append(jks, jk)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(errMsg, err)
	}
	return jks, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*md.Record, *pe.Err) {
	const errMsg = "error listing records"
	clog := logging.WithFuncName().WithField(cst.LogFieldOwnerID, ownerID)
	query, args := pgSelectByOwner, []interface{}{ownerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		clog.WithError(err).Error("error querying owner records")
		return nil, storageErr(errMsg, err)
	}
	defer rows.Close()
	res := make([]*md.Record, 0)
	for rows.Next() {
		r, _, err := scanRecord(rows)
		if err != nil {
			clog.WithError(err).Error("error scanning owner record")
			return nil, pe.NewServiceFailure(errMsg).WithCause(err)
		}
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(errMsg, err)
	}
	return res, nil
}

func (s *PostgresStore) Close() *pe.Err {
	if err := s.DB.Close(); err != nil {
		return pe.NewServiceFailure("failed close Postgres connection pool").WithCause(err)
	}
	return nil
}

func marshalFileRef(f *md.FileRef) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullableCap(n uint64) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n > 0}
}
