package stores

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kivik/couchdb/v3"
	"github.com/go-kivik/kivik/v3"
	log "github.com/sirupsen/logrus"
	"linkvault.io/vault/common/logging"
	cst "linkvault.io/vault/constants"
	pe "linkvault.io/vault/errors"
	md "linkvault.io/vault/models"
)

// CouchStore implements RecordStore with CouchDB. Conditional updates ride on CouchDB's document revisions.
type CouchStore struct {
	client *kivik.Client
	db     *kivik.DB
}

type CouchConfig struct {
	DBAddr               string
	DBName               string
	DBUsername, DBPasswd string
}

// couchRecord is the document format of a record. Timestamps are unix millis so Mango selectors can compare
// them; the three consumption flags keep documents written before the owner/recipient split readable.
type couchRecord struct {
	ID                string      `json:"_id"`
	Rev               string      `json:"_rev,omitempty"`
	OwnerID           string      `json:"ownerId"`
	Kind              md.Kind     `json:"type"`
	Text              string      `json:"textContent,omitempty"`
	File              *md.FileRef `json:"file,omitempty"`
	PasswordHash      string      `json:"passwordHash,omitempty"`
	OneTimeView       bool        `json:"oneTimeView"`
	OwnerPreviewUsed  bool        `json:"ownerPreviewUsed"`
	RecipientViewUsed bool        `json:"recipientViewUsed"`
	HasBeenViewed     bool        `json:"hasBeenViewed"`
	ViewCount         uint64      `json:"viewCount"`
	MaxViews          uint64      `json:"maxViews,omitempty"`
	CreatedAt         int64       `json:"createdAt"`
	ExpiresAt         int64       `json:"expiresAt"`
}

func toCouchRecord(r *md.Record) *couchRecord {
	ownerUsed, recipientUsed, legacy := r.Consumption.Flags()
	return &couchRecord{
		ID:                r.ID,
		OwnerID:           r.OwnerID,
		Kind:              r.Kind,
		Text:              r.Text,
		File:              r.File,
		PasswordHash:      r.PasswordHash,
		OneTimeView:       r.OneTimeView,
		OwnerPreviewUsed:  ownerUsed,
		RecipientViewUsed: recipientUsed,
		HasBeenViewed:     legacy,
		ViewCount:         r.ViewCount,
		MaxViews:          r.MaxViews,
		CreatedAt:         unixMillis(r.CreatedAt),
		ExpiresAt:         unixMillis(r.ExpiresAt),
	}
}

func (d *couchRecord) record() *md.Record {
	return &md.Record{
		ID:           d.ID,
		OwnerID:      d.OwnerID,
		Kind:         d.Kind,
		Text:         d.Text,
		File:         d.File,
		PasswordHash: d.PasswordHash,
		OneTimeView:  d.OneTimeView,
		Consumption:  md.ConsumptionFromFlags(d.OwnerPreviewUsed, d.RecipientViewUsed, d.HasBeenViewed),
		ViewCount:    d.ViewCount,
		MaxViews:     d.MaxViews,
		CreatedAt:    time.Unix(0, d.CreatedAt*int64(time.Millisecond)),
		ExpiresAt:    time.Unix(0, d.ExpiresAt*int64(time.Millisecond)),
	}
}

func NewCouchStore(ctx context.Context, cfg *CouchConfig) (*CouchStore, *pe.Err) {
	const errMsg = "error setting up CouchDB client"
	client, err := kivik.New("couch", cfg.DBAddr)
	if err != nil {
		return nil, pe.NewServiceFailure(errMsg).WithCause(err)
	}
	if cfg.DBUsername != "" {
		if err := client.Authenticate(ctx, couchdb.BasicAuth(cfg.DBUsername, cfg.DBPasswd)); err != nil {
			return nil, pe.NewServiceFailure(errMsg).WithCause(err)
		}
	}
	return &CouchStore{client: client, db: client.DB(ctx, cfg.DBName)}, nil
}

// Ping checks CouchDB is reachable.
func (s *CouchStore) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("CouchDB not ready")
	}
	return nil
}

func (s *CouchStore) Create(ctx context.Context, r *md.Record) *pe.Err {
	if e := validateForCreate(r); e != nil {
		return e
	}
	clog := logging.WithFuncName().WithFields(log.Fields{
		cst.LogFieldRecordID: r.ID,
		"recordExpiry":       r.ExpiresAt,
	})
	// a PUT without revision conflicts with any existing document of the same ID
	if _, err := s.db.Put(ctx, r.ID, toCouchRecord(r)); err != nil {
		if kivik.StatusCode(err) == http.StatusConflict {
			return pe.NewExisted(fmt.Sprintf("record %s already exists", r.ID)).WithCause(err)
		}
		clog.WithError(err).Error("failed saving record to CouchDB")
		return storageErr("failed to save record", err)
	}
	return nil
}

func (s *CouchStore) get(ctx context.Context, id string) (*couchRecord, *pe.Err) {
	doc := &couchRecord{}
	if err := s.db.Get(ctx, id).ScanDoc(doc); err != nil {
		if kivik.StatusCode(err) == http.StatusNotFound {
			return nil, nil
		}
		logging.WithFuncName().WithField(cst.LogFieldRecordID, id).WithError(err).Error("error getting record from CouchDB")
		return nil, storageErr("error getting record data", err)
	}
	return doc, nil
}

func (s *CouchStore) Get(ctx context.Context, id string) (*md.Record, *pe.Err) {
	doc, e := s.get(ctx, id)
	if e != nil || doc == nil {
		return nil, e
	}
	return doc.record(), nil
}

func (s *CouchStore) ConditionalUpdate(ctx context.Context, id string, pred Predicate, mut Mutation) (*md.Record, *pe.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldRecordID, id)
	for i := 0; i < maxOptLockAttempts; i++ {
		doc, e := s.get(ctx, id)
		if e != nil {
			return nil, e
		}
		if doc == nil {
			return nil, pe.NewNotFound(fmt.Sprintf("record %s not found", id))
		}
		updated, e := conditionalApply(doc.record(), pred, mut)
		if e != nil {
			return nil, e
		}
		next := toCouchRecord(updated)
		next.Rev = doc.Rev
		_, err := s.db.Put(ctx, id, next)
		if err == nil {
			return updated, nil
		}
		if kivik.StatusCode(err) != http.StatusConflict {
			clog.WithError(err).Error("error saving updated record to CouchDB")
			return nil, storageErr("error updating record", err)
		}
		clog.WithField("attempt", i).Debug("stale revision, retrying")
	}
	return nil, pe.NewPreconditionFailed("record kept changing during update")
}

func (s *CouchStore) Delete(ctx context.Context, id string) *pe.Err {
	clog := logging.WithFuncName().WithField(cst.LogFieldRecordID, id)
	for i := 0; i < maxOptLockAttempts; i++ {
		doc, e := s.get(ctx, id)
		if e != nil {
			return e
		}
		if doc == nil {
			return nil
		}
		_, err := s.db.Delete(ctx, id, doc.Rev)
		if err == nil || kivik.StatusCode(err) == http.StatusNotFound {
			return nil
		}
		if kivik.StatusCode(err) == http.StatusConflict {
			continue
		}
		clog.WithError(err).Error("error deleting record from CouchDB")
		return storageErr("error deleting record", err)
	}
	return storageErr("error deleting record", fmt.Errorf("record %s kept changing during deletion", id))
}

const (
	couchPageSize  = 200
	couchIndexDDoc = "linkvault"
	couchExpiryIdx = "by-expiry"
	couchOwnerIdx  = "by-owner-created"
	sortAscending  = "asc"
	sortDescending = "desc"
)

// EnsureIndexes creates the Mango indexes backing the sorted expiry and owner scans. Creating an existing
// index is a no-op in CouchDB.
func (s *CouchStore) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]string{
		couchExpiryIdx: {"expiresAt"},
		couchOwnerIdx:  {"ownerId", "createdAt"},
	}
	for name, fields := range indexes {
		if err := s.db.CreateIndex(ctx, couchIndexDDoc, name, map[string]interface{}{"fields": fields}); err != nil {
			return fmt.Errorf("failed creating CouchDB index %s: %w", name, err)
		}
	}
	return nil
}

// find pages through the documents matching selector in sort order, stopping after want documents if
// want is positive. Every query carries an explicit limit since CouchDB caps unlimited ones at 25.
func (s *CouchStore) find(ctx context.Context, selector map[string]interface{}, sort []map[string]string, want int) ([]*couchRecord, error) {
	docs := make([]*couchRecord, 0)
	bookmark := ""
	for {
		size := couchPageSize
		if want > 0 && want-len(docs) < size {
			size = want - len(docs)
		}
		query := map[string]interface{}{"selector": selector, "sort": sort, "limit": size}
		if bookmark != "" {
			query["bookmark"] = bookmark
		}
		rows, err := s.db.Find(ctx, query)
		if err != nil {
			return nil, err
		}
		n := 0
		for rows.Next() {
			doc := &couchRecord{}
			if err := rows.ScanDoc(doc); err != nil {
				rows.Close()
				return nil, err
			}
			docs = append(docs, doc)
			n++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		bookmark = rows.Bookmark()
		rows.Close()
		if n < size || bookmark == "" || (want > 0 && len(docs) >= want) {
			return docs, nil
		}
	}
}

func (s *CouchStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *pe.Err) {
	clog := logging.WithFuncName()
	if max < 0 {
		return nil, pe.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	docs, err := s.find(ctx,
		map[string]interface{}{"expiresAt": map[string]interface{}{"$lt": unixMillis(now)}},
		[]map[string]string{{"expiresAt": sortAscending}},
		max,
	)
	if err != nil {
		clog.WithError(err).Error("error querying CouchDB for expired records")
		return nil, storageErr("error loading junk records", err)
	}
	jks := make([]*md.Junk, 0, len(docs))
	for _, d := range docs {
		if r := d.record(); r.Expired(now) {
			jks = append(jks, &md.Junk{RecordID: r.ID, BlobAddress: r.BlobAddress()})
		}
	}
	return jks, nil
}

func (s *CouchStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*md.Record, *pe.Err) {
	docs, err := s.find(ctx,
		// the createdAt clause lets CouchDB pick the owner index for the sort
		map[string]interface{}{"ownerId": ownerID, "createdAt": map[string]interface{}{"$gt": 0}},
		[]map[string]string{{"ownerId": sortDescending}, {"createdAt": sortDescending}},
		limit,
	)
	if err != nil {
		logging.WithFuncName().WithField(cst.LogFieldOwnerID, ownerID).WithError(err).Error("error querying CouchDB for owner records")
		return nil, storageErr("error listing records", err)
	}
	res := make([]*md.Record, 0, len(docs))
	for _, d := range docs {
		if d.OwnerID == ownerID {
			res = append(res, d.record())
		}
	}
	return res, nil
}

func (s *CouchStore) Close() *pe.Err {
	if err := s.client.Close(context.Background()); err != nil {
		return pe.NewServiceFailure("failed close CouchDB client").WithCause(err)
	}
	return nil
}
