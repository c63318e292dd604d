package qstore

import (
	"crypto"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/kardianos/qcert/qdef"
)

// DefaultBoltTimeout bounds how long an open waits for the database file lock.
const DefaultBoltTimeout = 1 * time.Second

// boltRecord is the value stored per certificate, keyed by thumbprint.
type boltRecord struct {
	Raw      []byte    `cbor:"1,keyasint"`           // DER encoding.
	Key      []byte    `cbor:"2,keyasint,omitempty"` // Sealed PKCS#8 private key.
	Archived bool      `cbor:"3,keyasint,omitempty"`
	AddedAt  time.Time `cbor:"4,keyasint"`
}

// BoltAdapter serves stores kept in one bbolt database file, the identity
// Location, with one bucket per store.
//
// A ReadWrite open creates the database and the bucket. A ReadOnly open of a
// missing database or bucket yields an empty store, unless OpenExistingOnly
// is set. Adding a certificate already present succeeds and attaches the
// private key if the record has none. Removing an absent certificate fails
// with qdef.ErrNotFound.
//
// bbolt locks the file for the life of the handle: a ReadWrite handle excludes
// every other handle on the same database until it is closed.
type BoltAdapter struct {
	Timeout time.Duration // Lock wait; DefaultBoltTimeout when zero.
}

var _ qdef.Adapter = (*BoltAdapter)(nil)

// NewBoltAdapter returns a bbolt adapter.
func NewBoltAdapter() *BoltAdapter {
	return &BoltAdapter{Timeout: DefaultBoltTimeout}
}

// Open opens the database at id.Location and the bucket for id.Name.
func (a *BoltAdapter) Open(id qdef.Identity, flags qdef.OpenFlags) (qdef.Handle, error) {
	if id.Location == "" {
		return nil, qdef.Errorf(qdef.KindInvalidArgument, "open", "store %s has no database path", id)
	}
	bucket := []byte(StoreKey(id.Name))
	h := &boltHandle{bucket: bucket, flags: flags}

	_, err := os.Stat(id.Location)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if flags.ExistingOnly() {
			return nil, qdef.Errorf(qdef.KindNotFound, "open", "database %s: %w", id.Location, err)
		}
		if !flags.Writable() {
			return h, nil
		}
		if err := os.MkdirAll(filepath.Dir(id.Location), 0700); err != nil {
			return nil, classifyFS(fmt.Errorf("create database directory: %w", err), "open")
		}
	case err != nil:
		return nil, classifyFS(err, "open")
	}

	timeout := a.Timeout
	if timeout == 0 {
		timeout = DefaultBoltTimeout
	}
	db, err := bbolt.Open(id.Location, 0600, &bbolt.Options{Timeout: timeout, ReadOnly: !flags.Writable()})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, qdef.NewError(qdef.KindAdapterFailure, "open", fmt.Errorf("database %s is locked by another handle: %w", id.Location, err))
		}
		return nil, classifyFS(fmt.Errorf("open database: %w", err), "open")
	}

	var exists bool
	err = db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucket) != nil
		return nil
	})
	if err != nil {
		db.Close()
		return nil, qdef.NewError(qdef.KindAdapterFailure, "open", err)
	}
	if !exists {
		if flags.ExistingOnly() {
			db.Close()
			return nil, qdef.Errorf(qdef.KindNotFound, "open", "store %q not in %s", id.Name, id.Location)
		}
		if flags.Writable() {
			err = db.Update(func(tx *bbolt.Tx) error {
				_, err := tx.CreateBucketIfNotExists(bucket)
				return err
			})
			if err != nil {
				db.Close()
				return nil, qdef.NewError(qdef.KindAdapterFailure, "open", fmt.Errorf("create bucket: %w", err))
			}
		}
	}
	h.db = db
	return h, nil
}

type boltHandle struct {
	bucket []byte
	flags  qdef.OpenFlags

	mu     sync.Mutex
	db     *bbolt.DB // nil for a missing database opened read-only.
	closed bool
}

var (
	_ qdef.Handle    = (*boltHandle)(nil)
	_ qdef.KeyLoader = (*boltHandle)(nil)
	_ qdef.Archiver  = (*boltHandle)(nil)
)

func (h *boltHandle) checkOpen(op string) error {
	if h.closed {
		return qdef.Errorf(qdef.KindInvalidState, op, "handle closed")
	}
	return nil
}

// view runs fn with the store bucket, or does nothing when there is none.
func (h *boltHandle) view(fn func(b *bbolt.Bucket) error) error {
	if h.db == nil {
		return nil
	}
	return h.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(h.bucket)
		if b == nil {
			return nil
		}
		return fn(b)
	})
}

func (h *boltHandle) update(fn func(b *bbolt.Bucket) error) error {
	return h.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(h.bucket)
		if err != nil {
			return err
		}
		return fn(b)
	})
}

func getRecord(b *bbolt.Bucket, tp qdef.Thumbprint) (*boltRecord, error) {
	data := b.Get(tp[:])
	if data == nil {
		return nil, nil
	}
	var rec boltRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", tp, err)
	}
	return &rec, nil
}

func putRecord(b *bbolt.Bucket, tp qdef.Thumbprint, rec *boltRecord) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", tp, err)
	}
	return b.Put(tp[:], data)
}

// Enumerate lists certificates in thumbprint byte order.
func (h *boltHandle) Enumerate() ([]qdef.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("enumerate"); err != nil {
		return nil, err
	}

	var out []qdef.Entry
	err := h.view(func(b *bbolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal record %X: %w", k, err)
			}
			if rec.Archived && !h.flags.Archived() {
				return nil
			}
			out = append(out, qdef.Entry{
				Raw:           rec.Raw,
				HasPrivateKey: len(rec.Key) > 0,
				Archived:      rec.Archived,
			})
			return nil
		})
	})
	if err != nil {
		return nil, qdef.NewError(qdef.KindAdapterFailure, "enumerate", err)
	}
	return out, nil
}

// Add stores the certificate, attaching its private key to an existing record without one.
func (h *boltHandle) Add(cert *qdef.Certificate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("add"); err != nil {
		return err
	}
	if err := qdef.CheckWritable(h.flags, "add"); err != nil {
		return err
	}
	if cert == nil || len(cert.Raw) == 0 {
		return qdef.Errorf(qdef.KindInvalidArgument, "add", "empty certificate")
	}
	tp := cert.Thumbprint()

	var sealed []byte
	if cert.HasPrivateKey() {
		var err error
		sealed, err = sealPrivateKey(cert.PrivateKey)
		if err != nil {
			return qdef.NewError(qdef.KindAdapterFailure, "add", fmt.Errorf("seal key %s: %w", tp, err))
		}
	}

	err := h.update(func(b *bbolt.Bucket) error {
		rec, err := getRecord(b, tp)
		if err != nil {
			return err
		}
		if rec == nil {
			return putRecord(b, tp, &boltRecord{Raw: cert.Raw, Key: sealed, AddedAt: timeNow().UTC()})
		}
		if len(rec.Key) > 0 || sealed == nil {
			return nil
		}
		rec.Key = sealed
		return putRecord(b, tp, rec)
	})
	if err != nil {
		return qdef.NewError(qdef.KindAdapterFailure, "add", err)
	}
	return nil
}

// Remove deletes the record for tp.
func (h *boltHandle) Remove(tp qdef.Thumbprint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("remove"); err != nil {
		return err
	}
	if err := qdef.CheckWritable(h.flags, "remove"); err != nil {
		return err
	}

	var found bool
	err := h.update(func(b *bbolt.Bucket) error {
		if b.Get(tp[:]) == nil {
			return nil
		}
		found = true
		return b.Delete(tp[:])
	})
	if err != nil {
		return qdef.NewError(qdef.KindAdapterFailure, "remove", err)
	}
	if !found {
		return qdef.Errorf(qdef.KindNotFound, "remove", "certificate %s", tp)
	}
	return nil
}

// LoadKey unseals the private key stored in the record for tp.
func (h *boltHandle) LoadKey(tp qdef.Thumbprint) (crypto.PrivateKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("load key"); err != nil {
		return nil, err
	}

	var rec *boltRecord
	err := h.view(func(b *bbolt.Bucket) error {
		var err error
		rec, err = getRecord(b, tp)
		return err
	})
	if err != nil {
		return nil, qdef.NewError(qdef.KindAdapterFailure, "load key", err)
	}
	if rec == nil {
		return nil, qdef.Errorf(qdef.KindNotFound, "load key", "certificate %s", tp)
	}
	if len(rec.Key) == 0 {
		return nil, qdef.NewError(qdef.KindNotFound, "load key", qdef.ErrNoPrivateKey)
	}
	key, err := unsealPrivateKey(rec.Key)
	if err != nil {
		return nil, qdef.NewError(qdef.KindAdapterFailure, "load key", err)
	}
	return key, nil
}

// SetArchived updates the archived property of the record for tp.
func (h *boltHandle) SetArchived(tp qdef.Thumbprint, archived bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("archive"); err != nil {
		return err
	}
	if err := qdef.CheckWritable(h.flags, "archive"); err != nil {
		return err
	}

	var found bool
	err := h.update(func(b *bbolt.Bucket) error {
		rec, err := getRecord(b, tp)
		if err != nil || rec == nil {
			return err
		}
		found = true
		if rec.Archived == archived {
			return nil
		}
		rec.Archived = archived
		return putRecord(b, tp, rec)
	})
	if err != nil {
		return qdef.NewError(qdef.KindAdapterFailure, "archive", err)
	}
	if !found {
		return qdef.Errorf(qdef.KindNotFound, "archive", "certificate %s", tp)
	}
	return nil
}

// Close releases the database file and its lock.
func (h *boltHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.db != nil {
		h.db.Close()
		h.db = nil
	}
}
