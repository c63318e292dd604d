package qstore

import (
	"crypto"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kardianos/qcert/qdef"
)

const (
	certExt = ".crt"
	keyExt  = ".key"
)

// DirAdapter serves stores kept as a directory of PEM files. The store
// directory is the identity Location and holds:
//
//	<THUMBPRINT>.crt  certificate, PEM
//	<THUMBPRINT>.key  sealed PKCS#8 private key, optional
//	store.conf        store name, creation time, archived thumbprints
//
// A ReadWrite open creates a missing directory. A ReadOnly open of a missing
// directory yields an empty store, unless OpenExistingOnly is set.
// Adding a certificate already present succeeds and attaches the private key
// if the stored copy has none. Removing an absent certificate is a no-op.
type DirAdapter struct{}

var _ qdef.Adapter = (*DirAdapter)(nil)

// NewDirAdapter returns a directory adapter.
func NewDirAdapter() *DirAdapter {
	return &DirAdapter{}
}

// Open opens the store directory at id.Location.
func (a *DirAdapter) Open(id qdef.Identity, flags qdef.OpenFlags) (qdef.Handle, error) {
	if id.Location == "" {
		return nil, qdef.Errorf(qdef.KindInvalidArgument, "open", "store %s has no directory", id)
	}
	dir := id.Location

	fi, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if flags.ExistingOnly() {
			return nil, qdef.Errorf(qdef.KindNotFound, "open", "store directory %s: %w", dir, err)
		}
		if flags.Writable() {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, classifyFS(fmt.Errorf("create store directory: %w", err), "open")
			}
			meta := &storeMeta{Name: id.Name, Created: timeNow(), Archived: map[qdef.Thumbprint]bool{}}
			if err := meta.save(filepath.Join(dir, metaFileName)); err != nil {
				return nil, classifyFS(fmt.Errorf("write store metadata: %w", err), "open")
			}
		}
	case err != nil:
		return nil, classifyFS(err, "open")
	case !fi.IsDir():
		return nil, qdef.Errorf(qdef.KindAdapterFailure, "open", "%s is not a directory", dir)
	}

	if flags.Writable() {
		if err := checkWriteAccess(dir); err != nil {
			return nil, qdef.NewError(qdef.KindAccessDenied, "open", err)
		}
	}
	return &dirHandle{dir: dir, flags: flags}, nil
}

type dirHandle struct {
	dir   string
	flags qdef.OpenFlags

	mu     sync.Mutex
	closed bool
}

var (
	_ qdef.Handle    = (*dirHandle)(nil)
	_ qdef.KeyLoader = (*dirHandle)(nil)
	_ qdef.Archiver  = (*dirHandle)(nil)
)

func (h *dirHandle) certPath(tp qdef.Thumbprint) string {
	return filepath.Join(h.dir, tp.String()+certExt)
}

func (h *dirHandle) keyPath(tp qdef.Thumbprint) string {
	return filepath.Join(h.dir, tp.String()+keyExt)
}

func (h *dirHandle) metaPath() string {
	return filepath.Join(h.dir, metaFileName)
}

func (h *dirHandle) checkOpen(op string) error {
	if h.closed {
		return qdef.Errorf(qdef.KindInvalidState, op, "handle closed")
	}
	return nil
}

// Enumerate lists certificates in file name order. Files that do not hold a
// certificate are skipped.
func (h *dirHandle) Enumerate() ([]qdef.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("enumerate"); err != nil {
		return nil, err
	}

	files, err := os.ReadDir(h.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyFS(err, "enumerate")
	}
	meta, err := loadMeta(h.metaPath())
	if err != nil {
		return nil, classifyFS(err, "enumerate")
	}

	var out []qdef.Entry
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, certExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(h.dir, name))
		if err != nil {
			return nil, classifyFS(err, "enumerate")
		}
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "CERTIFICATE" {
			continue
		}
		tp := qdef.ThumbprintOf(block.Bytes)
		archived := meta.Archived[tp]
		if archived && !h.flags.Archived() {
			continue
		}
		_, keyErr := os.Stat(h.keyPath(tp))
		out = append(out, qdef.Entry{
			Raw:           block.Bytes,
			HasPrivateKey: keyErr == nil,
			Archived:      archived,
		})
	}
	return out, nil
}

// Add writes the certificate and its private key, if any.
func (h *dirHandle) Add(cert *qdef.Certificate) error {
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

	if _, err := os.Stat(h.certPath(tp)); errors.Is(err, fs.ErrNotExist) {
		if err := atomicWriteFile(h.certPath(tp), cert.PEM(), 0644); err != nil {
			return classifyFS(fmt.Errorf("write certificate %s: %w", tp, err), "add")
		}
	} else if err != nil {
		return classifyFS(err, "add")
	}

	if !cert.HasPrivateKey() {
		return nil
	}
	if _, err := os.Stat(h.keyPath(tp)); err == nil {
		return nil
	}
	sealed, err := sealPrivateKey(cert.PrivateKey)
	if err != nil {
		return qdef.NewError(qdef.KindAdapterFailure, "add", fmt.Errorf("seal key %s: %w", tp, err))
	}
	if err := atomicWriteFile(h.keyPath(tp), sealed, 0600); err != nil {
		return classifyFS(fmt.Errorf("write key %s: %w", tp, err), "add")
	}
	return nil
}

// Remove deletes the certificate, its key and its archived mark.
func (h *dirHandle) Remove(tp qdef.Thumbprint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("remove"); err != nil {
		return err
	}
	if err := qdef.CheckWritable(h.flags, "remove"); err != nil {
		return err
	}

	for _, p := range []string{h.keyPath(tp), h.certPath(tp)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return classifyFS(err, "remove")
		}
	}

	meta, err := loadMeta(h.metaPath())
	if err != nil {
		return classifyFS(err, "remove")
	}
	if !meta.Archived[tp] {
		return nil
	}
	delete(meta.Archived, tp)
	if err := meta.save(h.metaPath()); err != nil {
		return classifyFS(err, "remove")
	}
	return nil
}

// LoadKey unseals the private key stored with tp.
func (h *dirHandle) LoadKey(tp qdef.Thumbprint) (crypto.PrivateKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("load key"); err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(h.keyPath(tp))
	if errors.Is(err, fs.ErrNotExist) {
		if _, cerr := os.Stat(h.certPath(tp)); cerr != nil {
			return nil, classifyFS(cerr, "load key")
		}
		return nil, qdef.NewError(qdef.KindNotFound, "load key", qdef.ErrNoPrivateKey)
	}
	if err != nil {
		return nil, classifyFS(err, "load key")
	}
	key, err := unsealPrivateKey(sealed)
	if err != nil {
		return nil, qdef.NewError(qdef.KindAdapterFailure, "load key", err)
	}
	return key, nil
}

// SetArchived marks or clears the archived property of a stored certificate.
func (h *dirHandle) SetArchived(tp qdef.Thumbprint, archived bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("archive"); err != nil {
		return err
	}
	if err := qdef.CheckWritable(h.flags, "archive"); err != nil {
		return err
	}
	if _, err := os.Stat(h.certPath(tp)); err != nil {
		return classifyFS(err, "archive")
	}

	meta, err := loadMeta(h.metaPath())
	if err != nil {
		return classifyFS(err, "archive")
	}
	if meta.Archived[tp] == archived {
		return nil
	}
	if archived {
		meta.Archived[tp] = true
	} else {
		delete(meta.Archived, tp)
	}
	if err := meta.save(h.metaPath()); err != nil {
		return classifyFS(err, "archive")
	}
	return nil
}

func (h *dirHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}
