package qcert

import (
	"bytes"
	"iter"
	"sync"

	"github.com/kardianos/qcert/qdef"
)

// Snapshot is the list of certificates of a store at the time it was read.
// It never changes; read the store again to see later mutations.
type Snapshot struct {
	refs  []CertRef
	index map[qdef.Thumbprint]int
}

func newSnapshot(s *Store, generation uint64, entries []qdef.Entry) *Snapshot {
	snap := &Snapshot{
		refs:  make([]CertRef, 0, len(entries)),
		index: make(map[qdef.Thumbprint]int, len(entries)),
	}
	for _, e := range entries {
		tp := e.Thumbprint()
		if _, dup := snap.index[tp]; dup {
			continue
		}
		snap.index[tp] = len(snap.refs)
		snap.refs = append(snap.refs, CertRef{tp: tp, e: &certEntry{
			store:      s,
			generation: generation,
			raw:        bytes.Clone(e.Raw),
			hasKey:     e.HasPrivateKey,
			archived:   e.Archived,
		}})
	}
	return snap
}

// Count returns the number of certificates.
func (s *Snapshot) Count() int {
	return len(s.refs)
}

// Contains reports whether the snapshot holds a certificate with the
// thumbprint of cert.
func (s *Snapshot) Contains(cert qdef.Thumbprinter) bool {
	if c, isCert := cert.(*qdef.Certificate); cert == nil || (isCert && c == nil) {
		return false
	}
	_, ok := s.index[cert.Thumbprint()]
	return ok
}

// Find returns the entry with thumbprint tp.
func (s *Snapshot) Find(tp qdef.Thumbprint) (CertRef, bool) {
	i, ok := s.index[tp]
	if !ok {
		return CertRef{}, false
	}
	return s.refs[i], true
}

// All yields the entries in store order. It may be ranged over repeatedly.
func (s *Snapshot) All() iter.Seq[CertRef] {
	return func(yield func(CertRef) bool) {
		for _, r := range s.refs {
			if !yield(r) {
				return
			}
		}
	}
}

// Filter returns the entries for which keep returns true. The entries are
// shared with s.
func (s *Snapshot) Filter(keep func(CertRef) bool) *Snapshot {
	out := &Snapshot{index: make(map[qdef.Thumbprint]int)}
	for _, r := range s.refs {
		if keep(r) {
			out.index[r.tp] = len(out.refs)
			out.refs = append(out.refs, r)
		}
	}
	return out
}

// Certificates parses every entry. It stops at the first certificate that
// fails to parse.
func (s *Snapshot) Certificates() ([]*qdef.Certificate, error) {
	list := make([]*qdef.Certificate, 0, len(s.refs))
	for _, r := range s.refs {
		c, err := r.Certificate()
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, nil
}

// CertRef refers to one certificate. Refs from a snapshot borrow the entry
// of their store session; RefOf makes a ref that owns its certificate.
type CertRef struct {
	tp qdef.Thumbprint
	e  *certEntry
}

type certEntry struct {
	store      *Store // Nil for owned refs.
	generation uint64
	raw        []byte
	hasKey     bool
	archived   bool

	once sync.Once
	cert *qdef.Certificate
	err  error
}

// RefOf returns a ref owning cert. It is accepted by Store.Remove and
// Snapshot.Contains for any store. RefOf(nil) is the zero CertRef.
func RefOf(cert *qdef.Certificate) CertRef {
	if cert == nil {
		return CertRef{}
	}
	e := &certEntry{raw: cert.Raw, hasKey: cert.HasPrivateKey(), cert: cert}
	e.once.Do(func() {})
	return CertRef{tp: cert.Thumbprint(), e: e}
}

// Thumbprint returns the SHA-1 thumbprint of the certificate.
func (r CertRef) Thumbprint() qdef.Thumbprint {
	return r.tp
}

// IsZero reports whether r refers to nothing.
func (r CertRef) IsZero() bool {
	return r.e == nil
}

// Owned reports whether r owns its certificate. Snapshot entries are borrowed
// from the store session and report false.
func (r CertRef) Owned() bool {
	return r.e != nil && r.e.store == nil
}

// Valid reports whether r may still be used for mutation and key loading:
// it is owned, or its session is open in the generation it was drawn from.
func (r CertRef) Valid() bool {
	if r.e == nil {
		return false
	}
	if r.e.store == nil {
		return true
	}
	return r.e.store.lc.Is(StateOpen) && r.e.store.generation == r.e.generation
}

// HasPrivateKey reports whether the store holds a private key for the certificate.
func (r CertRef) HasPrivateKey() bool {
	return r.e != nil && r.e.hasKey
}

// Archived reports whether the certificate carries the archived property.
func (r CertRef) Archived() bool {
	return r.e != nil && r.e.archived
}

// Raw returns a copy of the DER encoding. It stays readable after the store
// is closed.
func (r CertRef) Raw() []byte {
	if r.e == nil {
		return nil
	}
	return bytes.Clone(r.e.raw)
}

// Certificate parses the certificate on first use and caches the result.
// Certificates of snapshot entries never carry the private key; use
// Store.PrivateKey.
func (r CertRef) Certificate() (*qdef.Certificate, error) {
	if r.e == nil {
		return nil, qdef.Errorf(qdef.KindInvalidArgument, "certificate", "empty certificate ref")
	}
	r.e.once.Do(func() {
		r.e.cert, r.e.err = qdef.NewCertificate(r.e.raw)
		if r.e.err != nil {
			r.e.err = qdef.NewError(qdef.KindAdapterFailure, "certificate", r.e.err)
		}
	})
	return r.e.cert, r.e.err
}
