package qcert

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"log/slog"

	"github.com/kardianos/qcert/qdef"
	"github.com/kardianos/qcert/qstate"
)

// State is the lifecycle state of a Store.
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

var storeTransitions = []qstate.Transition[State]{
	{From: StateClosed, To: StateOpen, Name: "open"},
	{From: StateOpen, To: StateClosed, Name: "close"},
}

// Store is a session over one certificate store. It starts closed; Open
// acquires a handle from the adapter and Close releases it.
//
// A Store is not safe for concurrent use.
type Store struct {
	loc *Locator
	id  qdef.Identity
	log *slog.Logger

	lc       *qstate.Machine[State]
	flags    qdef.OpenFlags
	handle   qdef.Handle

	// generation increases on every successful Open. Refs drawn from an
	// earlier generation may not be used for mutation.
	generation uint64
}

func newStore(l *Locator, id qdef.Identity) *Store {
	s := &Store{
		loc: l,
		id:  id,
		log: l.log.With("store", id.Name, "scope", id.Scope.String(), "backend", string(id.Backend)),
	}
	s.lc = qstate.New(StateClosed, storeTransitions, func(from, to State, name string) {
		s.log.Debug("store "+name, "from", from.String(), "to", to.String(), "flags", s.flags.String(), "generation", s.generation)
	})
	return s
}

// Identity returns the resolved identity of the store.
func (s *Store) Identity() qdef.Identity { return s.id }

// State returns the lifecycle state.
func (s *Store) State() State { return s.lc.Current() }

// Flags returns the flags of the current open, or zero when closed.
func (s *Store) Flags() qdef.OpenFlags {
	if !s.lc.Is(StateOpen) {
		return 0
	}
	return s.flags
}

// Open opens the store with flags. An open store releases its handle first,
// so a failed reopen leaves the store closed.
func (s *Store) Open(flags qdef.OpenFlags) error {
	if err := flags.Validate(); err != nil {
		return qdef.Wrap(err, "open", s.id.String())
	}
	if s.lc.Is(StateOpen) {
		s.release()
	}

	adapter, err := s.loc.Adapter(s.id)
	if err != nil {
		s.log.Warn("open failed", "flags", flags.String(), "error", err)
		return qdef.Wrap(err, "open", s.id.String())
	}
	h, err := adapter.Open(s.id, flags)
	if err != nil {
		s.log.Warn("open failed", "flags", flags.String(), "error", err)
		return qdef.Wrap(err, "open", s.id.String())
	}
	s.handle = h
	s.flags = flags
	s.generation++
	if err := s.lc.To(StateOpen); err != nil {
		h.Close()
		s.handle = nil
		return qdef.NewError(qdef.KindInvalidState, "open", err)
	}
	return nil
}

// Certificates reads the store into a new snapshot. A closed store returns an
// empty snapshot and is not opened.
func (s *Store) Certificates() (*Snapshot, error) {
	if !s.lc.Is(StateOpen) {
		return newSnapshot(s, 0, nil), nil
	}
	entries, err := s.handle.Enumerate()
	if err != nil {
		s.log.Warn("enumerate failed", "error", err)
		return nil, qdef.Wrap(err, "enumerate", s.id.String())
	}
	return newSnapshot(s, s.generation, entries), nil
}

// Add adds cert, with its private key when it has one.
func (s *Store) Add(cert *qdef.Certificate) error {
	if err := s.checkOpen("add"); err != nil {
		return err
	}
	if cert == nil || len(cert.Raw) == 0 {
		return qdef.Errorf(qdef.KindInvalidArgument, "add", "store %s: empty certificate", s.id)
	}
	if cert.Leaf == nil || !bytes.Equal(cert.Leaf.Raw, cert.Raw) {
		if _, err := x509.ParseCertificate(cert.Raw); err != nil {
			return qdef.NewError(qdef.KindInvalidArgument, "add", err)
		}
	}
	tp := cert.Thumbprint()
	if err := s.handle.Add(cert); err != nil {
		s.log.Warn("add failed", "thumbprint", tp.String(), "error", err)
		return qdef.Wrap(err, "add", s.id.String())
	}
	s.log.Debug("certificate added", "thumbprint", tp.String(), "private_key", cert.HasPrivateKey())
	return nil
}

// Remove removes the certificate identified by cert. A CertRef from an
// earlier open of the store fails with qdef.ErrInvalidState.
func (s *Store) Remove(cert qdef.Thumbprinter) error {
	if err := s.checkOpen("remove"); err != nil {
		return err
	}
	if c, isCert := cert.(*qdef.Certificate); cert == nil || (isCert && c == nil) {
		return qdef.Errorf(qdef.KindInvalidArgument, "remove", "store %s: no certificate", s.id)
	}
	if ref, ok := cert.(CertRef); ok {
		if err := s.checkRef(ref, "remove"); err != nil {
			return err
		}
	}
	tp := cert.Thumbprint()
	if err := s.handle.Remove(tp); err != nil {
		s.log.Warn("remove failed", "thumbprint", tp.String(), "error", err)
		return qdef.Wrap(err, "remove", s.id.String())
	}
	s.log.Debug("certificate removed", "thumbprint", tp.String())
	return nil
}

// RemoveRef removes the certificate of a snapshot entry.
func (s *Store) RemoveRef(ref CertRef) error {
	return s.Remove(ref)
}

// SetArchived sets or clears the archived property of the certificate of ref.
// Archived certificates are listed only by stores opened with
// qdef.IncludeArchived.
func (s *Store) SetArchived(ref CertRef, archived bool) error {
	if err := s.checkOpen("archive"); err != nil {
		return err
	}
	if err := s.checkRef(ref, "archive"); err != nil {
		return err
	}
	ar, ok := s.handle.(qdef.Archiver)
	if !ok {
		return qdef.Errorf(qdef.KindAdapterFailure, "archive", "store %s: archived property: %w", s.id, qdef.ErrUnsupported)
	}
	if err := ar.SetArchived(ref.Thumbprint(), archived); err != nil {
		s.log.Warn("archive failed", "thumbprint", ref.Thumbprint().String(), "error", err)
		return qdef.Wrap(err, "archive", s.id.String())
	}
	s.log.Debug("certificate archive set", "thumbprint", ref.Thumbprint().String(), "archived", archived)
	return nil
}

// PrivateKey loads the private key stored with the certificate of ref.
// It fails with qdef.ErrNotFound wrapping qdef.ErrNoPrivateKey when the
// certificate has none.
func (s *Store) PrivateKey(ref CertRef) (crypto.PrivateKey, error) {
	if err := s.checkOpen("load key"); err != nil {
		return nil, err
	}
	if err := s.checkRef(ref, "load key"); err != nil {
		return nil, err
	}
	if !ref.HasPrivateKey() {
		return nil, qdef.Errorf(qdef.KindNotFound, "load key", "store %s: %s: %w", s.id, ref.Thumbprint(), qdef.ErrNoPrivateKey)
	}
	kl, ok := s.handle.(qdef.KeyLoader)
	if !ok {
		return nil, qdef.Errorf(qdef.KindAdapterFailure, "load key", "store %s: private keys: %w", s.id, qdef.ErrUnsupported)
	}
	key, err := kl.LoadKey(ref.Thumbprint())
	if err != nil {
		return nil, qdef.Wrap(err, "load key", s.id.String())
	}
	return key, nil
}

// Close releases the handle. Closing a closed store does nothing.
func (s *Store) Close() {
	if !s.lc.Is(StateOpen) {
		return
	}
	s.release()
}

func (s *Store) release() {
	s.handle.Close()
	s.handle = nil
	s.lc.To(StateClosed)
	s.flags = 0
}

func (s *Store) checkOpen(op string) error {
	if !s.lc.Is(StateOpen) {
		return &qdef.StoreError{Op: op, Store: s.id.String(), Kind: qdef.KindInvalidState, Err: errClosed}
	}
	return nil
}

// checkRef rejects empty refs and refs drawn from another store or an
// earlier open. Owned refs are accepted by every store.
func (s *Store) checkRef(ref CertRef, op string) error {
	if ref.IsZero() {
		return qdef.Errorf(qdef.KindInvalidArgument, op, "store %s: empty certificate ref", s.id)
	}
	if ref.e.store == nil {
		return nil
	}
	if ref.e.store != s {
		return qdef.Errorf(qdef.KindInvalidArgument, op, "store %s: certificate ref belongs to store %s", s.id, ref.e.store.id)
	}
	if ref.e.generation != s.generation {
		return qdef.Errorf(qdef.KindInvalidState, op, "store %s: certificate ref is from an earlier open", s.id)
	}
	return nil
}

var errClosed = errors.New("store is closed")
