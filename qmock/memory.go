// Package qmock provides test doubles for qcert: an in-memory adapter with
// configurable store policies, certificate fixtures and a lossy packet
// connection for network tests.
package qmock

import (
	"bytes"
	"crypto"
	"fmt"
	"strings"
	"sync"

	"github.com/kardianos/qcert/qdef"
)

// Policy selects the behavior of a MemoryAdapter where adapters differ.
type Policy struct {
	// NoImplicitCreate makes a ReadWrite open of a missing store fail with
	// qdef.ErrNotFound instead of creating it.
	NoImplicitCreate bool

	// RejectDuplicate makes Add of a present certificate fail with an adapter
	// failure wrapping qdef.ErrDuplicate instead of succeeding.
	RejectDuplicate bool

	// RemoveAbsentNotFound makes Remove of an absent certificate fail with
	// qdef.ErrNotFound instead of succeeding.
	RemoveAbsentNotFound bool

	// DenyWrite makes every ReadWrite open fail with qdef.ErrAccessDenied.
	DenyWrite bool
}

type memCert struct {
	raw      []byte
	key      crypto.PrivateKey
	archived bool
}

type memStore struct {
	certs []*memCert // Insertion order.
}

func (s *memStore) find(tp qdef.Thumbprint) int {
	for i, c := range s.certs {
		if qdef.ThumbprintOf(c.raw) == tp {
			return i
		}
	}
	return -1
}

// MemoryAdapter keeps stores in memory, keyed by scope and case-insensitive
// name. It counts handles and mutations so tests can check resource pairing.
type MemoryAdapter struct {
	Policy Policy

	mu        sync.Mutex
	stores    map[string]*memStore
	open      int
	opens     int
	mutations int
	failures  map[string]error
}

var _ qdef.Adapter = (*MemoryAdapter)(nil)

// NewMemoryAdapter returns an empty in-memory adapter.
func NewMemoryAdapter(p Policy) *MemoryAdapter {
	return &MemoryAdapter{
		Policy:   p,
		stores:   make(map[string]*memStore),
		failures: make(map[string]error),
	}
}

func memKey(id qdef.Identity) string {
	return id.Scope.String() + `\` + strings.ToLower(id.Name)
}

// Seed creates the store for id if needed and adds certs to it.
func (a *MemoryAdapter) Seed(id qdef.Identity, certs ...*qdef.Certificate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stores[memKey(id)]
	if s == nil {
		s = &memStore{}
		a.stores[memKey(id)] = s
	}
	for _, c := range certs {
		if s.find(c.Thumbprint()) >= 0 {
			continue
		}
		s.certs = append(s.certs, &memCert{raw: bytes.Clone(c.Raw), key: c.PrivateKey})
	}
}

// Exists reports whether the store for id exists.
func (a *MemoryAdapter) Exists(id qdef.Identity) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.stores[memKey(id)]
	return ok
}

// Fail makes the next call of op ("open", "enumerate", "add", "remove",
// "load key", "archive") return err. A nil err clears it.
func (a *MemoryAdapter) Fail(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failures, op)
		return
	}
	a.failures[op] = err
}

func (a *MemoryAdapter) takeFailure(op string) error {
	err, ok := a.failures[op]
	if !ok {
		return nil
	}
	delete(a.failures, op)
	return err
}

// OpenHandles returns the number of handles opened and not yet closed.
func (a *MemoryAdapter) OpenHandles() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// Opens returns the number of successful opens.
func (a *MemoryAdapter) Opens() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}

// Mutations returns the number of changes made to any store, including store creation.
func (a *MemoryAdapter) Mutations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mutations
}

// Open opens the in-memory store for id.
func (a *MemoryAdapter) Open(id qdef.Identity, flags qdef.OpenFlags) (qdef.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFailure("open"); err != nil {
		return nil, err
	}
	if flags.Writable() && a.Policy.DenyWrite {
		return nil, qdef.Errorf(qdef.KindAccessDenied, "open", "store %s: write access denied", id)
	}

	key := memKey(id)
	if _, ok := a.stores[key]; !ok {
		switch {
		case flags.ExistingOnly(), flags.Writable() && a.Policy.NoImplicitCreate:
			return nil, qdef.Errorf(qdef.KindNotFound, "open", "store %s does not exist", id)
		case flags.Writable():
			a.stores[key] = &memStore{}
			a.mutations++
		}
	}
	a.open++
	a.opens++
	return &memHandle{a: a, key: key, flags: flags}, nil
}

type memHandle struct {
	a      *MemoryAdapter
	key    string
	flags  qdef.OpenFlags
	closed bool
}

var (
	_ qdef.Handle    = (*memHandle)(nil)
	_ qdef.KeyLoader = (*memHandle)(nil)
	_ qdef.Archiver  = (*memHandle)(nil)
)

// begin locks the adapter and checks the handle for op.
func (h *memHandle) begin(op string, write bool) (*memStore, error) {
	h.a.mu.Lock()
	if h.closed {
		return nil, qdef.Errorf(qdef.KindInvalidState, op, "handle closed")
	}
	if write {
		if err := qdef.CheckWritable(h.flags, op); err != nil {
			return nil, err
		}
	}
	if err := h.a.takeFailure(op); err != nil {
		return nil, err
	}
	return h.a.stores[h.key], nil
}

func (h *memHandle) Enumerate() ([]qdef.Entry, error) {
	s, err := h.begin("enumerate", false)
	defer h.a.mu.Unlock()
	if err != nil || s == nil {
		return nil, err
	}
	var out []qdef.Entry
	for _, c := range s.certs {
		if c.archived && !h.flags.Archived() {
			continue
		}
		out = append(out, qdef.Entry{Raw: bytes.Clone(c.raw), HasPrivateKey: c.key != nil, Archived: c.archived})
	}
	return out, nil
}

func (h *memHandle) Add(cert *qdef.Certificate) error {
	s, err := h.begin("add", true)
	defer h.a.mu.Unlock()
	if err != nil {
		return err
	}
	if cert == nil || len(cert.Raw) == 0 {
		return qdef.Errorf(qdef.KindInvalidArgument, "add", "empty certificate")
	}
	if s == nil {
		s = &memStore{}
		h.a.stores[h.key] = s
	}
	if i := s.find(cert.Thumbprint()); i >= 0 {
		if h.a.Policy.RejectDuplicate {
			return qdef.Errorf(qdef.KindAdapterFailure, "add", "certificate %s: %w", cert.Thumbprint(), qdef.ErrDuplicate)
		}
		if s.certs[i].key == nil && cert.PrivateKey != nil {
			s.certs[i].key = cert.PrivateKey
			h.a.mutations++
		}
		return nil
	}
	s.certs = append(s.certs, &memCert{raw: bytes.Clone(cert.Raw), key: cert.PrivateKey})
	h.a.mutations++
	return nil
}

func (h *memHandle) Remove(tp qdef.Thumbprint) error {
	s, err := h.begin("remove", true)
	defer h.a.mu.Unlock()
	if err != nil {
		return err
	}
	i := -1
	if s != nil {
		i = s.find(tp)
	}
	if i < 0 {
		if h.a.Policy.RemoveAbsentNotFound {
			return qdef.Errorf(qdef.KindNotFound, "remove", "certificate %s", tp)
		}
		return nil
	}
	s.certs = append(s.certs[:i], s.certs[i+1:]...)
	h.a.mutations++
	return nil
}

func (h *memHandle) LoadKey(tp qdef.Thumbprint) (crypto.PrivateKey, error) {
	s, err := h.begin("load key", false)
	defer h.a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if s == nil || s.find(tp) < 0 {
		return nil, qdef.Errorf(qdef.KindNotFound, "load key", "certificate %s", tp)
	}
	key := s.certs[s.find(tp)].key
	if key == nil {
		return nil, qdef.NewError(qdef.KindNotFound, "load key", qdef.ErrNoPrivateKey)
	}
	return key, nil
}

func (h *memHandle) SetArchived(tp qdef.Thumbprint, archived bool) error {
	s, err := h.begin("archive", true)
	defer h.a.mu.Unlock()
	if err != nil {
		return err
	}
	if s == nil || s.find(tp) < 0 {
		return qdef.Errorf(qdef.KindNotFound, "archive", "certificate %s", tp)
	}
	c := s.certs[s.find(tp)]
	if c.archived != archived {
		c.archived = archived
		h.a.mutations++
	}
	return nil
}

func (h *memHandle) Close() {
	h.a.mu.Lock()
	defer h.a.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.a.open--
}

func (h *memHandle) String() string {
	return fmt.Sprintf("memory store %s (%s)", h.key, h.flags)
}
