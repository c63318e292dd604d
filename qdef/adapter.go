package qdef

import "crypto"

// Entry is one certificate as read from a backing store.
type Entry struct {
	Raw           []byte // DER encoding.
	HasPrivateKey bool
	Archived      bool
}

// Thumbprint returns the identity of the entry.
func (e Entry) Thumbprint() Thumbprint {
	return ThumbprintOf(e.Raw)
}

// Adapter opens physical stores of one platform family.
// Adapters are shared; each Open returns a Handle owned by one session.
type Adapter interface {
	// Open opens the store named by id.
	//
	// It fails with ErrNotFound when OpenExistingOnly is set and the store
	// does not exist, and with ErrAccessDenied when the requested access mode
	// is not permitted. Whether a missing store is created implicitly is
	// documented by each adapter.
	Open(id Identity, flags OpenFlags) (Handle, error)
}

// Handle is one opened store.
type Handle interface {
	// Enumerate returns the certificates of the store. The order is defined
	// by the adapter and is stable between calls without intervening mutation.
	// Archived certificates are included only when opened with IncludeArchived.
	Enumerate() ([]Entry, error)

	// Add adds a certificate. A read-only handle fails with ErrAccessDenied
	// whether or not the certificate is present.
	Add(cert *Certificate) error

	// Remove removes a certificate. A read-only handle fails with ErrAccessDenied.
	Remove(tp Thumbprint) error

	// Close releases the handle. It always succeeds.
	Close()
}

// KeyLoader is implemented by handles that can return stored private keys.
type KeyLoader interface {
	LoadKey(tp Thumbprint) (crypto.PrivateKey, error)
}

// Archiver is implemented by handles that track the archived property.
type Archiver interface {
	SetArchived(tp Thumbprint, archived bool) error
}

// CheckWritable returns an access-denied error for op unless flags grant write access.
func CheckWritable(flags OpenFlags, op string) error {
	if flags.Writable() {
		return nil
	}
	return &StoreError{Op: op, Kind: KindAccessDenied, Err: errReadOnly}
}

type readOnlyError struct{}

func (readOnlyError) Error() string { return "store opened read-only" }

var errReadOnly error = readOnlyError{}
