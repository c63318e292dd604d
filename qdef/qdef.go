// Package qdef holds the vocabulary shared by qcert and its adapters:
// store identities, scopes, open flags, the certificate object model and the
// error kinds every adapter maps its platform failures onto.
package qdef

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a store or certificate is absent but required to exist.
	ErrNotFound = errors.New("qcert: not found")

	// ErrAccessDenied is returned when the access mode of a handle does not permit the operation.
	ErrAccessDenied = errors.New("qcert: access denied")

	// ErrInvalidState is returned when an operation is not valid for the current session state.
	ErrInvalidState = errors.New("qcert: invalid state")

	// ErrAdapterFailure is returned for platform failures not otherwise classified.
	ErrAdapterFailure = errors.New("qcert: adapter failure")

	// ErrInvalidArgument is returned for malformed store names, scopes or flags.
	ErrInvalidArgument = errors.New("qcert: invalid argument")
)

var (
	// ErrUnsupported is the cause reported when a backend or capability is not available on this host.
	ErrUnsupported = errors.New("qcert: not supported on this platform")

	// ErrDuplicate is the cause reported by adapters that refuse to add a certificate already present.
	ErrDuplicate = errors.New("qcert: certificate already present")

	// ErrDecodeCert is returned when a certificate PEM block cannot be decoded.
	ErrDecodeCert = errors.New("qcert: failed to decode certificate PEM")

	// ErrNoPrivateKey is returned when a private key was requested for a certificate without one.
	ErrNoPrivateKey = errors.New("qcert: certificate has no private key")
)

// Kind classifies a store failure.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindAccessDenied
	KindInvalidState
	KindAdapterFailure
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not found"
	case KindAccessDenied:
		return "access denied"
	case KindInvalidState:
		return "invalid state"
	case KindAdapterFailure:
		return "adapter failure"
	case KindInvalidArgument:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// Sentinel returns the package sentinel error for the kind, or nil for KindNone.
func (k Kind) Sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindAccessDenied:
		return ErrAccessDenied
	case KindInvalidState:
		return ErrInvalidState
	case KindAdapterFailure:
		return ErrAdapterFailure
	case KindInvalidArgument:
		return ErrInvalidArgument
	default:
		return nil
	}
}

// StoreError is the single error type surfaced by stores and adapters.
// Callers see one error type for every failure and tell them apart by Kind.
type StoreError struct {
	Op    string // Operation that failed: "open", "enumerate", "add", "remove", ...
	Store string // Display form of the store identity, may be empty.
	Kind  Kind
	Err   error // Underlying cause, may be nil.
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString("qcert: ")
	b.WriteString(e.Op)
	if e.Store != "" {
		b.WriteString(" ")
		b.WriteString(e.Store)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is and errors.As.
func (e *StoreError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Errorf returns a *StoreError of the given kind with a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &StoreError{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// NewError returns a *StoreError of the given kind wrapping cause.
func NewError(kind Kind, op string, cause error) error {
	return &StoreError{Op: op, Kind: kind, Err: cause}
}

// KindOf reports the kind of err. Errors that are not store errors but match
// a kind sentinel are classified by it; any other non-nil error is an adapter failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	for _, k := range []Kind{KindNotFound, KindAccessDenied, KindInvalidState, KindInvalidArgument, KindAdapterFailure} {
		if errors.Is(err, k.Sentinel()) {
			return k
		}
	}
	return KindAdapterFailure
}

// Wrap classifies err as a store error for op and store. Store errors keep
// their kind and cause; other errors become adapter failures. A nil err returns nil.
func Wrap(err error, op string, store string) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		out := *se
		out.Op = op
		if out.Store == "" {
			out.Store = store
		}
		return &out
	}
	return &StoreError{Op: op, Store: store, Kind: KindOf(err), Err: err}
}

// Scope determines the visibility and permission domain of a store.
type Scope int

const (
	CurrentUser Scope = iota + 1
	LocalMachine
)

func (s Scope) String() string {
	switch s {
	case CurrentUser:
		return "CurrentUser"
	case LocalMachine:
		return "LocalMachine"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == CurrentUser || s == LocalMachine
}

// ParseScope parses a scope name. It accepts the String form and the short
// forms "user", "cu", "machine" and "lm", case-insensitively.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "currentuser", "current_user", "user", "cu":
		return CurrentUser, nil
	case "localmachine", "local_machine", "machine", "lm":
		return LocalMachine, nil
	}
	return 0, Errorf(KindInvalidArgument, "parse scope", "unknown scope %q", s)
}

// OpenFlags controls how a store is opened.
type OpenFlags uint

const (
	ReadOnly OpenFlags = 1 << iota
	ReadWrite
	OpenExistingOnly
	IncludeArchived
)

// Validate reports an invalid-argument error when both access modes are set
// or unknown bits are present.
func (f OpenFlags) Validate() error {
	if f&ReadOnly != 0 && f&ReadWrite != 0 {
		return Errorf(KindInvalidArgument, "open", "ReadOnly and ReadWrite are mutually exclusive")
	}
	if f&^(ReadOnly|ReadWrite|OpenExistingOnly|IncludeArchived) != 0 {
		return Errorf(KindInvalidArgument, "open", "unknown open flags %#x", uint(f))
	}
	return nil
}

// Writable reports whether the flags request write access. The default mode is read-only.
func (f OpenFlags) Writable() bool {
	return f&ReadWrite != 0
}

// ExistingOnly reports whether the store must already exist.
func (f OpenFlags) ExistingOnly() bool {
	return f&OpenExistingOnly != 0
}

// Archived reports whether archived certificates are visible.
func (f OpenFlags) Archived() bool {
	return f&IncludeArchived != 0
}

func (f OpenFlags) String() string {
	var parts []string
	if f.Writable() {
		parts = append(parts, "ReadWrite")
	} else {
		parts = append(parts, "ReadOnly")
	}
	if f.ExistingOnly() {
		parts = append(parts, "OpenExistingOnly")
	}
	if f.Archived() {
		parts = append(parts, "IncludeArchived")
	}
	return strings.Join(parts, "|")
}

// Backend names an adapter variant.
type Backend string

const (
	BackendDir      Backend = "dir"      // Directory of PEM files.
	BackendBolt     Backend = "bolt"     // Embedded bbolt database.
	BackendBundle   Backend = "bundle"   // Read-only system PEM bundle or keychain.
	BackendSystem   Backend = "system"   // Windows crypt32 system store.
	BackendRegistry Backend = "registry" // Windows registry key.
	BackendRemote   Backend = "remote"   // Store served by a remote qcert server.
	BackendMemory   Backend = "memory"   // In-memory store for tests.
)

// ParseBackend parses a backend name.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	switch b {
	case BackendDir, BackendBolt, BackendBundle, BackendSystem, BackendRegistry, BackendRemote, BackendMemory:
		return b, nil
	}
	return "", Errorf(KindInvalidArgument, "parse backend", "unknown backend %q", s)
}

// Well-known store names.
const (
	StoreMy               = "My"
	StoreRoot             = "Root"
	StoreCA               = "CA"
	StoreTrustedPeople    = "TrustedPeople"
	StoreTrustedPublisher = "TrustedPublisher"
	StoreDisallowed       = "Disallowed"
	StoreAuthRoot         = "AuthRoot"
	StoreAddressBook      = "AddressBook"
)

// Identity is a resolved store identity. It is a value type and is not
// modified after resolution.
type Identity struct {
	Name     string  // Logical store name as requested.
	Scope    Scope   // Visibility domain.
	Backend  Backend // Adapter variant that serves the store.
	Location string  // Backend-specific address of the store.
}

func (id Identity) String() string {
	return id.Scope.String() + `\` + id.Name
}
