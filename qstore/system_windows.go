//go:build windows

package qstore

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/kardianos/qcert/qdef"
)

const (
	certStoreProvSystem = 10

	certStoreOpenExistingFlag = 0x00004000
	certStoreReadOnlyFlag     = 0x00008000
	certStoreEnumArchivedFlag = 0x00000200

	certSystemStoreCurrentUser  = 1 << 16
	certSystemStoreLocalMachine = 2 << 16

	certStoreAddReplaceExistingInheritProperties = 5

	certKeyProvInfoPropID = 2
	certArchivedPropID    = 19

	encodingX509 = windows.X509_ASN_ENCODING | windows.PKCS_7_ASN_ENCODING
)

// Returned by crypt32 when an enumeration is exhausted or an object is missing.
const cryptENotFound = syscall.Errno(0x80092004)

var procCertGetCertificateContextProperty = windows.NewLazySystemDLL("crypt32.dll").NewProc("CertGetCertificateContextProperty")

func init() {
	platformAdapters[qdef.BackendSystem] = func() qdef.Adapter { return NewSystemAdapter() }
}

// SystemAdapter serves the crypt32 system certificate stores. The identity
// Location is the system store name and the scope selects the user or
// machine store location.
//
// A ReadWrite open creates a missing store. A ReadOnly open of a missing store
// yields an empty store, unless OpenExistingOnly is set. Adding a certificate
// already present replaces it and keeps its properties. Removing an absent
// certificate fails with qdef.ErrNotFound. Certificates carrying a private key
// are refused, since crypt32 keys live with a key provider and not in the store.
type SystemAdapter struct{}

var _ qdef.Adapter = (*SystemAdapter)(nil)

// NewSystemAdapter returns a crypt32 system store adapter.
func NewSystemAdapter() *SystemAdapter {
	return &SystemAdapter{}
}

// classifyWin maps Windows errors onto store error kinds.
func classifyWin(err error, op string) error {
	switch {
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return qdef.NewError(qdef.KindAccessDenied, op, err)
	case errors.Is(err, windows.ERROR_FILE_NOT_FOUND), errors.Is(err, windows.ERROR_PATH_NOT_FOUND), errors.Is(err, cryptENotFound):
		return qdef.NewError(qdef.KindNotFound, op, err)
	default:
		return qdef.NewError(qdef.KindAdapterFailure, op, err)
	}
}

// Open opens the system store named by id.Location, or id.Name when Location is empty.
func (a *SystemAdapter) Open(id qdef.Identity, flags qdef.OpenFlags) (qdef.Handle, error) {
	name := id.Location
	if name == "" {
		name = id.Name
	}
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, qdef.Errorf(qdef.KindInvalidArgument, "open", "store name %q: %w", name, err)
	}

	var storeFlags uint32
	switch id.Scope {
	case qdef.CurrentUser:
		storeFlags = certSystemStoreCurrentUser
	case qdef.LocalMachine:
		storeFlags = certSystemStoreLocalMachine
	default:
		return nil, qdef.Errorf(qdef.KindInvalidArgument, "open", "unknown scope %v", id.Scope)
	}
	if !flags.Writable() {
		storeFlags |= certStoreReadOnlyFlag | certStoreOpenExistingFlag
	}
	if flags.ExistingOnly() {
		storeFlags |= certStoreOpenExistingFlag
	}
	if flags.Archived() {
		storeFlags |= certStoreEnumArchivedFlag
	}

	store, err := windows.CertOpenStore(certStoreProvSystem, 0, 0, storeFlags, uintptr(unsafe.Pointer(namePtr)))
	if err != nil {
		cerr := classifyWin(fmt.Errorf("open system store %s: %w", name, err), "open")
		if qdef.KindOf(cerr) == qdef.KindNotFound && !flags.ExistingOnly() && !flags.Writable() {
			return &systemHandle{flags: flags}, nil
		}
		return nil, cerr
	}
	return &systemHandle{store: store, flags: flags}, nil
}

type systemHandle struct {
	flags qdef.OpenFlags

	mu    sync.Mutex
	store windows.Handle // Zero for a missing store opened read-only.
}

var _ qdef.Handle = (*systemHandle)(nil)

func hasProperty(ctx *windows.CertContext, propID uint32) bool {
	var size uint32
	r, _, _ := procCertGetCertificateContextProperty.Call(
		uintptr(unsafe.Pointer(ctx)),
		uintptr(propID),
		0,
		uintptr(unsafe.Pointer(&size)),
	)
	return r != 0
}

// each calls fn for every certificate in store order until fn returns false.
// The context passed to fn is valid only during the call.
func (h *systemHandle) each(fn func(ctx *windows.CertContext) bool) error {
	var ctx *windows.CertContext
	for {
		next, err := windows.CertEnumCertificatesInStore(h.store, ctx)
		if err != nil {
			if errors.Is(err, cryptENotFound) {
				return nil
			}
			return err
		}
		ctx = next
		if !fn(ctx) {
			windows.CertFreeCertificateContext(ctx)
			return nil
		}
	}
}

// Enumerate lists certificates in store order.
func (h *systemHandle) Enumerate() ([]qdef.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.store == 0 {
		return nil, nil
	}

	var out []qdef.Entry
	err := h.each(func(ctx *windows.CertContext) bool {
		der := unsafe.Slice(ctx.EncodedCert, ctx.Length)
		raw := make([]byte, len(der))
		copy(raw, der)
		out = append(out, qdef.Entry{
			Raw:           raw,
			HasPrivateKey: hasProperty(ctx, certKeyProvInfoPropID),
			Archived:      hasProperty(ctx, certArchivedPropID),
		})
		return true
	})
	if err != nil {
		return nil, classifyWin(err, "enumerate")
	}
	return out, nil
}

// Add adds or replaces a certificate without a private key.
func (h *systemHandle) Add(cert *qdef.Certificate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := qdef.CheckWritable(h.flags, "add"); err != nil {
		return err
	}
	if cert == nil || len(cert.Raw) == 0 {
		return qdef.Errorf(qdef.KindInvalidArgument, "add", "empty certificate")
	}
	if cert.HasPrivateKey() {
		return qdef.Errorf(qdef.KindAdapterFailure, "add", "private key import: %w", qdef.ErrUnsupported)
	}

	ctx, err := windows.CertCreateCertificateContext(encodingX509, &cert.Raw[0], uint32(len(cert.Raw)))
	if err != nil {
		return qdef.NewError(qdef.KindAdapterFailure, "add", fmt.Errorf("create certificate context: %w", err))
	}
	defer windows.CertFreeCertificateContext(ctx)

	if err := windows.CertAddCertificateContextToStore(h.store, ctx, certStoreAddReplaceExistingInheritProperties, nil); err != nil {
		return classifyWin(err, "add")
	}
	return nil
}

// Remove deletes the certificate with thumbprint tp.
func (h *systemHandle) Remove(tp qdef.Thumbprint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := qdef.CheckWritable(h.flags, "remove"); err != nil {
		return err
	}

	var (
		found  bool
		delErr error
	)
	err := h.each(func(ctx *windows.CertContext) bool {
		if qdef.ThumbprintOf(unsafe.Slice(ctx.EncodedCert, ctx.Length)) != tp {
			return true
		}
		found = true
		// CertDeleteCertificateFromStore frees the context it is given.
		delErr = windows.CertDeleteCertificateFromStore(windows.CertDuplicateCertificateContext(ctx))
		return false
	})
	switch {
	case err != nil:
		return classifyWin(err, "remove")
	case delErr != nil:
		return classifyWin(delErr, "remove")
	case !found:
		return qdef.Errorf(qdef.KindNotFound, "remove", "certificate %s", tp)
	}
	return nil
}

// Close closes the store handle.
func (h *systemHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.store != 0 {
		windows.CertCloseStore(h.store, 0)
		h.store = 0
	}
}
