//go:build windows

package qstore

import (
	"crypto"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/windows/registry"

	"github.com/kardianos/qcert/qdef"
)

const (
	regKeySuffix      = ".key"
	regArchivedSuffix = ".archived"
)

func init() {
	platformAdapters[qdef.BackendRegistry] = func() qdef.Adapter { return NewRegistryAdapter() }
}

// RegistryAdapter serves stores kept as a registry key. The scope selects the
// hive (HKCU or HKLM) and the identity Location is the key path below it,
// such as `SOFTWARE\qcert\Stores\my`. Each certificate is three values:
//
//	<THUMBPRINT>           DER, binary
//	<THUMBPRINT>.key       DPAPI sealed PKCS#8 private key, binary, optional
//	<THUMBPRINT>.archived  DWORD 1 when archived, optional
//
// A ReadWrite open creates a missing key. A ReadOnly open of a missing key
// yields an empty store, unless OpenExistingOnly is set. Adding a certificate
// already present succeeds and attaches the private key if the stored copy has
// none. Removing an absent certificate is a no-op.
type RegistryAdapter struct{}

var _ qdef.Adapter = (*RegistryAdapter)(nil)

// NewRegistryAdapter returns a registry adapter.
func NewRegistryAdapter() *RegistryAdapter {
	return &RegistryAdapter{}
}

func hiveFor(scope qdef.Scope) (registry.Key, error) {
	switch scope {
	case qdef.CurrentUser:
		return registry.CURRENT_USER, nil
	case qdef.LocalMachine:
		return registry.LOCAL_MACHINE, nil
	}
	return 0, qdef.Errorf(qdef.KindInvalidArgument, "open", "unknown scope %v", scope)
}

func hiveName(scope qdef.Scope) string {
	if scope == qdef.LocalMachine {
		return "HKLM"
	}
	return "HKCU"
}

// Open opens or creates the registry key at id.Location.
func (a *RegistryAdapter) Open(id qdef.Identity, flags qdef.OpenFlags) (qdef.Handle, error) {
	hive, err := hiveFor(id.Scope)
	if err != nil {
		return nil, err
	}
	if id.Location == "" {
		return nil, qdef.Errorf(qdef.KindInvalidArgument, "open", "store %s has no registry path", id)
	}
	// Convert forward slashes to backslashes.
	path := strings.ReplaceAll(id.Location, "/", `\`)
	display := hiveName(id.Scope) + `\` + path

	var key registry.Key
	switch {
	case flags.Writable() && !flags.ExistingOnly():
		key, _, err = registry.CreateKey(hive, path, registry.ALL_ACCESS)
	case flags.Writable():
		key, err = registry.OpenKey(hive, path, registry.ALL_ACCESS)
	default:
		key, err = registry.OpenKey(hive, path, registry.QUERY_VALUE)
	}
	if err != nil {
		cerr := classifyWin(fmt.Errorf("open registry key %s: %w", display, err), "open")
		if errors.Is(err, registry.ErrNotExist) && !flags.ExistingOnly() && !flags.Writable() {
			return &registryHandle{flags: flags}, nil
		}
		return nil, cerr
	}
	return &registryHandle{key: key, open: true, flags: flags}, nil
}

type registryHandle struct {
	flags qdef.OpenFlags

	mu   sync.Mutex
	key  registry.Key
	open bool // False for a missing key opened read-only, or after Close.
}

var (
	_ qdef.Handle    = (*registryHandle)(nil)
	_ qdef.KeyLoader = (*registryHandle)(nil)
	_ qdef.Archiver  = (*registryHandle)(nil)
)

func (h *registryHandle) archived(name string) bool {
	v, _, err := h.key.GetIntegerValue(name + regArchivedSuffix)
	return err == nil && v != 0
}

func (h *registryHandle) hasValue(name string) bool {
	_, _, err := h.key.GetValue(name, nil)
	return err == nil
}

// Enumerate lists certificates in value name order.
func (h *registryHandle) Enumerate() ([]qdef.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		return nil, nil
	}

	names, err := h.key.ReadValueNames(0)
	if err != nil {
		return nil, classifyWin(err, "enumerate")
	}
	sort.Strings(names)
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[strings.ToUpper(n)] = true
	}

	var out []qdef.Entry
	for _, name := range names {
		if strings.Contains(name, ".") {
			continue
		}
		if _, err := qdef.ParseThumbprint(name); err != nil {
			continue
		}
		raw, _, err := h.key.GetBinaryValue(name)
		if err != nil {
			continue
		}
		archived := h.archived(name)
		if archived && !h.flags.Archived() {
			continue
		}
		out = append(out, qdef.Entry{
			Raw:           raw,
			HasPrivateKey: present[strings.ToUpper(name+regKeySuffix)],
			Archived:      archived,
		})
	}
	return out, nil
}

// Add writes the certificate value and its sealed key, if any.
func (h *registryHandle) Add(cert *qdef.Certificate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := qdef.CheckWritable(h.flags, "add"); err != nil {
		return err
	}
	if cert == nil || len(cert.Raw) == 0 {
		return qdef.Errorf(qdef.KindInvalidArgument, "add", "empty certificate")
	}
	name := cert.Thumbprint().String()

	if !h.hasValue(name) {
		if err := h.key.SetBinaryValue(name, cert.Raw); err != nil {
			return classifyWin(err, "add")
		}
	}
	if !cert.HasPrivateKey() || h.hasValue(name+regKeySuffix) {
		return nil
	}
	sealed, err := sealPrivateKey(cert.PrivateKey)
	if err != nil {
		return qdef.NewError(qdef.KindAdapterFailure, "add", fmt.Errorf("seal key %s: %w", name, err))
	}
	if err := h.key.SetBinaryValue(name+regKeySuffix, sealed); err != nil {
		return classifyWin(err, "add")
	}
	return nil
}

// Remove deletes the values of tp. An absent certificate is not an error.
func (h *registryHandle) Remove(tp qdef.Thumbprint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := qdef.CheckWritable(h.flags, "remove"); err != nil {
		return err
	}
	name := tp.String()
	for _, v := range []string{name + regKeySuffix, name + regArchivedSuffix, name} {
		if err := h.key.DeleteValue(v); err != nil && !errors.Is(err, registry.ErrNotExist) {
			return classifyWin(err, "remove")
		}
	}
	return nil
}

// LoadKey unseals the private key stored with tp.
func (h *registryHandle) LoadKey(tp qdef.Thumbprint) (crypto.PrivateKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := tp.String()
	if !h.open || !h.hasValue(name) {
		return nil, qdef.Errorf(qdef.KindNotFound, "load key", "certificate %s", name)
	}
	sealed, _, err := h.key.GetBinaryValue(name + regKeySuffix)
	if errors.Is(err, registry.ErrNotExist) {
		return nil, qdef.NewError(qdef.KindNotFound, "load key", qdef.ErrNoPrivateKey)
	}
	if err != nil {
		return nil, classifyWin(err, "load key")
	}
	key, err := unsealPrivateKey(sealed)
	if err != nil {
		return nil, qdef.NewError(qdef.KindAdapterFailure, "load key", err)
	}
	return key, nil
}

// SetArchived writes or clears the archived value of tp.
func (h *registryHandle) SetArchived(tp qdef.Thumbprint, archived bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := qdef.CheckWritable(h.flags, "archive"); err != nil {
		return err
	}
	name := tp.String()
	if !h.hasValue(name) {
		return qdef.Errorf(qdef.KindNotFound, "archive", "certificate %s", name)
	}
	if archived {
		if err := h.key.SetDWordValue(name+regArchivedSuffix, 1); err != nil {
			return classifyWin(err, "archive")
		}
		return nil
	}
	if err := h.key.DeleteValue(name + regArchivedSuffix); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return classifyWin(err, "archive")
	}
	return nil
}

// Close closes the registry key.
func (h *registryHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.open {
		h.key.Close()
		h.open = false
	}
}
