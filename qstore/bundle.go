package qstore

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kardianos/qcert/qdef"
)

// keychainPrefix marks a bundle source that is a macOS keychain.
const keychainPrefix = "keychain="

// Bundle files searched on hosts without keychains, in order. The first one
// present is used.
var bundleFiles = []string{
	"/etc/ssl/certs/ca-certificates.crt",                // Debian/Ubuntu/Gentoo etc.
	"/etc/pki/tls/certs/ca-bundle.crt",                  // Fedora/RHEL 6
	"/etc/ssl/ca-bundle.pem",                            // OpenSUSE
	"/etc/pki/tls/cacert.pem",                           // OpenELEC
	"/etc/pki/ca-trust/extracted/pem/tls-ca-bundle.pem", // CentOS/RHEL 7
	"/etc/ssl/cert.pem",                                 // Alpine Linux, OpenBSD
	"/usr/local/etc/ssl/cert.pem",                       // FreeBSD
	"/usr/local/share/certs/ca-root-nss.crt",            // DragonFly
}

var darwinKeychains = []string{
	"/System/Library/Keychains/SystemRootCertificates.keychain",
	"/Library/Keychains/System.keychain",
}

// readKeychain returns the PEM output of every certificate in a keychain.
// Tests may override it.
var readKeychain = func(keychain string) ([]byte, error) {
	return exec.Command("security", "find-certificate", "-a", "-p", keychain).Output()
}

// BundleAdapter serves the read-only trust material of the host: PEM bundle
// files, directories of PEM files, or macOS keychains.
//
// The identity Location lists the sources separated by filepath.ListSeparator;
// a source written as "keychain=<path>" is read through the security tool.
// An empty Location uses the host defaults: the system keychains on darwin,
// otherwise the first system bundle file present.
//
// The store name selects from the sources: Root and AuthRoot hold the
// self-signed certificates, CA holds the rest. Other names do not exist.
// Every ReadWrite open fails with qdef.ErrAccessDenied.
type BundleAdapter struct {
	OS string // Host profile used for the default sources.
}

var _ qdef.Adapter = (*BundleAdapter)(nil)

// NewBundleAdapter returns a bundle adapter for the host named by goos.
func NewBundleAdapter(goos string) *BundleAdapter {
	return &BundleAdapter{OS: goos}
}

type bundleFilter int

const (
	filterNone bundleFilter = iota
	filterSelfSigned
	filterIssued
)

func bundleFilterFor(name string) bundleFilter {
	switch strings.ToLower(name) {
	case strings.ToLower(qdef.StoreRoot), strings.ToLower(qdef.StoreAuthRoot):
		return filterSelfSigned
	case strings.ToLower(qdef.StoreCA):
		return filterIssued
	}
	return filterNone
}

func (a *BundleAdapter) sources(location string) []string {
	if location != "" {
		return filepath.SplitList(location)
	}
	if a.OS == "darwin" {
		list := make([]string, len(darwinKeychains))
		for i, kc := range darwinKeychains {
			list[i] = keychainPrefix + kc
		}
		return list
	}
	for _, f := range bundleFiles {
		if _, err := os.Stat(f); err == nil {
			return []string{f}
		}
	}
	return nil
}

// Open opens the named view of the host trust material.
func (a *BundleAdapter) Open(id qdef.Identity, flags qdef.OpenFlags) (qdef.Handle, error) {
	if flags.Writable() {
		return nil, qdef.Errorf(qdef.KindAccessDenied, "open", "store %s is read-only", id)
	}
	filter := bundleFilterFor(id.Name)
	sources := a.sources(id.Location)
	if filter == filterNone || len(sources) == 0 {
		if flags.ExistingOnly() {
			return nil, qdef.Errorf(qdef.KindNotFound, "open", "no bundle store %q", id.Name)
		}
		return &bundleHandle{flags: flags}, nil
	}
	return &bundleHandle{sources: sources, filter: filter, flags: flags}, nil
}

type bundleHandle struct {
	sources []string
	filter  bundleFilter
	flags   qdef.OpenFlags
}

var _ qdef.Handle = (*bundleHandle)(nil)

// Enumerate lists certificates in source order, dropping duplicates.
// Sources that are missing or unreadable are skipped.
func (h *bundleHandle) Enumerate() ([]qdef.Entry, error) {
	seen := make(map[qdef.Thumbprint]struct{})
	var out []qdef.Entry
	for _, src := range h.sources {
		for _, data := range readBundleSource(src) {
			for _, c := range qdef.ParseBundlePEM(data) {
				switch h.filter {
				case filterSelfSigned:
					if !c.SelfSigned() {
						continue
					}
				case filterIssued:
					if c.SelfSigned() {
						continue
					}
				}
				tp := c.Thumbprint()
				if _, dup := seen[tp]; dup {
					continue
				}
				seen[tp] = struct{}{}
				out = append(out, qdef.Entry{Raw: c.Raw})
			}
		}
	}
	return out, nil
}

func readBundleSource(src string) [][]byte {
	if kc, ok := strings.CutPrefix(src, keychainPrefix); ok {
		out, err := readKeychain(kc)
		if err != nil {
			// Keychain may not exist; skip gracefully.
			return nil
		}
		return [][]byte{out}
	}

	fi, err := os.Stat(src)
	if err != nil {
		return nil
	}
	if !fi.IsDir() {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil
		}
		return [][]byte{data}
	}

	files, err := os.ReadDir(src)
	if err != nil {
		return nil
	}
	var list [][]byte
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(f.Name())) {
		case ".pem", ".crt", ".cer":
		default:
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, f.Name()))
		if err != nil {
			continue
		}
		list = append(list, data)
	}
	return list
}

func (h *bundleHandle) Add(cert *qdef.Certificate) error {
	return qdef.CheckWritable(h.flags, "add")
}

func (h *bundleHandle) Remove(tp qdef.Thumbprint) error {
	return qdef.CheckWritable(h.flags, "remove")
}

func (h *bundleHandle) Close() {}
