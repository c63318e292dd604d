// Package qstore implements the backing store adapters for qcert.
//
// Each adapter serves one family of physical stores:
//
//   - DirAdapter: a directory per store holding one PEM file per certificate.
//   - BoltAdapter: an embedded bbolt database holding one bucket per store.
//   - BundleAdapter: the read-only system trust bundle or keychain.
//   - SystemAdapter (Windows): the crypt32 system certificate stores.
//   - RegistryAdapter (Windows): a registry key per store.
//
// Private keys kept by the dir, bolt and registry adapters are sealed before
// they are written: with DPAPI on Windows and with an embedded secretbox key
// elsewhere. The latter keeps keys out of plain text; it is obfuscation, not
// protection against anyone who can read the binary.
package qstore

import (
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kardianos/qcert/qdef"
)

// timeNow returns the current time. Tests may override it.
var timeNow = time.Now

var safeKeyRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// maxStoreKey bounds a store key well below the file name and registry key
// name limits of every host.
const maxStoreKey = 128

// StoreKey maps a store name onto a string safe to use as a directory name,
// bucket name or registry key. Names are case-insensitive. Names with other
// characters are hex-encoded behind an "x-" prefix so they cannot escape
// their parent location. Encodings longer than maxStoreKey are replaced by
// the hex SHA-256 of the name behind "x-h", which no hex encoding starts with.
func StoreKey(name string) string {
	lower := strings.ToLower(name)
	if safeKeyRegex.MatchString(lower) && !strings.HasPrefix(lower, "x-") && !strings.Contains(lower, "..") {
		return lower
	}
	key := "x-" + hex.EncodeToString([]byte(lower))
	if len(key) > maxStoreKey {
		sum := sha256.Sum256([]byte(lower))
		key = "x-h" + hex.EncodeToString(sum[:])
	}
	return key
}

var platformAdapters = map[qdef.Backend]func() qdef.Adapter{}

// Platform returns the adapter for a backend that exists only on some hosts,
// such as the Windows system store. It fails with an adapter failure wrapping
// qdef.ErrUnsupported when the backend is not compiled into this build.
func Platform(b qdef.Backend) (qdef.Adapter, error) {
	fn, ok := platformAdapters[b]
	if !ok {
		return nil, qdef.Errorf(qdef.KindAdapterFailure, "open", "backend %q: %w", b, qdef.ErrUnsupported)
	}
	return fn(), nil
}

// PlatformBackends lists the backends registered by this build, sorted.
func PlatformBackends() []qdef.Backend {
	list := make([]qdef.Backend, 0, len(platformAdapters))
	for b := range platformAdapters {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// classifyFS maps filesystem errors onto store error kinds.
func classifyFS(err error, op string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return qdef.NewError(qdef.KindAccessDenied, op, err)
	case errors.Is(err, fs.ErrNotExist):
		return qdef.NewError(qdef.KindNotFound, op, err)
	default:
		return qdef.NewError(qdef.KindAdapterFailure, op, err)
	}
}

// sealPrivateKey encodes key as PKCS#8 and seals it for storage.
func sealPrivateKey(key crypto.PrivateKey) ([]byte, error) {
	der, err := qdef.MarshalKey(key)
	if err != nil {
		return nil, err
	}
	return sealKey(der)
}

// unsealPrivateKey reverses sealPrivateKey.
func unsealPrivateKey(sealed []byte) (crypto.PrivateKey, error) {
	der, err := openKey(sealed)
	if err != nil {
		return nil, err
	}
	return qdef.ParseKey(der)
}

// atomicWriteFile writes data to a temp file and renames it to the target path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}
