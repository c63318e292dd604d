//go:build !windows

package qstore

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// sealVersion leads every sealed key. Each version seals with its own
// derived key.
const sealVersion byte = 1

const sealHeader = 1 + 24 // Version, nonce.

var errUnsealed = errors.New("sealed key is damaged or was sealed elsewhere")

// sealMaster is compiled into every build. It keeps private keys out of plain
// text on disk; it does not protect them from anyone holding the binary.
var sealMaster = []byte{
	0x4e, 0xa1, 0x07, 0xd3, 0x92, 0x5c, 0xe8, 0x31,
	0xbf, 0x6a, 0x20, 0x9d, 0x74, 0xc5, 0x18, 0xf2,
	0x63, 0x0b, 0xda, 0x47, 0x8e, 0x25, 0xb1, 0x7c,
	0x3a, 0xf9, 0x56, 0x02, 0xcd, 0x81, 0x1e, 0x9b,
}

func boxKey(version byte) (*[32]byte, error) {
	key := new([32]byte)
	r := hkdf.New(sha256.New, sealMaster, nil, []byte{'q', 'c', 'e', 'r', 't', ' ', 'k', 'e', 'y', version})
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	return key, nil
}

// sealKey seals a PKCS#8 private key as version, nonce, box.
func sealKey(plaintext []byte) ([]byte, error) {
	key, err := boxKey(sealVersion)
	if err != nil {
		return nil, err
	}
	out := make([]byte, sealHeader, sealHeader+len(plaintext)+secretbox.Overhead)
	out[0] = sealVersion
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("seal key nonce: %w", err)
	}
	copy(out[1:], nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, key), nil
}

func openKey(sealed []byte) ([]byte, error) {
	if len(sealed) < sealHeader+secretbox.Overhead {
		return nil, errUnsealed
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("sealed key version %d: %w", sealed[0], errUnsealed)
	}
	key, err := boxKey(sealed[0])
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], sealed[1:sealHeader])
	plaintext, ok := secretbox.Open(nil, sealed[sealHeader:], &nonce, key)
	if !ok {
		return nil, errUnsealed
	}
	return plaintext, nil
}
