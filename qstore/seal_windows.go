//go:build windows

package qstore

import (
	"github.com/billgraziano/dpapi"
)

// sealKey seals a PKCS#8 private key with Windows DPAPI for the current user.
func sealKey(plaintext []byte) ([]byte, error) {
	return dpapi.EncryptBytes(plaintext)
}

// openKey reverses sealKey.
func openKey(sealed []byte) ([]byte, error) {
	return dpapi.DecryptBytes(sealed)
}
