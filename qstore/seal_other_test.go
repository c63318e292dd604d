//go:build !windows

package qstore

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealFormat(t *testing.T) {
	plain := []byte("pkcs8 key bytes")
	sealed, err := sealKey(plain)
	if err != nil {
		t.Fatalf("sealKey: %v", err)
	}
	if sealed[0] != sealVersion {
		t.Errorf("version byte = %d, want %d", sealed[0], sealVersion)
	}
	other, _ := sealKey(plain)
	if bytes.Equal(sealed[1:sealHeader], other[1:sealHeader]) {
		t.Error("two seals share a nonce")
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"unknown version", func(b []byte) []byte { b[0] = sealVersion + 1; return b }},
		{"nonce", func(b []byte) []byte { b[1] ^= 0x01; return b }},
		{"truncated", func(b []byte) []byte { return b[:sealHeader] }},
		{"empty", func([]byte) []byte { return nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := openKey(tt.mutate(bytes.Clone(sealed))); !errors.Is(err, errUnsealed) {
				t.Errorf("openKey = %v, want errUnsealed", err)
			}
		})
	}

	got, err := openKey(sealed)
	if err != nil || !bytes.Equal(got, plain) {
		t.Errorf("openKey = %q, %v", got, err)
	}
}
