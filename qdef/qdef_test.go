package qdef

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
)

func TestOpenFlagsValidate(t *testing.T) {
	tests := []struct {
		name    string
		flags   OpenFlags
		wantErr bool
	}{
		{"zero defaults to read-only", 0, false},
		{"read-only", ReadOnly, false},
		{"read-write", ReadWrite, false},
		{"existing and archived", ReadWrite | OpenExistingOnly | IncludeArchived, false},
		{"both modes", ReadOnly | ReadWrite, true},
		{"unknown bit", OpenFlags(1 << 10), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flags.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && KindOf(err) != KindInvalidArgument {
				t.Errorf("expected invalid argument, got %v", KindOf(err))
			}
		})
	}
}

func TestOpenFlagsModes(t *testing.T) {
	if OpenFlags(0).Writable() {
		t.Error("zero flags should be read-only")
	}
	if !ReadWrite.Writable() {
		t.Error("ReadWrite should be writable")
	}
	if got := (ReadWrite | IncludeArchived).String(); got != "ReadWrite|IncludeArchived" {
		t.Errorf("String() = %q", got)
	}
	if got := OpenFlags(0).String(); got != "ReadOnly" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in   string
		want Scope
	}{
		{"CurrentUser", CurrentUser},
		{"user", CurrentUser},
		{"CU", CurrentUser},
		{"LocalMachine", LocalMachine},
		{"machine", LocalMachine},
		{"lm", LocalMachine},
	}
	for _, tt := range tests {
		got, err := ParseScope(tt.in)
		if err != nil {
			t.Errorf("ParseScope(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseScope(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseScope("galaxy"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}
}

func TestStoreErrorClassification(t *testing.T) {
	cause := fs.ErrPermission
	err := &StoreError{Op: "add", Store: `CurrentUser\My`, Kind: KindAccessDenied, Err: cause}

	if !errors.Is(err, ErrAccessDenied) {
		t.Error("expected errors.Is to match the kind sentinel")
	}
	if !errors.Is(err, fs.ErrPermission) {
		t.Error("expected errors.Is to reach the cause")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("unexpected match on another kind")
	}
	if !strings.Contains(err.Error(), `add CurrentUser\My: access denied`) {
		t.Errorf("unexpected message %q", err.Error())
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != KindAccessDenied {
		t.Errorf("KindOf(wrapped) = %v", KindOf(wrapped))
	}
	if KindOf(errors.New("boom")) != KindAdapterFailure {
		t.Error("plain errors should classify as adapter failures")
	}
	if KindOf(nil) != KindNone {
		t.Error("nil should classify as none")
	}
}

func TestWrapKeepsKind(t *testing.T) {
	inner := NewError(KindNotFound, "open", fs.ErrNotExist)
	err := Wrap(inner, "remove", `LocalMachine\Root`)

	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StoreError, got %T", err)
	}
	if se.Op != "remove" || se.Kind != KindNotFound || se.Store != `LocalMachine\Root` {
		t.Errorf("unexpected wrapped error %+v", se)
	}
	if inner.(*StoreError).Op != "open" {
		t.Error("Wrap must not modify the original error")
	}
	if Wrap(nil, "x", "y") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if KindOf(Wrap(errors.New("io"), "add", "")) != KindAdapterFailure {
		t.Error("foreign errors should wrap as adapter failures")
	}
}

func TestCheckWritable(t *testing.T) {
	if err := CheckWritable(ReadWrite, "add"); err != nil {
		t.Errorf("CheckWritable(ReadWrite): %v", err)
	}
	err := CheckWritable(ReadOnly|OpenExistingOnly, "add")
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("expected access denied, got %v", err)
	}
}

func TestParseBackend(t *testing.T) {
	for _, s := range []string{"dir", "BOLT", " bundle ", "system", "registry", "remote", "memory"} {
		if _, err := ParseBackend(s); err != nil {
			t.Errorf("ParseBackend(%q): %v", s, err)
		}
	}
	if _, err := ParseBackend("floppy"); err == nil {
		t.Error("expected error for unknown backend")
	}
}
