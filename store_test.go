package qcert

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kardianos/qcert/qdef"
	"github.com/kardianos/qcert/qmock"
	"github.com/kardianos/qcert/qremote"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// storeFixture is one adapter under test, reached through a Locator.
type storeFixture struct {
	name     string
	loc      *Locator
	scope    qdef.Scope
	store    string // Name of a store that exists once seeded.
	writable bool   // Whether the adapter accepts ReadWrite opens.

	// seed places certs in the store outside of any session under test.
	seed func(t *testing.T, certs ...*qdef.Certificate)
}

func sessionSeed(f *storeFixture) func(t *testing.T, certs ...*qdef.Certificate) {
	return func(t *testing.T, certs ...*qdef.Certificate) {
		t.Helper()
		st, err := f.loc.Store(f.store, f.scope)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		if err := st.Open(qdef.ReadWrite); err != nil {
			t.Fatalf("seed Open: %v", err)
		}
		defer st.Close()
		for _, c := range certs {
			if err := st.Add(c); err != nil {
				t.Fatalf("seed Add: %v", err)
			}
		}
	}
}

func dirFixture(t *testing.T) *storeFixture {
	loc, err := NewLocator(LocatorConfig{
		Host:         Host{OS: "linux"},
		CurrentUser:  ScopeSettings{Backend: qdef.BackendDir, Root: t.TempDir()},
		LocalMachine: ScopeSettings{Root: t.TempDir()},
		Logger:       testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	f := &storeFixture{name: "dir", loc: loc, scope: qdef.CurrentUser, store: qdef.StoreMy, writable: true}
	f.seed = sessionSeed(f)
	return f
}

func boltFixture(t *testing.T) *storeFixture {
	loc, err := NewLocator(LocatorConfig{
		Host:         Host{OS: "linux"},
		CurrentUser:  ScopeSettings{Root: t.TempDir()},
		LocalMachine: ScopeSettings{Backend: qdef.BackendBolt, Root: t.TempDir()},
		Logger:       testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	f := &storeFixture{name: "bolt", loc: loc, scope: qdef.LocalMachine, store: qdef.StoreTrustedPeople, writable: true}
	f.seed = sessionSeed(f)
	return f
}

func bundleFixture(t *testing.T) *storeFixture {
	bundle := filepath.Join(t.TempDir(), "bundle.pem")
	loc, err := NewLocator(LocatorConfig{
		Host:         Host{OS: "linux"},
		CurrentUser:  ScopeSettings{Root: t.TempDir()},
		LocalMachine: ScopeSettings{Backend: qdef.BackendBundle, Root: bundle},
		Logger:       testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	f := &storeFixture{name: "bundle", loc: loc, scope: qdef.LocalMachine, store: qdef.StoreRoot}
	f.seed = func(t *testing.T, certs ...*qdef.Certificate) {
		t.Helper()
		data, _ := os.ReadFile(bundle)
		for _, c := range certs {
			data = append(data, c.PEM()...)
		}
		if err := os.WriteFile(bundle, data, 0644); err != nil {
			t.Fatal(err)
		}
	}
	f.seed(t)
	return f
}

func memoryFixture(t *testing.T) *storeFixture {
	loc, err := NewLocator(LocatorConfig{
		Host:         Host{OS: "linux"},
		CurrentUser:  ScopeSettings{Backend: qdef.BackendMemory, Root: t.TempDir()},
		LocalMachine: ScopeSettings{Root: t.TempDir()},
		Adapters:     map[qdef.Backend]qdef.Adapter{qdef.BackendMemory: qmock.NewMemoryAdapter(qmock.Policy{})},
		Logger:       testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	f := &storeFixture{name: "memory", loc: loc, scope: qdef.CurrentUser, store: qdef.StoreMy, writable: true}
	f.seed = sessionSeed(f)
	return f
}

// remoteFixture serves a directory-backed locator over QUIC and reaches it
// through the remote backend.
func remoteFixture(t *testing.T) *storeFixture {
	served, err := NewLocator(LocatorConfig{
		Host:         Host{OS: "linux"},
		CurrentUser:  ScopeSettings{Backend: qdef.BackendDir, Root: t.TempDir()},
		LocalMachine: ScopeSettings{Root: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}

	ca := qmock.NewInMemoryCA(t, "qcert test CA")
	srv, err := qremote.NewServer(qremote.ServerConfig{
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{ca.ServerCertificate(t, "127.0.0.1")},
			ClientCAs:    ca.Pool(),
			ClientAuth:   tls.RequireAndVerifyClientCert,
		},
		Resolver: served,
		Logger:    testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Serve(ctx, pc); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Close()
		pc.Close()
	})

	remote := qremote.NewAdapter(srv.Addr().String(), &tls.Config{
		RootCAs:      ca.Pool(),
		ServerName:   "127.0.0.1",
		Certificates: []tls.Certificate{ca.ClientCertificate(t, "client.qcert.test")},
	}, 5*time.Second)
	loc, err := NewLocator(LocatorConfig{
		Host:         Host{OS: "linux"},
		CurrentUser:  ScopeSettings{Backend: qdef.BackendRemote, Root: t.TempDir()},
		LocalMachine: ScopeSettings{Backend: qdef.BackendRemote},
		Remote:       remote,
		Logger:       testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	f := &storeFixture{name: "remote", loc: loc, scope: qdef.CurrentUser, store: qdef.StoreMy, writable: true}
	f.seed = sessionSeed(f)
	return f
}

var fixtures = []func(t *testing.T) *storeFixture{
	dirFixture,
	boltFixture,
	bundleFixture,
	memoryFixture,
	remoteFixture,
}

func eachFixture(t *testing.T, fn func(t *testing.T, f *storeFixture)) {
	for _, mk := range fixtures {
		f := mk(t)
		t.Run(f.name, func(t *testing.T) {
			fn(t, f)
		})
	}
}

func (f *storeFixture) open(t *testing.T, name string, flags qdef.OpenFlags) *Store {
	t.Helper()
	st, err := f.loc.Store(name, f.scope)
	if err != nil {
		t.Fatalf("Store(%q): %v", name, err)
	}
	if err := st.Open(flags); err != nil {
		t.Fatalf("Open(%q, %v): %v", name, flags, err)
	}
	t.Cleanup(st.Close)
	return st
}

func thumbprints(t *testing.T, st *Store) []qdef.Thumbprint {
	t.Helper()
	snap, err := st.Certificates()
	if err != nil {
		t.Fatalf("Certificates: %v", err)
	}
	var list []qdef.Thumbprint
	for ref := range snap.All() {
		list = append(list, ref.Thumbprint())
	}
	return list
}

func uniqueName() string {
	return "test-" + uuid.NewString()
}

func TestReadOnlyDoesNotMutate(t *testing.T) {
	eachFixture(t, func(t *testing.T, f *storeFixture) {
		cert := qmock.GenerateCertificate(t, "read-only "+f.name, false)
		f.seed(t, cert)

		before := thumbprints(t, f.open(t, f.store, qdef.ReadOnly))
		st := f.open(t, f.store, qdef.ReadOnly)
		st.Close()
		after := thumbprints(t, f.open(t, f.store, qdef.ReadOnly))
		if len(before) != len(after) {
			t.Fatalf("store changed from %d to %d certificates", len(before), len(after))
		}
		for i := range before {
			if before[i] != after[i] {
				t.Errorf("entry %d changed", i)
			}
		}

		// A read-only open of a missing store must not create it.
		name := uniqueName()
		f.open(t, name, qdef.ReadOnly).Close()
		again, _ := f.loc.Store(name, f.scope)
		if err := again.Open(qdef.OpenExistingOnly); !errors.Is(err, qdef.ErrNotFound) {
			t.Errorf("read-only open created %q: %v", name, err)
		}
	})
}

func TestOpenExistingOnlyUnique(t *testing.T) {
	eachFixture(t, func(t *testing.T, f *storeFixture) {
		names := []string{
			uniqueName(),
			strings.Repeat("long name "+uniqueName()+" ", 4),
		}
		for _, name := range names {
			st, err := f.loc.Store(name, f.scope)
			if err != nil {
				t.Fatalf("Store: %v", err)
			}
			err = st.Open(qdef.OpenExistingOnly)
			if !errors.Is(err, qdef.ErrNotFound) {
				t.Fatalf("Open(OpenExistingOnly) of %d byte name = %v, want ErrNotFound", len(name), err)
			}
			var se *qdef.StoreError
			if !errors.As(err, &se) || se.Op != "open" || se.Kind != qdef.KindNotFound {
				t.Errorf("error %#v is not a not-found store error for open", err)
			}
			if st.State() != StateClosed {
				t.Errorf("state = %v, want closed", st.State())
			}
		}
	})
}

func TestNeverOpenedIsEmpty(t *testing.T) {
	eachFixture(t, func(t *testing.T, f *storeFixture) {
		f.seed(t, qmock.GenerateCertificate(t, "never opened", false))
		st, err := f.loc.Store(f.store, f.scope)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		snap, err := st.Certificates()
		if err != nil {
			t.Fatalf("Certificates: %v", err)
		}
		if snap.Count() != 0 {
			t.Errorf("Count = %d, want 0", snap.Count())
		}
		if st.State() != StateClosed {
			t.Error("Certificates must not open the store")
		}
	})
}

func TestReadOnlyRejectsMutation(t *testing.T) {
	eachFixture(t, func(t *testing.T, f *storeFixture) {
		present := qmock.GenerateCertificate(t, "present "+f.name, false)
		absent := qmock.GenerateCertificate(t, "absent "+f.name, false)
		f.seed(t, present)

		st := f.open(t, f.store, qdef.ReadOnly)
		snap, err := st.Certificates()
		if err != nil {
			t.Fatalf("Certificates: %v", err)
		}
		if !snap.Contains(present) {
			t.Fatal("seeded certificate not listed")
		}
		if err := st.Add(absent); !errors.Is(err, qdef.ErrAccessDenied) {
			t.Errorf("Add(absent) = %v, want ErrAccessDenied", err)
		}
		if err := st.Add(present); !errors.Is(err, qdef.ErrAccessDenied) {
			t.Errorf("Add(present) = %v, want ErrAccessDenied", err)
		}
		ref, _ := snap.Find(present.Thumbprint())
		if err := st.Remove(ref); !errors.Is(err, qdef.ErrAccessDenied) {
			t.Errorf("Remove(present) = %v, want ErrAccessDenied", err)
		}
		if after := thumbprints(t, st); len(after) != snap.Count() {
			t.Errorf("rejected writes changed the store")
		}
	})
}

func TestAddRejectsMalformed(t *testing.T) {
	eachFixture(t, func(t *testing.T, f *storeFixture) {
		if !f.writable {
			t.Skip("read-only backend")
		}
		good := qmock.GenerateCertificate(t, "good "+f.name, false)
		st := f.open(t, uniqueName(), qdef.ReadWrite)

		tests := []struct {
			name string
			cert *qdef.Certificate
		}{
			{"garbage", &qdef.Certificate{Raw: []byte("not a certificate")}},
			{"truncated", &qdef.Certificate{Raw: good.Raw[:len(good.Raw)/2]}},
			{"leaf mismatch", &qdef.Certificate{Raw: []byte("not a certificate"), Leaf: good.Leaf}},
		}
		for _, tt := range tests {
			if err := st.Add(tt.cert); !errors.Is(err, qdef.ErrInvalidArgument) {
				t.Errorf("Add(%s) = %v, want ErrInvalidArgument", tt.name, err)
			}
		}
		if got := thumbprints(t, st); len(got) != 0 {
			t.Errorf("malformed certificates were stored: %v", got)
		}
		if err := st.Add(&qdef.Certificate{Raw: good.Raw}); err != nil {
			t.Errorf("Add(raw only) = %v", err)
		}
	})
}

func TestClosedRejectsMutation(t *testing.T) {
	eachFixture(t, func(t *testing.T, f *storeFixture) {
		cert := qmock.GenerateCertificate(t, "closed "+f.name, false)
		st, err := f.loc.Store(f.store, f.scope)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		check := func(when string) {
			for op, err := range map[string]error{"Add": st.Add(cert), "Remove": st.Remove(cert)} {
				if !errors.Is(err, qdef.ErrInvalidState) {
					t.Errorf("%s %s = %v, want ErrInvalidState", op, when, err)
				}
				if k := qdef.KindOf(err); k == qdef.KindAccessDenied || k == qdef.KindAdapterFailure {
					t.Errorf("%s %s has kind %v", op, when, k)
				}
			}
		}
		check("before open")
		if err := st.Open(qdef.ReadOnly); err != nil {
			t.Fatalf("Open: %v", err)
		}
		st.Close()
		st.Close()
		check("after close")
	})
}

func TestSnapshotStable(t *testing.T) {
	eachFixture(t, func(t *testing.T, f *storeFixture) {
		f.seed(t,
			qmock.GenerateCertificate(t, "stable one", false),
			qmock.GenerateCertificate(t, "stable two", false),
		)
		st := f.open(t, f.store, qdef.ReadOnly)
		first, err := st.Certificates()
		if err != nil {
			t.Fatalf("Certificates: %v", err)
		}
		second, err := st.Certificates()
		if err != nil {
			t.Fatalf("Certificates: %v", err)
		}
		if first.Count() != second.Count() || first.Count() < 2 {
			t.Fatalf("counts %d and %d", first.Count(), second.Count())
		}
		for ref := range first.All() {
			if !second.Contains(ref) {
				t.Errorf("%s missing from second read", ref.Thumbprint())
			}
		}
	})
}

func TestStoreLifecycle(t *testing.T) {
	eachFixture(t, func(t *testing.T, f *storeFixture) {
		if !f.writable {
			t.Skip("read-only adapter")
		}
		ca := qmock.NewInMemoryCA(t, "lifecycle "+f.name)
		leaf := ca.Issue(t, "leaf.example.test", true)
		caCert := &qdef.Certificate{Raw: ca.Cert.Raw, Leaf: ca.Cert.Leaf}

		st := f.open(t, uniqueName(), qdef.ReadWrite)
		if st.Flags() != qdef.ReadWrite {
			t.Errorf("Flags = %v", st.Flags())
		}
		if err := st.Add(caCert); err != nil {
			t.Fatalf("Add(ca): %v", err)
		}
		if err := st.Add(leaf); err != nil {
			t.Fatalf("Add(leaf): %v", err)
		}
		snap, err := st.Certificates()
		if err != nil {
			t.Fatalf("Certificates: %v", err)
		}
		if snap.Count() != 2 {
			t.Fatalf("Count = %d, want 2", snap.Count())
		}
		withKey := snap.Filter(CertRef.HasPrivateKey)
		if withKey.Count() != 1 || !withKey.Contains(leaf) {
			t.Fatalf("certificates with keys: %d", withKey.Count())
		}
		noKey := snap.Filter(func(r CertRef) bool { return !r.HasPrivateKey() })
		if noKey.Count() != 1 || !noKey.Contains(caCert) {
			t.Errorf("certificates without keys: %d", noKey.Count())
		}

		ref, _ := snap.Find(leaf.Thumbprint())
		if ref.Owned() || !ref.Valid() {
			t.Errorf("snapshot ref owned=%v valid=%v", ref.Owned(), ref.Valid())
		}
		c, err := ref.Certificate()
		if err != nil || c.Leaf.Subject.CommonName != "leaf.example.test" || c.HasPrivateKey() {
			t.Errorf("Certificate = %v, %v", c, err)
		}
		key, err := st.PrivateKey(ref)
		if err != nil {
			t.Fatalf("PrivateKey: %v", err)
		}
		want, _ := qdef.MarshalKey(leaf.PrivateKey)
		got, _ := qdef.MarshalKey(key)
		if string(want) != string(got) {
			t.Error("stored key differs")
		}
		caRef, _ := snap.Find(caCert.Thumbprint())
		if _, err := st.PrivateKey(caRef); !errors.Is(err, qdef.ErrNoPrivateKey) {
			t.Errorf("PrivateKey(no key) = %v, want ErrNoPrivateKey", err)
		}

		if err := st.SetArchived(caRef, true); err != nil {
			t.Fatalf("SetArchived: %v", err)
		}
		if list := thumbprints(t, st); len(list) != 1 || list[0] != leaf.Thumbprint() {
			t.Errorf("archived certificate listed: %v", list)
		}
		if err := st.Open(qdef.ReadWrite | qdef.IncludeArchived); err != nil {
			t.Fatalf("reopen: %v", err)
		}
		all, _ := st.Certificates()
		caRef, ok := all.Find(caCert.Thumbprint())
		if all.Count() != 2 || !ok || !caRef.Archived() {
			t.Fatalf("IncludeArchived listing: %d", all.Count())
		}

		// Refs from before the reopen keep their bytes but may not mutate.
		if ref.Valid() {
			t.Error("ref from an earlier open reported valid")
		}
		if err := st.RemoveRef(ref); !errors.Is(err, qdef.ErrInvalidState) {
			t.Errorf("RemoveRef(stale) = %v, want ErrInvalidState", err)
		}
		if _, err := st.PrivateKey(ref); !errors.Is(err, qdef.ErrInvalidState) {
			t.Errorf("PrivateKey(stale) = %v, want ErrInvalidState", err)
		}
		if len(ref.Raw()) == 0 {
			t.Error("stale ref lost its bytes")
		}

		if err := st.RemoveRef(caRef); err != nil {
			t.Fatalf("RemoveRef: %v", err)
		}
		if err := st.Remove(leaf); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if list := thumbprints(t, st); len(list) != 0 {
			t.Errorf("store not empty after removes: %v", list)
		}
		st.Close()
		if st.State() != StateClosed || st.Flags() != 0 {
			t.Errorf("after Close state=%v flags=%v", st.State(), st.Flags())
		}
		if _, err := st.PrivateKey(ref); !errors.Is(err, qdef.ErrInvalidState) {
			t.Errorf("PrivateKey after Close = %v, want ErrInvalidState", err)
		}
	})
}

func TestStoreOpenFlags(t *testing.T) {
	f := memoryFixture(t)
	st, _ := f.loc.Store(f.store, f.scope)
	err := st.Open(qdef.ReadOnly | qdef.ReadWrite)
	if !errors.Is(err, qdef.ErrInvalidArgument) {
		t.Errorf("Open(ReadOnly|ReadWrite) = %v, want ErrInvalidArgument", err)
	}
	if st.State() != StateClosed {
		t.Error("invalid flags opened the store")
	}
	if err := st.Open(0); err != nil {
		t.Fatalf("Open(0): %v", err)
	}
	defer st.Close()
	if err := st.Add(qmock.GenerateCertificate(t, "default mode", false)); !errors.Is(err, qdef.ErrAccessDenied) {
		t.Errorf("default mode should be read-only, Add = %v", err)
	}
}

func TestStoreReopenReleasesHandle(t *testing.T) {
	mem := qmock.NewMemoryAdapter(qmock.Policy{})
	loc, err := NewLocator(LocatorConfig{
		CurrentUser:  ScopeSettings{Backend: qdef.BackendMemory, Root: t.TempDir()},
		LocalMachine: ScopeSettings{Backend: qdef.BackendMemory},
		Adapters:     map[qdef.Backend]qdef.Adapter{qdef.BackendMemory: mem},
		Logger:       testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	st, _ := loc.Store(qdef.StoreCA, qdef.LocalMachine)
	for range 3 {
		if err := st.Open(qdef.ReadWrite); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if n := mem.OpenHandles(); n != 1 {
			t.Fatalf("open handles = %d, want 1", n)
		}
	}

	boom := errors.New("device unplugged")
	mem.Fail("open", boom)
	err = st.Open(qdef.ReadOnly)
	if !errors.Is(err, boom) || qdef.KindOf(err) != qdef.KindAdapterFailure {
		t.Errorf("Open = %v, want adapter failure wrapping the cause", err)
	}
	if st.State() != StateClosed || mem.OpenHandles() != 0 {
		t.Errorf("failed reopen: state=%v handles=%d", st.State(), mem.OpenHandles())
	}

	if err := st.Open(qdef.ReadWrite); err != nil {
		t.Fatalf("Open: %v", err)
	}
	mem.Fail("add", boom)
	if err := st.Add(qmock.GenerateCertificate(t, "fail", false)); !errors.Is(err, boom) {
		t.Errorf("Add = %v, want injected failure", err)
	}
	mem.Fail("enumerate", boom)
	if _, err := st.Certificates(); !errors.Is(err, boom) {
		t.Errorf("Certificates = %v, want injected failure", err)
	}
	st.Close()
	if mem.OpenHandles() != 0 {
		t.Errorf("handles after Close = %d", mem.OpenHandles())
	}
}

func TestRefBelongsToStore(t *testing.T) {
	f := memoryFixture(t)
	cert := qmock.GenerateCertificate(t, "foreign", false)
	f.seed(t, cert)

	a := f.open(t, f.store, qdef.ReadWrite)
	snap, _ := a.Certificates()
	ref, _ := snap.Find(cert.Thumbprint())

	b := f.open(t, qdef.StoreTrustedPeople, qdef.ReadWrite)
	if err := b.RemoveRef(ref); !errors.Is(err, qdef.ErrInvalidArgument) {
		t.Errorf("RemoveRef(foreign) = %v, want ErrInvalidArgument", err)
	}
	if err := b.RemoveRef(CertRef{}); !errors.Is(err, qdef.ErrInvalidArgument) {
		t.Errorf("RemoveRef(zero) = %v, want ErrInvalidArgument", err)
	}
	owned := RefOf(cert)
	if !owned.Owned() || !owned.Valid() || !snap.Contains(owned) {
		t.Errorf("owned ref: owned=%v valid=%v", owned.Owned(), owned.Valid())
	}
	if err := b.RemoveRef(owned); err != nil {
		t.Errorf("RemoveRef(owned, absent) = %v", err)
	}
	if err := a.Remove(owned); err != nil {
		t.Fatalf("Remove(owned): %v", err)
	}
	if snap.Count() != 1 {
		t.Error("snapshot changed after mutation")
	}
	if fresh, _ := a.Certificates(); fresh.Count() != 0 {
		t.Errorf("fresh snapshot count = %d", fresh.Count())
	}

	var none *qdef.Certificate
	if snap.Contains(none) {
		t.Error("Contains(typed nil) = true")
	}
	if !RefOf(none).IsZero() {
		t.Error("RefOf(nil) is not the zero ref")
	}
	if err := a.Remove(none); !errors.Is(err, qdef.ErrInvalidArgument) {
		t.Errorf("Remove(typed nil) = %v, want ErrInvalidArgument", err)
	}
}

func TestSnapshotCertificates(t *testing.T) {
	f := dirFixture(t)
	certs := []*qdef.Certificate{
		qmock.GenerateCertificate(t, "a", false),
		qmock.GenerateCertificate(t, "b", true),
	}
	f.seed(t, certs...)
	st := f.open(t, f.store, qdef.ReadOnly)
	snap, _ := st.Certificates()
	list, err := snap.Certificates()
	if err != nil {
		t.Fatalf("Certificates: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("parsed %d certificates", len(list))
	}
	for _, c := range list {
		if !snap.Contains(c) || c.PrivateKey != nil {
			t.Errorf("unexpected certificate %s", c.Thumbprint())
		}
	}
	ref, _ := snap.Find(certs[0].Thumbprint())
	c1, _ := ref.Certificate()
	c2, _ := ref.Certificate()
	if c1 != c2 {
		t.Error("certificate parse not cached")
	}
	n := 0
	for range snap.All() {
		n++
		break
	}
	for range snap.All() {
		n++
	}
	if n != 3 {
		t.Errorf("iteration visited %d entries", n)
	}
	if snap.Contains(nil) {
		t.Error("Contains(nil)")
	}
	if _, ok := snap.Find(qdef.Thumbprint{}); ok {
		t.Error("Find(zero) found an entry")
	}

	st.Close()
	second, _ := snap.Find(certs[1].Thumbprint())
	if second.Valid() || snap.Count() != 2 {
		t.Errorf("after Close: valid=%v count=%d", second.Valid(), snap.Count())
	}
	if c, err := second.Certificate(); err != nil || c.Thumbprint() != certs[1].Thumbprint() {
		t.Errorf("Certificate after Close = %v", err)
	}
}
