package qcert

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/kardianos/qcert/qdef"
	"github.com/kardianos/qcert/qmock"
	"github.com/kardianos/qcert/qremote"
)

func newTestLocator(t *testing.T, goos string) *Locator {
	t.Helper()
	loc, err := NewLocator(LocatorConfig{
		Host:         Host{OS: goos},
		CurrentUser:  ScopeSettings{Root: filepath.Join(t.TempDir(), "user")},
		LocalMachine: ScopeSettings{Root: filepath.Join(t.TempDir(), "machine")},
	})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	return loc
}

func TestSelectBackend(t *testing.T) {
	tests := []struct {
		goos  string
		scope qdef.Scope
		name  string
		want  qdef.Backend
	}{
		{"windows", qdef.CurrentUser, qdef.StoreMy, qdef.BackendSystem},
		{"windows", qdef.LocalMachine, qdef.StoreRoot, qdef.BackendSystem},
		{"darwin", qdef.LocalMachine, qdef.StoreRoot, qdef.BackendBundle},
		{"darwin", qdef.LocalMachine, qdef.StoreCA, qdef.BackendBolt},
		{"linux", qdef.LocalMachine, "root", qdef.BackendBundle},
		{"linux", qdef.LocalMachine, qdef.StoreCA, qdef.BackendBundle},
		{"freebsd", qdef.LocalMachine, qdef.StoreMy, qdef.BackendBolt},
		{"linux", qdef.CurrentUser, qdef.StoreRoot, qdef.BackendDir},
		{"darwin", qdef.CurrentUser, qdef.StoreMy, qdef.BackendDir},
		{"linux", qdef.LocalMachine, "no such store", qdef.BackendBolt},
	}
	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.scope.String()+"/"+tt.name, func(t *testing.T) {
			loc := newTestLocator(t, tt.goos)
			id, err := loc.Resolve(tt.name, tt.scope)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if id.Backend != tt.want {
				t.Errorf("backend = %q, want %q", id.Backend, tt.want)
			}
			if id.Name != tt.name || id.Scope != tt.scope {
				t.Errorf("identity %+v does not keep the request", id)
			}
		})
	}
}

func TestResolveInvalid(t *testing.T) {
	loc := newTestLocator(t, "linux")
	tests := []struct {
		name  string
		scope qdef.Scope
	}{
		{"", qdef.CurrentUser},
		{"", qdef.LocalMachine},
		{qdef.StoreMy, 0},
		{qdef.StoreMy, 7},
	}
	for _, tt := range tests {
		_, err := loc.Resolve(tt.name, tt.scope)
		if !errors.Is(err, qdef.ErrInvalidArgument) {
			t.Errorf("Resolve(%q, %d) = %v, want ErrInvalidArgument", tt.name, tt.scope, err)
		}
		if _, err := loc.Store(tt.name, tt.scope); !errors.Is(err, qdef.ErrInvalidArgument) {
			t.Errorf("Store(%q, %d) = %v, want ErrInvalidArgument", tt.name, tt.scope, err)
		}
	}
}

func TestResolveWhitespaceName(t *testing.T) {
	loc := newTestLocator(t, "linux")
	blank, err := loc.Resolve("   ", qdef.CurrentUser)
	if err != nil {
		t.Fatalf("Resolve(whitespace): %v", err)
	}
	if blank.Name != "   " {
		t.Errorf("name = %q, want it unchanged", blank.Name)
	}
	padded, err := loc.Resolve(" My ", qdef.CurrentUser)
	if err != nil {
		t.Fatalf("Resolve(padded): %v", err)
	}
	my, _ := loc.Resolve(qdef.StoreMy, qdef.CurrentUser)
	if padded.Location == my.Location || blank.Location == my.Location {
		t.Errorf("padded names share a location with %q: %q, %q", my.Location, padded.Location, blank.Location)
	}
}

func TestResolveLocations(t *testing.T) {
	userRoot := t.TempDir()
	machineRoot := t.TempDir()
	remote := qremote.NewAdapter("certs.example.net:4433", nil, 0)
	loc, err := NewLocator(LocatorConfig{
		App:          "acme",
		Host:         Host{OS: "linux"},
		CurrentUser:  ScopeSettings{Root: userRoot},
		LocalMachine: ScopeSettings{Root: machineRoot},
		Remote:       remote,
	})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}

	id, _ := loc.Resolve("TrustedPeople", qdef.CurrentUser)
	if want := filepath.Join(userRoot, "trustedpeople"); id.Location != want {
		t.Errorf("dir location = %q, want %q", id.Location, want)
	}
	id, _ = loc.Resolve("../../etc", qdef.CurrentUser)
	if filepath.Dir(id.Location) != userRoot || strings.Contains(filepath.Base(id.Location), "..") {
		t.Errorf("name escaped its root: %q", id.Location)
	}
	id, _ = loc.Resolve(qdef.StoreMy, qdef.LocalMachine)
	if want := filepath.Join(machineRoot, "stores.db"); id.Location != want {
		t.Errorf("bolt location = %q, want %q", id.Location, want)
	}

	reg, err := NewLocator(LocatorConfig{
		App:          "acme",
		Host:         Host{OS: "windows"},
		CurrentUser:  ScopeSettings{Backend: qdef.BackendRegistry, Root: userRoot},
		LocalMachine: ScopeSettings{Backend: qdef.BackendRemote},
		Remote:       remote,
	})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	id, _ = reg.Resolve(qdef.StoreMy, qdef.LocalMachine)
	if id.Backend != qdef.BackendRemote || id.Location != remote.Addr {
		t.Errorf("remote identity = %+v", id)
	}
	id, _ = reg.Resolve(qdef.StoreMy, qdef.CurrentUser)
	if id.Location != userRoot+`\my` {
		t.Errorf("registry location = %q", id.Location)
	}

	sys, _ := NewLocator(LocatorConfig{App: "acme", Host: Host{OS: "windows"}, CurrentUser: ScopeSettings{Root: userRoot}})
	id, _ = sys.Resolve(qdef.StoreAuthRoot, qdef.LocalMachine)
	if id.Location != qdef.StoreAuthRoot {
		t.Errorf("system location = %q", id.Location)
	}
	sys, _ = NewLocator(LocatorConfig{App: "acme", CurrentUser: ScopeSettings{Root: userRoot}, LocalMachine: ScopeSettings{Backend: qdef.BackendRegistry}})
	id, _ = sys.Resolve(qdef.StoreMy, qdef.LocalMachine)
	if id.Location != `SOFTWARE\acme\Stores\my` {
		t.Errorf("default registry location = %q", id.Location)
	}
}

func TestNewLocatorAppName(t *testing.T) {
	for _, app := range []string{"../x", "-lead", strings.Repeat("a", 65), `a\b`} {
		if _, err := NewLocator(LocatorConfig{App: app}); !errors.Is(err, qdef.ErrInvalidArgument) {
			t.Errorf("NewLocator(%q) = %v, want ErrInvalidArgument", app, err)
		}
	}
}

func TestLocatorAdapters(t *testing.T) {
	mem := qmock.NewMemoryAdapter(qmock.Policy{})
	loc, err := NewLocator(LocatorConfig{
		Host:         Host{OS: "linux"},
		CurrentUser:  ScopeSettings{Backend: qdef.BackendMemory},
		LocalMachine: ScopeSettings{Root: t.TempDir()},
		Adapters:     map[qdef.Backend]qdef.Adapter{qdef.BackendMemory: mem},
	})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}

	id, _ := loc.Resolve(qdef.StoreMy, qdef.CurrentUser)
	a, err := loc.Adapter(id)
	if err != nil || a != qdef.Adapter(mem) {
		t.Fatalf("Adapter(memory) = %v, %v", a, err)
	}
	id, _ = loc.Resolve(qdef.StoreMy, qdef.LocalMachine)
	a1, err := loc.Adapter(id)
	if err != nil {
		t.Fatalf("Adapter(bolt): %v", err)
	}
	a2, _ := loc.Adapter(id)
	if a1 != a2 {
		t.Error("adapters should be shared between calls")
	}

	if _, err := loc.Adapter(qdef.Identity{Name: "x", Scope: qdef.CurrentUser, Backend: qdef.BackendRemote}); !errors.Is(err, qdef.ErrAdapterFailure) {
		t.Errorf("Adapter(remote, unconfigured) = %v, want ErrAdapterFailure", err)
	}
	if _, err := loc.Adapter(qdef.Identity{Name: "x", Scope: qdef.CurrentUser, Backend: "tape"}); !errors.Is(err, qdef.ErrInvalidArgument) {
		t.Errorf("Adapter(unknown) = %v, want ErrInvalidArgument", err)
	}
}

func TestUnsupportedBackend(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("system store is available on windows")
	}
	loc := newTestLocator(t, "windows")
	st, err := loc.Store(qdef.StoreRoot, qdef.LocalMachine)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	err = st.Open(qdef.ReadOnly)
	if !errors.Is(err, qdef.ErrUnsupported) || qdef.KindOf(err) != qdef.KindAdapterFailure {
		t.Errorf("Open = %v, want adapter failure wrapping ErrUnsupported", err)
	}
	if st.State() != StateClosed {
		t.Errorf("state after failed open = %v", st.State())
	}
}
