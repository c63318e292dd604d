// Package qcert opens certificate stores through one contract regardless of
// how the host keeps them.
//
// A Locator maps a store name and scope onto a concrete store identity and
// the adapter that serves it. A Store is a session over one store:
//
//	loc, err := qcert.NewLocator(qcert.LocatorConfig{})
//	...
//	st, err := loc.Store(qdef.StoreMy, qdef.CurrentUser)
//	...
//	if err := st.Open(qdef.ReadOnly); err != nil {
//		...
//	}
//	defer st.Close()
//	snap, err := st.Certificates()
//
// The adapter is chosen from the host profile at resolve time, so a Locator
// configured for one host can be exercised on another.
package qcert

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/kardianos/qcert/qdef"
	"github.com/kardianos/qcert/qremote"
	"github.com/kardianos/qcert/qstore"
)

// Host is the runtime profile used for backend selection.
type Host struct {
	OS string // GOOS value; empty means runtime.GOOS.
}

// ScopeSettings overrides backend selection for one scope.
type ScopeSettings struct {
	Backend qdef.Backend // Empty selects by host profile.
	Root    string       // Root location; empty uses the host default.
}

// LocatorConfig configures a Locator.
type LocatorConfig struct {
	App          string // Application name used in default locations. Defaults to "qcert".
	Host         Host
	CurrentUser  ScopeSettings
	LocalMachine ScopeSettings

	// Remote serves the remote backend. Its address is used as the
	// identity location.
	Remote *qremote.Adapter

	// Adapters replaces the adapter of a backend, such as an in-memory
	// adapter for the memory backend.
	Adapters map[qdef.Backend]qdef.Adapter

	Logger *slog.Logger
}

// Locator resolves store names and hands out the shared adapters.
// It is safe for concurrent use.
type Locator struct {
	app          string
	goos         string
	userRoot     string
	machineRoot  string
	currentUser  ScopeSettings
	localMachine ScopeSettings
	remote       *qremote.Adapter
	log          *slog.Logger

	mu       sync.Mutex
	adapters map[qdef.Backend]qdef.Adapter
}

var _ qremote.Resolver = (*Locator)(nil)

// NewLocator returns a locator for cfg.
func NewLocator(cfg LocatorConfig) (*Locator, error) {
	app := cfg.App
	if app == "" {
		app = "qcert"
	}
	if err := validateAppName(app); err != nil {
		return nil, qdef.NewError(qdef.KindInvalidArgument, "new locator", err)
	}
	goos := cfg.Host.OS
	if goos == "" {
		goos = runtime.GOOS
	}
	l := &Locator{
		app:          app,
		goos:         goos,
		currentUser:  cfg.CurrentUser,
		localMachine: cfg.LocalMachine,
		remote:       cfg.Remote,
		log:          cfg.Logger,
		adapters:     make(map[qdef.Backend]qdef.Adapter, len(cfg.Adapters)),
	}
	if l.log == nil {
		l.log = slog.New(slog.DiscardHandler)
	}
	for b, a := range cfg.Adapters {
		l.adapters[b] = a
	}

	l.userRoot = cfg.CurrentUser.Root
	if l.userRoot == "" {
		root, err := defaultUserRoot(app)
		if err != nil {
			return nil, qdef.NewError(qdef.KindAdapterFailure, "new locator", fmt.Errorf("user store root: %w", err))
		}
		l.userRoot = root
	}
	l.machineRoot = cfg.LocalMachine.Root
	if l.machineRoot == "" {
		l.machineRoot = defaultMachineRoot(app)
	}
	return l, nil
}

func (l *Locator) scope(s qdef.Scope) (ScopeSettings, string) {
	if s == qdef.LocalMachine {
		return l.localMachine, l.machineRoot
	}
	return l.currentUser, l.userRoot
}

// Resolve maps a store name and scope onto an identity. It does no I/O and
// fails only for an empty name or unknown scope; whether the store exists is
// found out when it is opened.
func (l *Locator) Resolve(name string, scope qdef.Scope) (qdef.Identity, error) {
	if name == "" {
		return qdef.Identity{}, qdef.Errorf(qdef.KindInvalidArgument, "resolve", "store name is empty")
	}
	if !scope.Valid() {
		return qdef.Identity{}, qdef.Errorf(qdef.KindInvalidArgument, "resolve", "unknown scope %d", int(scope))
	}
	settings, root := l.scope(scope)
	backend := settings.Backend
	if backend == "" {
		backend = selectBackend(l.goos, scope, name)
	}

	id := qdef.Identity{Name: name, Scope: scope, Backend: backend}
	switch backend {
	case qdef.BackendDir:
		id.Location = filepath.Join(root, qstore.StoreKey(name))
	case qdef.BackendBolt:
		id.Location = filepath.Join(root, "stores.db")
	case qdef.BackendBundle:
		// Empty uses the system bundle of the host.
		id.Location = settings.Root
	case qdef.BackendSystem:
		id.Location = name
	case qdef.BackendRegistry:
		base := settings.Root
		if base == "" {
			base = `SOFTWARE\` + l.app + `\Stores`
		}
		id.Location = base + `\` + qstore.StoreKey(name)
	case qdef.BackendRemote:
		if l.remote != nil {
			id.Location = l.remote.Addr
		}
	}
	return id, nil
}

// selectBackend picks the backend that holds a store on a host.
func selectBackend(goos string, scope qdef.Scope, name string) qdef.Backend {
	if goos == "windows" {
		return qdef.BackendSystem
	}
	if scope == qdef.CurrentUser {
		return qdef.BackendDir
	}
	root := strings.EqualFold(name, qdef.StoreRoot)
	ca := strings.EqualFold(name, qdef.StoreCA)
	switch {
	case goos == "darwin" && root:
		return qdef.BackendBundle
	case goos != "darwin" && (root || ca):
		return qdef.BackendBundle
	}
	return qdef.BackendBolt
}

// Adapter returns the adapter for the backend of id. Adapters are created on
// first use and shared by every store of the locator.
func (l *Locator) Adapter(id qdef.Identity) (qdef.Adapter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.adapters[id.Backend]; ok {
		return a, nil
	}

	var a qdef.Adapter
	switch id.Backend {
	case qdef.BackendDir:
		a = qstore.NewDirAdapter()
	case qdef.BackendBolt:
		a = qstore.NewBoltAdapter()
	case qdef.BackendBundle:
		a = qstore.NewBundleAdapter(l.goos)
	case qdef.BackendSystem, qdef.BackendRegistry:
		pa, err := qstore.Platform(id.Backend)
		if err != nil {
			return nil, qdef.Wrap(err, "open", id.String())
		}
		a = pa
	case qdef.BackendRemote:
		if l.remote == nil {
			return nil, qdef.Errorf(qdef.KindAdapterFailure, "open", "store %s: remote backend has no server configured", id)
		}
		a = l.remote
	case qdef.BackendMemory:
		return nil, qdef.Errorf(qdef.KindAdapterFailure, "open", "store %s: memory backend has no adapter configured", id)
	default:
		return nil, qdef.Errorf(qdef.KindInvalidArgument, "open", "store %s: unknown backend %q", id, id.Backend)
	}
	l.adapters[id.Backend] = a
	return a, nil
}

// Store resolves name and scope and returns a closed session for the store.
func (l *Locator) Store(name string, scope qdef.Scope) (*Store, error) {
	id, err := l.Resolve(name, scope)
	if err != nil {
		return nil, err
	}
	return newStore(l, id), nil
}
