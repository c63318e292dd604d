package qcert

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/kardianos/qcert/qdef"
	"github.com/kardianos/qcert/qremote"
)

// Config is the file form of a Locator configuration.
//
//	app = "qcert"
//
//	[host]
//	os = "linux"
//
//	[current_user]
//	backend = "dir"
//	path = "~/.config/qcert/stores"
//
//	[local_machine]
//	backend = "remote"
//
//	[remote]
//	addr = "certs.example.net:4433"
//	ca_file = "/etc/qcert/ca.pem"
//	timeout = "5s"
type Config struct {
	App          string       `toml:"app"`
	Host         HostConfig   `toml:"host"`
	CurrentUser  ScopeConfig  `toml:"current_user"`
	LocalMachine ScopeConfig  `toml:"local_machine"`
	Remote       RemoteConfig `toml:"remote"`
	Serve        ServeConfig  `toml:"serve"`
}

type HostConfig struct {
	OS string `toml:"os"`
}

// ScopeConfig overrides backend selection for one scope. Empty fields keep
// the host defaults.
type ScopeConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// RemoteConfig describes the server used by the remote backend.
type RemoteConfig struct {
	Addr       string `toml:"addr"`
	CAFile     string `toml:"ca_file"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	ServerName string `toml:"server_name"`
	Timeout    string `toml:"timeout"`
}

// ServeConfig configures "qcert serve".
type ServeConfig struct {
	Addr         string `toml:"addr"`
	CertFile     string `toml:"cert_file"`
	KeyFile      string `toml:"key_file"`
	ClientCAFile string `toml:"client_ca_file"`
	ReadOnly     bool   `toml:"read_only"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		App:    "qcert",
		Host:   HostConfig{OS: runtime.GOOS},
		Remote: RemoteConfig{Timeout: qremote.DefaultTimeout.String()},
		Serve:  ServeConfig{Addr: ":4433"},
	}
}

// LoadConfig reads a TOML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks names and values without touching the filesystem.
func (c *Config) Validate() error {
	if err := validateAppName(c.App); err != nil {
		return err
	}
	remote := false
	for _, sc := range []ScopeConfig{c.CurrentUser, c.LocalMachine} {
		if sc.Backend == "" {
			continue
		}
		b, err := qdef.ParseBackend(sc.Backend)
		if err != nil {
			return err
		}
		remote = remote || b == qdef.BackendRemote
	}
	if remote && c.Remote.Addr == "" {
		return fmt.Errorf("remote backend selected but remote.addr is empty")
	}
	if c.Remote.Timeout != "" {
		if _, err := time.ParseDuration(c.Remote.Timeout); err != nil {
			return fmt.Errorf("remote.timeout: %w", err)
		}
	}
	if (c.Remote.CertFile == "") != (c.Remote.KeyFile == "") {
		return fmt.Errorf("remote.cert_file and remote.key_file must be set together")
	}
	return nil
}

// LocatorConfig converts c into the settings of a Locator.
func (c *Config) LocatorConfig(log *slog.Logger) (LocatorConfig, error) {
	if err := c.Validate(); err != nil {
		return LocatorConfig{}, err
	}
	lc := LocatorConfig{
		App:    c.App,
		Host:   Host{OS: c.Host.OS},
		Logger: log,
	}
	var err error
	if lc.CurrentUser, err = c.CurrentUser.settings(); err != nil {
		return LocatorConfig{}, err
	}
	if lc.LocalMachine, err = c.LocalMachine.settings(); err != nil {
		return LocatorConfig{}, err
	}
	if c.Remote.Addr != "" {
		tlsConf, err := c.Remote.tlsConfig()
		if err != nil {
			return LocatorConfig{}, err
		}
		timeout, _ := time.ParseDuration(c.Remote.Timeout)
		lc.Remote = qremote.NewAdapter(c.Remote.Addr, tlsConf, timeout)
	}
	return lc, nil
}

func (sc ScopeConfig) settings() (ScopeSettings, error) {
	var s ScopeSettings
	if sc.Backend != "" {
		b, err := qdef.ParseBackend(sc.Backend)
		if err != nil {
			return s, err
		}
		s.Backend = b
	}
	if sc.Path != "" {
		s.Root = expandPath(sc.Path)
	}
	return s, nil
}

func (rc RemoteConfig) tlsConfig() (*tls.Config, error) {
	conf := &tls.Config{ServerName: rc.ServerName}
	if rc.CAFile != "" {
		pool, err := loadPool(rc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("remote.ca_file: %w", err)
		}
		conf.RootCAs = pool
	}
	if rc.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(expandPath(rc.CertFile), expandPath(rc.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("remote client certificate: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

// ServerTLS returns the TLS configuration of "qcert serve". A client CA file
// makes client certificates mandatory.
func (c *Config) ServerTLS() (*tls.Config, error) {
	if c.Serve.CertFile == "" || c.Serve.KeyFile == "" {
		return nil, fmt.Errorf("serve.cert_file and serve.key_file are required")
	}
	cert, err := tls.LoadX509KeyPair(expandPath(c.Serve.CertFile), expandPath(c.Serve.KeyFile))
	if err != nil {
		return nil, fmt.Errorf("server certificate: %w", err)
	}
	conf := &tls.Config{Certificates: []tls.Certificate{cert}}
	if c.Serve.ClientCAFile != "" {
		pool, err := loadPool(c.Serve.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("serve.client_ca_file: %w", err)
		}
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		return nil, err
	}
	certs := qdef.ParseBundlePEM(data)
	if len(certs) == 0 {
		return nil, qdef.ErrDecodeCert
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c.Leaf)
	}
	return pool, nil
}

// expandPath expands ~ and environment variables in a path.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return os.Expand(path, os.Getenv)
}

// validAppNameRegex matches valid application names.
// Only alphanumeric characters, hyphens, and underscores are allowed.
// Must start with an alphanumeric character and be 1-64 characters long.
var validAppNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// validateAppName keeps the app name safe for use in paths and registry keys.
func validateAppName(appName string) error {
	if appName == "" {
		return fmt.Errorf("app name cannot be empty")
	}
	if !validAppNameRegex.MatchString(appName) {
		return fmt.Errorf("invalid app name %q: must contain only alphanumeric characters, hyphens, and underscores, start with alphanumeric, and be 1-64 characters", appName)
	}
	return nil
}
