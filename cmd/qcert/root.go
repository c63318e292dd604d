package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kardianos/qcert"
	"github.com/kardianos/qcert/qdef"
)

var (
	flagConfig  string
	flagScope   string
	flagStore   string
	flagVerbose bool
	flagLogJSON bool
)

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "qcert",
		Short:        "Certificate store tool",
		Long:         "qcert lists, adds, removes and exports certificates in the stores of this host, and serves them to other hosts over QUIC.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a TOML configuration file")
	cmd.PersistentFlags().StringVar(&flagScope, "scope", "user", "Store scope: user or machine")
	cmd.PersistentFlags().StringVar(&flagStore, "store", qdef.StoreMy, "Store name")
	cmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Show debug log output")
	cmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Write log output as JSON")

	cmd.AddCommand(newVersionCmd(version))
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newArchiveCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print qcert version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "qcert", version)
		},
	}
}

func Execute(version string) error {
	return newRootCmd(version).Execute()
}

// env is the state shared by the store commands.
type env struct {
	cfg   *qcert.Config
	log   *slog.Logger
	loc   *qcert.Locator
	scope qdef.Scope
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if flagLogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func setup(cmd *cobra.Command) (*env, error) {
	cfg := qcert.Defaults()
	if flagConfig != "" {
		var err error
		if cfg, err = qcert.LoadConfig(flagConfig); err != nil {
			return nil, err
		}
	}
	scope, err := qdef.ParseScope(flagScope)
	if err != nil {
		return nil, err
	}
	log := newLogger(cmd.ErrOrStderr())
	lc, err := cfg.LocatorConfig(log)
	if err != nil {
		return nil, err
	}
	loc, err := qcert.NewLocator(lc)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, loc: loc, scope: scope}, nil
}

// open opens the store named by the --store and --scope flags.
func (e *env) open(flags qdef.OpenFlags) (*qcert.Store, error) {
	st, err := e.loc.Store(flagStore, e.scope)
	if err != nil {
		return nil, err
	}
	if err := st.Open(flags); err != nil {
		return nil, err
	}
	return st, nil
}
