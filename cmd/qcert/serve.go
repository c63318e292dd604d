package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kardianos/qcert/qremote"
)

// ServeOptions overrides the [serve] section of the configuration.
type ServeOptions struct {
	Addr     string
	ReadOnly bool
}

func newServeCmd() *cobra.Command {
	opts := &ServeOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the stores of this host over QUIC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				e.cfg.Serve.Addr = opts.Addr
			}
			if cmd.Flags().Changed("read-only") {
				e.cfg.Serve.ReadOnly = opts.ReadOnly
			}
			return runServe(ctx, e, nil)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "UDP address to listen on (default from config, :4433)")
	cmd.Flags().BoolVar(&opts.ReadOnly, "read-only", false, "Refuse every write")
	return cmd
}

// runServe serves until ctx is done. If ready is not nil it receives the
// listening address once the server accepts connections.
func runServe(ctx context.Context, e *env, ready chan<- string) error {
	tlsConf, err := e.cfg.ServerTLS()
	if err != nil {
		return err
	}
	srv, err := qremote.NewServer(qremote.ServerConfig{
		TLSConfig: tlsConf,
		Resolver:  e.loc,
		ReadOnly:  e.cfg.Serve.ReadOnly,
		Logger:    e.log,
	})
	if err != nil {
		return err
	}
	if err := srv.ListenAndServe(ctx, e.cfg.Serve.Addr); err != nil {
		return err
	}
	defer srv.Close()

	if ready != nil {
		ready <- srv.Addr().String()
	}
	<-ctx.Done()
	return nil
}
