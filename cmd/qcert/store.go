package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/kardianos/qcert"
	"github.com/kardianos/qcert/qdef"
)

func newListCmd() *cobra.Command {
	var archived, withKey, withoutKey bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the certificates of a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if withKey && withoutKey {
				return fmt.Errorf("--with-key and --without-key are mutually exclusive")
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			flags := qdef.ReadOnly | qdef.OpenExistingOnly
			if archived {
				flags |= qdef.IncludeArchived
			}
			st, err := e.open(flags)
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := st.Certificates()
			if err != nil {
				return err
			}
			switch {
			case withKey:
				snap = snap.Filter(qcert.CertRef.HasPrivateKey)
			case withoutKey:
				snap = snap.Filter(func(r qcert.CertRef) bool { return !r.HasPrivateKey() })
			}
			return writeTable(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "Include archived certificates")
	cmd.Flags().BoolVar(&withKey, "with-key", false, "Only certificates with a private key")
	cmd.Flags().BoolVar(&withoutKey, "without-key", false, "Only certificates without a private key")
	return cmd
}

func writeTable(w io.Writer, snap *qcert.Snapshot) error {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("THUMBPRINT", "SUBJECT", "NOT AFTER", "KEY", "ARCHIVED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for ref := range snap.All() {
		c, err := ref.Certificate()
		if err != nil {
			return err
		}
		t.Row(
			ref.Thumbprint().String(),
			c.Leaf.Subject.String(),
			c.Leaf.NotAfter.UTC().Format("2006-01-02"),
			yesNo(ref.HasPrivateKey()),
			yesNo(ref.Archived()),
		)
	}
	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d certificate(s)\n", snap.Count())
	return err
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func newAddCmd() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "add FILE...",
		Short: "Add the certificates of PEM files to a store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyFile != "" && len(args) != 1 {
				return fmt.Errorf("--key requires exactly one certificate file")
			}
			var certs []*qdef.Certificate
			for _, file := range args {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if keyFile != "" {
					keyPEM, err := os.ReadFile(keyFile)
					if err != nil {
						return err
					}
					c, err := qdef.ParseCertificatePEM(data, keyPEM)
					if err != nil {
						return fmt.Errorf("%s: %w", file, err)
					}
					certs = append(certs, c)
					continue
				}
				list := qdef.ParseBundlePEM(data)
				if len(list) == 0 {
					return fmt.Errorf("%s: %w", file, qdef.ErrDecodeCert)
				}
				certs = append(certs, list...)
			}

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			st, err := e.open(qdef.ReadWrite)
			if err != nil {
				return err
			}
			defer st.Close()
			for _, c := range certs {
				if err := st.Add(c); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s %s\n", c.Thumbprint(), c.Leaf.Subject)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "", "PEM private key of the certificate")
	return cmd
}

func parseThumbprints(args []string) ([]qdef.Thumbprint, error) {
	list := make([]qdef.Thumbprint, 0, len(args))
	for _, a := range args {
		tp, err := qdef.ParseThumbprint(strings.ReplaceAll(a, ":", ""))
		if err != nil {
			return nil, err
		}
		list = append(list, tp)
	}
	return list, nil
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove THUMBPRINT...",
		Short: "Remove certificates from a store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tps, err := parseThumbprints(args)
			if err != nil {
				return err
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			st, err := e.open(qdef.ReadWrite | qdef.OpenExistingOnly | qdef.IncludeArchived)
			if err != nil {
				return err
			}
			defer st.Close()
			for _, tp := range tps {
				if err := st.Remove(tp); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", tp)
			}
			return nil
		},
	}
}

func newArchiveCmd() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "archive THUMBPRINT...",
		Short: "Hide certificates from listings without removing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tps, err := parseThumbprints(args)
			if err != nil {
				return err
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			st, err := e.open(qdef.ReadWrite | qdef.OpenExistingOnly | qdef.IncludeArchived)
			if err != nil {
				return err
			}
			defer st.Close()
			snap, err := st.Certificates()
			if err != nil {
				return err
			}
			for _, tp := range tps {
				ref, ok := snap.Find(tp)
				if !ok {
					return qdef.Errorf(qdef.KindNotFound, "archive", "certificate %s not in store %s", tp, st.Identity())
				}
				if err := st.SetArchived(ref, !undo); err != nil {
					return err
				}
				verb := "archived"
				if undo {
					verb = "restored"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, tp)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "Clear the archived property instead")
	return cmd
}

func newExportCmd() *cobra.Command {
	var withKey bool
	var output string
	cmd := &cobra.Command{
		Use:   "export THUMBPRINT",
		Short: "Write a certificate as PEM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tps, err := parseThumbprints(args)
			if err != nil {
				return err
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			st, err := e.open(qdef.ReadOnly | qdef.OpenExistingOnly | qdef.IncludeArchived)
			if err != nil {
				return err
			}
			defer st.Close()
			snap, err := st.Certificates()
			if err != nil {
				return err
			}
			ref, ok := snap.Find(tps[0])
			if !ok {
				return qdef.Errorf(qdef.KindNotFound, "export", "certificate %s not in store %s", tps[0], st.Identity())
			}
			c, err := ref.Certificate()
			if err != nil {
				return err
			}
			out := c.PEM()
			perm := os.FileMode(0644)
			if withKey {
				key, err := st.PrivateKey(ref)
				if err != nil {
					return err
				}
				keyPEM, err := qdef.EncodeKeyPEM(key)
				if err != nil {
					return err
				}
				out = append(out, keyPEM...)
				perm = 0600
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			return os.WriteFile(output, out, perm)
		},
	}
	cmd.Flags().BoolVar(&withKey, "key", false, "Include the private key")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file; standard output when empty")
	return cmd
}
