package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/gorecord/pkg/datastore"
	"github.com/NicolasHaas/gorecord/pkg/server"
	"github.com/NicolasHaas/gorecord/pkg/version"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the record server (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := configFromViper()
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	slog.Info("gorecord starting", "version", version.Full(), "db", cfg.DBDriver, "pool", cfg.PoolSize)

	srv := server.New(cfg, server.Dependencies{Store: st, Pool: st.Pool()})
	if err := srv.Run(cmd.Context()); err != nil {
		slog.Error("server error", "err", err)
		return err
	}
	return nil
}

func newExportCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export accounts or records as YAML and exit",
	}
	cmd.PersistentFlags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")

	export := func(use, short string, fn func(context.Context, datastore.DataProviderFactory) ([]byte, error)) *cobra.Command {
		return &cobra.Command{
			Use:         use,
			Short:       short,
			Args:        cobra.NoArgs,
			Annotations: map[string]string{dataOutput: "true"},
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStore(cmd, func(st *datastore.ProviderFactory) error {
					data, err := fn(cmd.Context(), st)
					if err != nil {
						return fmt.Errorf("export %s: %w", use, err)
					}
					if output == "" {
						_, err = cmd.OutOrStdout().Write(data)
						return err
					}
					return os.WriteFile(output, data, 0o600)
				})
			},
		}
	}
	cmd.AddCommand(
		export("accounts", "Export accounts (without credentials)", server.ExportAccountsYAML),
		export("records", "Export records", server.ExportRecordsYAML),
	)
	return cmd
}

func newImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import data from YAML and exit",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "records FILE",
		Short: "Add the records in FILE; ids already present are skipped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st *datastore.ProviderFactory) error {
				res, err := server.LoadRecordsFromYAML(cmd.Context(), args[0], st)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "added %d, skipped %d, invalid %d\n", res.Added, res.Skipped, res.Invalid)
				return err
			})
		},
	})
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of gorecord",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "gorecord %s\n", version.Full())
		},
	}
}

// withStore opens the configured store for a one-shot command.
func withStore(cmd *cobra.Command, fn func(*datastore.ProviderFactory) error) error {
	st, err := openStore(cmd.Context(), configFromViper())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(st)
}
