// Command moltisd is the gateway daemon entrypoint: a cobra root command
// wiring internal/gateway.Server into one long-running process, plus
// thin `db`/`memory`/`import` stubs that document the interface the
// real importer tooling is expected to satisfy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moltisdev/moltis/internal/config"
	"github.com/moltisdev/moltis/internal/gateway"
)

var configPath string

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "moltisd",
		Short: "moltisd runs the Moltis self-hosted agent gateway",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (defaults built in if omitted)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newDBCmd())
	root.AddCommand(newMemoryCmd())
	root.AddCommand(newImportCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the gateway and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("moltisd: load config: %w", err)
			}

			srv, err := gateway.NewServer(cfg)
			if err != nil {
				return fmt.Errorf("moltisd: construct gateway: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
}

// newDBCmd documents the relational-store maintenance interface. Only
// migrate has a counterpart in internal/store: opening the store applies
// the schema, which `serve` does at startup. reset and clear return a
// not-implemented error. These subcommands are a stable CLI surface for
// operators, not a second migration engine.
func newDBCmd() *cobra.Command {
	db := &cobra.Command{
		Use:   "db",
		Short: "relational store maintenance",
	}
	db.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("moltisd: opening store at %s applies migrations on connect; nothing further to do\n", cfg.DataDir)
			return nil
		},
	})
	db.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "drop and recreate all tables (destructive)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("moltisd: db reset is not implemented; stop the gateway and remove its data directory's moltis.db instead")
		},
	})
	db.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "delete all session and cron rows, keeping schema and vault state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("moltisd: db clear is not implemented")
		},
	})
	return db
}

// newMemoryCmd documents the memory/transcript-search interface; the
// search index itself (the "QMD sidecar") is an explicit Non-goal.
func newMemoryCmd() *cobra.Command {
	mem := &cobra.Command{
		Use:   "memory",
		Short: "inspect session transcript memory",
	}
	mem.AddCommand(&cobra.Command{
		Use:   "search [query]",
		Short: "search session transcripts for a query string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("moltisd: memory search requires a running gateway; use the session.search WS method instead")
		},
	})
	mem.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "report transcript storage size and session count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("moltisd: transcripts stored under %s\n", cfg.DataDir)
			return nil
		},
	})
	return mem
}

// newImportCmd documents the interface for importing sessions from
// other agent tools; the importers themselves are out of scope per
// the gateway's command surface.
func newImportCmd() *cobra.Command {
	imp := &cobra.Command{
		Use:   "import",
		Short: "import sessions from other agent tools",
	}
	imp.AddCommand(&cobra.Command{
		Use:   "detect",
		Short: "list importable sources found on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("moltisd: no importers are bundled with this build")
			return nil
		},
	})
	imp.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "import every detected source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("moltisd: import all is not implemented")
		},
	})
	imp.AddCommand(&cobra.Command{
		Use:   "select [source]",
		Short: "import one named source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("moltisd: no importer registered for %q", args[0])
		},
	})
	return imp
}
