package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/appmgr"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createSnapshotCommand(flags),
		createDumpCommand(flags),
		createTasksCommand(flags),
		createHistoryCommand(flags),
		createKillCommand(flags),
		createMemoryLevelCommand(flags),
		createConfigureCommand(flags),
		createRepairPatchCommand(flags),
		createIgnoreTimeoutsCommand(flags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "appmgr",
		Short: "Application process and connection lifecycle manager",
		Long: `appmgr launches application processes on demand, tracks the abilities
they host and the connections made to them, and tears everything down when
the processes die or time out.

Examples:
  appmgr serve --config=appmgr.toml
  appmgr snapshot --api-url=http://127.0.0.1:8087/api
  appmgr kill --bundle=com.example.demo`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default from config server.listen)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return root
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the appmgr daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path)
		},
	}
}

func runServe(ctx context.Context, path string) error {
	cfg, err := appmgr.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	d, err := appmgr.NewDaemon(cfg)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		_ = d.Shutdown(context.Background())
		return err
	}
	d.Logger().Info("appmgr started", "version", version, "bundles", len(cfg.Bundles))

	<-ctx.Done()
	d.Logger().Info("appmgr shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.KillGrace+5*time.Second)
	defer cancel()
	return d.Shutdown(sctx)
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the appmgr version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
