package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/warlock/pkg/config"
	"github.com/cuemby/warlock/pkg/log"
	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/cuemby/warlock/pkg/server"
	"github.com/cuemby/warlock/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warlock",
	Short: "Warlock - event, task and service server",
	Long: `Warlock is a small server that connects clients over WebSocket.

Clients subscribe to and trigger events, store values in a shared key value
store and ask the server to run commands now, later or on a schedule.
Long-running services are supervised and restarted. Servers can be joined
into a cluster that replicates events.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	server.Version = Version
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Warlock version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (yaml, json or toml)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(configCmd)

	f := serverCmd.Flags()
	f.String("id", "", "Server id (random when empty)")
	f.String("name", "warlock", "Server name")
	f.String("address", "0.0.0.0", "Listen address")
	f.Int("port", 13080, "Listen port")
	f.String("path", protocol.DefaultPath, "WebSocket endpoint path")
	f.Bool("encode", false, "Base64 encode packets")
	f.String("admin-key", "", "Admin access key")
	f.String("data-dir", "./data", "Directory of persistent stores")
	f.String("log-level", "info", "Log level (decode, debug, info, notice, warn, error)")
	f.Bool("log-json", false, "Log as JSON")
	f.String("cluster", "", "Cluster name")
	f.StringSlice("peers", nil, "Cluster peers (host[:port])")
	f.String("metrics", "", "Prometheus listen address")
	f.String("services", "", "Service definitions file")

	workerCmd.Flags().Bool("encode", false, "Base64 encode packets")
	workerCmd.Flags().String("log-level", "info", "Log level")

	configCmd.Flags().AddFlagSet(serverCmd.Flags())
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	return cfg, nil
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a Warlock server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		srv, err := server.New(cfg, server.Options{}, log.WithComponent("server"))
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Run(ctx) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
			cancel()
			return <-errCh
		case err := <-errCh:
			return err
		}
	},
}

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a worker process (started by the server)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		encode, _ := cmd.Flags().GetBool("encode")
		level, _ := cmd.Flags().GetString("log-level")
		// stdout carries packets
		log.Init(log.Config{Level: log.Level(level), Output: os.Stderr})

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer cancel()

		w := worker.New(os.Stdin, os.Stdout, protocol.NewCodec("", encode), worker.ExecSpawner{}, log.WithComponent("worker"))
		os.Exit(w.Run(ctx))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}
