package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	metrics "github.com/docker/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dwongdev/defguard/internal/config"
	"github.com/dwongdev/defguard/log"
	"github.com/dwongdev/defguard/manager"
	"github.com/dwongdev/defguard/manager/gateway"
	"github.com/dwongdev/defguard/version"
)

func main() {
	if err := mainCmd.Execute(); err != nil {
		log.L.Fatal(err)
	}
}

var (
	mainCmd = &cobra.Command{
		Use:          os.Args[0],
		Short:        "Run the defguard control plane daemon",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logrus.SetOutput(os.Stderr)
			flag, err := cmd.Flags().GetString("log-level")
			if err != nil {
				log.L.Fatal(err)
			}
			level, err := logrus.ParseLevel(flag)
			if err != nil {
				log.L.Fatal(err)
			}
			logrus.SetLevel(level)
		},
		RunE: runDaemon,
	}
)

func init() {
	mainCmd.PersistentFlags().StringP("config", "c", "", "Configuration file")
	mainCmd.PersistentFlags().StringP("state-dir", "d", config.Default().StateDir, "State directory")
	mainCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (options \"debug\", \"info\", \"warn\", \"error\", \"fatal\", \"panic\")")
	mainCmd.PersistentFlags().String("log-format", "text", "Log format (options \"text\", \"json\")")
	mainCmd.PersistentFlags().String("debug-addr", "", "Bind the metrics and profiling server on the provided address")

	mainCmd.AddCommand(
		version.Cmd,
	)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}

	// The flag-based level from PersistentPreRun only covered startup;
	// the merged configuration is authoritative from here on.
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if cfg.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx := context.Background()

	if cfg.DebugAddr != "" {
		http.Handle("/metrics", metrics.Handler())
		go func() {
			// Serves the metrics handler plus the pprof endpoints
			// registered on the default mux.
			if err := http.ListenAndServe(cfg.DebugAddr, nil); err != nil {
				log.G(ctx).WithError(err).Error("debug server stopped")
			}
		}()
	}

	m, err := manager.New(&manager.Config{
		StateDir:         cfg.StateDir,
		SecretKeyFile:    cfg.SecretKeyFile,
		SnapshotInterval: cfg.SnapshotInterval,
		TokenTTL:         cfg.TokenTTL,
		Gateway: &gateway.Config{
			HeartbeatPeriod:       cfg.Gateway.HeartbeatPeriod,
			GracePeriodMultiplier: cfg.Gateway.GracePeriodMultiplier,
		},
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(ctx)
	}()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigC:
		log.G(ctx).Infof("received %s, shutting down", sig)
		m.Stop(ctx)
		return <-errCh
	case err := <-errCh:
		m.Stop(ctx)
		return err
	}
}
