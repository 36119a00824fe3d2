// Package cmd contains the command-line interface definitions and execution
// logic for Dockmaster. It wires the authenticating websocket gateway, the
// internal stream tier, the Docker client, and the build job registry into a
// single long-running process, driven by flags and environment variables.
package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dockmaster-io/dockmaster/internal/api"
	"github.com/dockmaster-io/dockmaster/internal/flags"
	"github.com/dockmaster-io/dockmaster/internal/meta"
	"github.com/dockmaster-io/dockmaster/pkg/auth"
	"github.com/dockmaster-io/dockmaster/pkg/build"
	"github.com/dockmaster-io/dockmaster/pkg/container"
	"github.com/dockmaster-io/dockmaster/pkg/exec"
	"github.com/dockmaster-io/dockmaster/pkg/gateway"
	"github.com/dockmaster-io/dockmaster/pkg/logs"
	"github.com/dockmaster-io/dockmaster/pkg/metrics"
)

// readHeaderTimeout is the timeout for reading request headers on the public
// listener.
const readHeaderTimeout = 10 * time.Second

// shutdownTimeout bounds graceful shutdown of the public listener.
const shutdownTimeout = 5 * time.Second

// cfg holds the operational settings resolved during preRun.
var cfg flags.Config

// rootCmd is the root cobra command executed by main.
var rootCmd = NewRootCommand()

// NewRootCommand creates the root command for Dockmaster.
func NewRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "dockmaster",
		Short:  "Streams container logs, exec sessions and image builds over websockets",
		Long:   "\nDockmaster fronts a Docker engine with an authenticating websocket gateway,\nstreaming container logs, interactive exec sessions and image build output\nto any number of subscribed clients.",
		Run:    run,
		PreRun: preRun,
		Args:   cobra.NoArgs,
	}
}

// init registers command-line flags for the root command during package
// initialization.
func init() {
	flags.SetDefaults()
	flags.RegisterDockerFlags(rootCmd)
	flags.RegisterSystemFlags(rootCmd)
}

// Execute runs the root command and manages any errors encountered during
// its execution.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("Failed to execute root command")
	}
}

// preRun prepares logging, secrets and configuration before the main command
// execution begins.
func preRun(cmd *cobra.Command, _ []string) {
	flagsSet := cmd.PersistentFlags()

	if err := flags.SetupLogging(flagsSet); err != nil {
		logrus.WithError(err).Fatal("Failed to initialize logging")
	}

	flags.GetSecretsFromFiles(cmd)

	if err := flags.EnvConfig(cmd); err != nil {
		logrus.WithError(err).Fatal("Failed to apply Docker environment configuration")
	}

	var err error
	if cfg, err = flags.ReadConfig(cmd); err != nil {
		logrus.WithError(err).Fatal("Failed to read configuration")
	}
}

// run starts the assembled service and exits with its status code.
func run(_ *cobra.Command, _ []string) {
	os.Exit(runMain(cfg))
}

// runMain assembles the gateway and the internal stream tier and serves both
// until a termination signal arrives. It returns the process exit code.
func runMain(cfg flags.Config) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logrus.WithFields(logrus.Fields{
		"version":  meta.Version,
		"listen":   cfg.Listen,
		"internal": cfg.InternalListen,
	}).Info("Starting Dockmaster")

	var collector *metrics.Metrics
	if cfg.EnableMetrics {
		collector = metrics.New()
	}

	dockerClient := container.NewClient()

	registry := build.NewRegistry(
		&build.DockerCLIRunner{Binary: cfg.DockerBinary},
		build.WithRetention(cfg.BuildRetention),
		build.WithMetrics(collector),
	)
	registry.StartSweeper()
	defer registry.Shutdown()

	internalServer := api.New(api.Config{
		Addr:    cfg.InternalListen,
		Logs:    logs.NewWithPingInterval(dockerClient, cfg.PingInterval),
		Exec:    exec.New(dockerClient),
		Builds:  registry,
		Metrics: collector,
	})

	publicGateway := gateway.New(gateway.Config{
		Verifier:     auth.NewVerifier(cfg.JWTSecret),
		UpstreamBase: cfg.Upstream,
		PingInterval: cfg.PingInterval,
		Metrics:      collector,
	})

	errs := make(chan error, 2)

	go func() { errs <- internalServer.Run(ctx) }()
	go func() { errs <- runPublicServer(ctx, cfg.Listen, publicGateway.Handler()) }()

	exitCode := 0

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			logrus.WithError(err).Error("Server failed")

			exitCode = 1

			cancel()
		}
	}

	logrus.Info("Dockmaster stopped")

	return exitCode
}

// runPublicServer serves the gateway on addr until ctx is cancelled, then
// shuts down gracefully. A clean shutdown returns nil.
func runPublicServer(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErrs := make(chan error, 1)

	go func() {
		logrus.WithField("addr", addr).Info("Starting gateway server")
		serveErrs <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErrs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Failed to shut down gateway server")

		return err
	}

	return nil
}
