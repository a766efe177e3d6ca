// Package main is the entry point for the polis-authz binary.
// It serves policy decisions over HTTP and offers one-shot bundle checks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-authz/internal/bundle"
	"github.com/polisai/polis-authz/internal/governance"
	"github.com/polisai/polis-authz/pkg/config"
	"github.com/polisai/polis-authz/pkg/logging"
	"github.com/polisai/polis-authz/pkg/policy"
	"github.com/polisai/polis-authz/pkg/server"
	"github.com/polisai/polis-authz/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

// errDenied signals a completed check that did not allow the request.
var errDenied = errors.New("request denied")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errDenied) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-authz
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "polis-authz",
		Short:         "Policy decision service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd(), newCheckCmd(), newListCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve policy decisions over HTTP",
		Long: `Loads the policy bundle named in the configuration and serves
POST /v1/execute until SIGINT or SIGTERM.

Example:
  polis-authz serve --config /etc/polis/authz.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("failed to get config flag: %w", err)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate policies from a bundle once",
		Long: `Compiles a policy bundle, runs the named policies against the given
params and prints the decision. Exits non-zero when the request is denied.

Example:
  polis-authz check --bundle bundle.yaml --policies admin,region --params '{"role":"admin"}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bundlePath, _ := cmd.Flags().GetString("bundle")
			names, _ := cmd.Flags().GetStringSlice("policies")
			rawParams, _ := cmd.Flags().GetString("params")
			return runCheck(cmd.Context(), cmd.OutOrStdout(), bundlePath, names, rawParams)
		},
	}
	cmd.Flags().StringP("bundle", "b", "", "Path to the policy bundle (YAML)")
	cmd.Flags().StringSliceP("policies", "p", nil, "Comma-separated policy names to run")
	cmd.Flags().String("params", "", "Request params as a JSON document")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the policies a bundle registers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bundlePath, _ := cmd.Flags().GetString("bundle")
			exec, err := executorFromBundle(cmd.Context(), bundlePath)
			if err != nil {
				return err
			}
			for _, name := range exec.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	cmd.Flags().StringP("bundle", "b", "", "Path to the policy bundle (YAML)")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}

func executorFromBundle(ctx context.Context, path string) (*policy.Executor, error) {
	b, err := config.LoadBundle(path)
	if err != nil {
		return nil, err
	}
	policies, err := bundle.Compile(ctx, b)
	if err != nil {
		return nil, err
	}
	return policy.NewExecutor(policy.ExecutorOptions{
		Policies: policies,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}), nil
}

func runCheck(ctx context.Context, out io.Writer, bundlePath string, names []string, rawParams string) error {
	var params any
	if strings.TrimSpace(rawParams) != "" {
		if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
			return fmt.Errorf("invalid --params: %w", err)
		}
	}

	exec, err := executorFromBundle(ctx, bundlePath)
	if err != nil {
		return err
	}

	outcome, err := exec.Execute(ctx, params, names...)
	if err != nil {
		return err
	}

	if err := outcome.Err(); err != nil {
		if denied, ok := policy.IsDenied(err); ok {
			fmt.Fprintf(out, "denied: %s (policy %s)\n", denied.Reason, denied.Policy)
		} else {
			fmt.Fprintf(out, "denied: %v\n", err)
		}
		return errDenied
	}

	fmt.Fprintln(out, "allowed")
	return nil
}

func telemetryConfig(cfg config.TelemetryConfig) telemetry.Config {
	return telemetry.Config{
		ServiceName:  cfg.ServiceName,
		Endpoint:     cfg.OTLPEndpoint,
		Insecure:     cfg.Insecure,
		Environment:  cfg.Environment,
		Headers:      cfg.Headers,
		ResourceTags: cfg.ResourceTags,
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	slog.SetDefault(logger)

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetryConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	exec := policy.NewExecutor(policy.ExecutorOptions{
		RequestFactory: policy.WithExtensions(policy.NewRequest, cfg.Policies.Extensions),
		Middleware:     []policy.Middleware{telemetry.Middleware()},
		Logger:         logger,
	})

	metrics := server.NewMetrics()
	metrics.TrackPolicies(exec.Names)
	loader := bundle.NewLoader(exec, metrics, logger)

	if cfg.Policies.File != "" {
		if cfg.Policies.Watch {
			watcher, err := config.NewBundleWatcher(cfg.Policies.File, logger)
			if err != nil {
				return err
			}
			defer func() { _ = watcher.Close() }()
			if err := loader.Apply(ctx, watcher.Current()); err != nil {
				return err
			}
			watcher.Start(loader.Watch(ctx))
		} else {
			b, err := config.LoadBundle(cfg.Policies.File)
			if err != nil {
				return err
			}
			if err := loader.Apply(ctx, b); err != nil {
				return err
			}
		}
	} else {
		logger.Warn("no policy bundle configured, every named policy will be reported as undefined")
	}

	srv := server.New(server.Options{
		Executor:    exec,
		Metrics:     metrics,
		Auth:        server.NewAuthenticator(cfg.Auth),
		RateLimiter: governance.NewRateLimiter(governance.RateLimiterConfig{RequestsPerSecond: cfg.RateLimit.RequestsPerSecond, BurstSize: cfg.RateLimit.Burst}),
		Timeouts:    governance.NewTimeoutManager(cfg.Server.ExecuteTimeout),
		Logger:      logger,
	})

	httpServer := server.HTTPServer(
		cfg.Server.Address,
		otelhttp.NewHandler(srv.Handler(), "polis.authz"),
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
	)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting decision server", "address", cfg.Server.Address, "policies", len(exec.Names()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return waitForShutdown(ctx, httpServer, errCh, logger)
}

func waitForShutdown(ctx context.Context, httpServer *http.Server, errCh <-chan error, logger *slog.Logger) error {
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("decision server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "cause", context.Cause(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
		return err
	}
	return nil
}
