// Command server runs the h2stream HTTP/2 server.
//
// With --config it serves the routes of a JSON or TOML configuration file.
// Without it, it echoes every request on --address.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"example.com/h2stream/internal/config"
	"example.com/h2stream/internal/handlers/echo"
	"example.com/h2stream/internal/logger"
	"example.com/h2stream/internal/router"
	"example.com/h2stream/internal/server"
)

type options struct {
	configPath     string
	address        string
	tlsCert        string
	tlsKey         string
	metricsAddress string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Serve HTTP/2 requests as stream handles",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to the configuration file (JSON or TOML)")
	f.StringVar(&opts.address, "address", config.DefaultServerAddress, "listen address when no configuration file is given")
	f.StringVar(&opts.tlsCert, "tls-cert", "", "TLS certificate file; overrides server.tls_cert_file")
	f.StringVar(&opts.tlsKey, "tls-key", "", "TLS key file; overrides server.tls_key_file")
	f.StringVar(&opts.metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")
	return cmd
}

// buildConfig loads the configuration file, or builds an echo-everything
// configuration when none is given, then applies command line overrides.
func buildConfig(opts options) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath != "" {
		abs, err := filepath.Abs(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", opts.configPath, err)
		}
		if cfg, err = config.LoadConfig(abs); err != nil {
			return nil, err
		}
	} else {
		address := opts.address
		cfg = &config.Config{
			Server: &config.ServerConfig{Address: &address},
			Routing: &config.RoutingConfig{Routes: []config.Route{{
				PathPattern: "/",
				MatchType:   config.MatchTypePrefix,
				HandlerType: echo.HandlerType,
			}}},
		}
	}

	if opts.tlsCert != "" || opts.tlsKey != "" {
		cert, key := opts.tlsCert, opts.tlsKey
		cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile = &cert, &key
	}
	if opts.metricsAddress != "" {
		addr := opts.metricsAddress
		cfg.Server.MetricsAddress = &addr
	}
	if err := config.Prepare(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.CloseLogFiles()

	registry := server.NewHandlerRegistry()
	if err := echo.Register(registry); err != nil {
		return err
	}
	rt, err := router.NewRouter(cfg.Routing.Routes, registry, lg)
	if err != nil {
		lg.Error("Failed to initialize router", logger.LogFields{"error": err.Error()})
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv, err := server.NewServer(cfg, lg, rt, server.WithRegistry(reg))
	if err != nil {
		lg.Error("Failed to initialize server", logger.LogFields{"error": err.Error()})
		return err
	}

	lg.Info("Starting HTTP/2 server", logger.LogFields{
		"address": *cfg.Server.Address,
		"config":  cfg.OriginalFilePath(),
		"tls":     cfg.Server.TLSEnabled(),
	})
	if err := srv.Run(ctx); err != nil {
		lg.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return err
	}
	lg.Info("Server has shut down gracefully", nil)
	return nil
}
