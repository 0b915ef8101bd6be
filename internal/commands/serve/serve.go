// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package serve

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/commands/shared"
	"github.com/toolgate/toolgate/internal/gateway"
	"github.com/toolgate/toolgate/internal/log"
)

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var (
		scope       string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway on stdio",
		Long: `Serve runs the gateway protocol loop: JSON-RPC requests are read from
stdin and responses are written to stdout, one message per line. All
logging goes to stderr because stdout carries the protocol stream.

The scope selects which backend bindings are active for this session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), scope, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "default", "Binding scope to serve")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (e.g. 127.0.0.1:9090)")

	return cmd
}

func run(ctx context.Context, scope, metricsAddr string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	// Env vars win; the config file fills in when they are absent.
	logCfg := log.FromEnv()
	logCfg.Output = os.Stderr
	if os.Getenv("TOOLGATE_DEBUG") == "" && os.Getenv("TOOLGATE_LOG_LEVEL") == "" && os.Getenv("LOG_LEVEL") == "" {
		logCfg.Level = cfg.LogLevel
	}
	if os.Getenv("LOG_FORMAT") == "" {
		logCfg.Format = log.Format(cfg.LogFormat)
	}
	logger := log.New(logCfg)

	st, err := shared.OpenStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	box, err := shared.OpenBox(cfg)
	if err != nil {
		return err
	}

	resolver := gateway.NewResolver(st, box)
	pool := gateway.NewPool(resolver, cfg.HTTPTimeout, logger)
	aggregator := gateway.NewAggregator(st, pool, logger)
	router := gateway.NewRouter(aggregator, pool, scope, logger)
	server := gateway.NewServer(router, pool, os.Stdin, os.Stdout, logger)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	logger.Info("gateway serving", "scope", scope, "version", gateway.Version)
	return server.Run(ctx)
}

// serveMetrics exposes the Prometheus registry over HTTP. Failures here
// never take the gateway down; metrics are best-effort.
func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", "error", err)
	}
}
