// qjazz-gateway is the HTTP-facing serving process:
// it dials a health-watched channel to every configured backend, routes
// incoming OGC/API requests to them over gRPC, and hosts the admin API on a
// separate listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3liz/qjazz-gateway/internal/admin"
	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/3liz/qjazz-gateway/internal/httpgateway"
	"github.com/3liz/qjazz-gateway/internal/log"
	"github.com/3liz/qjazz-gateway/internal/rpc"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "qjazz-gateway",
	Short:   "HTTP gateway routing OGC and API requests to QGIS backends",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		amqpURL, _ := cmd.Flags().GetString("amqp-url")
		return serve(configPath, amqpURL)
	},
}

func init() {
	rootCmd.Flags().String("config", "", "Path to the YAML configuration file")
	rootCmd.Flags().String("amqp-url", "", "AMQP broker URL for the metrics emission sink (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func serve(configPath, amqpURL string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	store := config.NewStore(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := rpc.DialAll(ctx, cfg.Gateway.Backends)
	if err != nil {
		return err
	}
	defer pool.CloseAll()

	var sink httpgateway.EmitSink = httpgateway.LogSink{}
	if amqpURL != "" {
		amqpSink := httpgateway.NewAMQPSink(amqpURL, "qjazz.metrics", "request")
		if err := amqpSink.Setup(); err != nil {
			return fmt.Errorf("connecting metrics sink: %w", err)
		}
		defer amqpSink.Close()
		sink = amqpSink
	}

	gw := httpgateway.NewGateway(store, pool, sink)
	serving := &http.Server{Addr: cfg.Gateway.ListenAddr, Handler: gw}

	adminAPI := admin.NewServer(store, pool, configPath)
	adminSrv := &http.Server{Addr: cfg.Admin.ListenAddr, Handler: adminAPI.Handler()}

	errCh := make(chan error, 2)
	go func() { errCh <- serving.ListenAndServe() }()
	go func() { errCh <- adminSrv.ListenAndServe() }()
	log.Info("gateway: serving on " + cfg.Gateway.ListenAddr + ", admin on " + cfg.Admin.ListenAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown: stop accepting new
	// connections, let in-flight streams finish within the grace period.
	log.Info("gateway: shutting down")
	grace := time.Duration(cfg.Server.GracePeriodSec) * time.Second
	if grace <= 0 {
		grace = 20 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	_ = adminSrv.Shutdown(shutdownCtx)
	return serving.Shutdown(shutdownCtx)
}
