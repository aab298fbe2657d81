// qjazz-server is the backend server process: it spawns a
// pool of worker supervisors and exposes their functionality over gRPC,
// with health-based availability tracking and graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/3liz/qjazz-gateway/internal/log"
	"github.com/3liz/qjazz-gateway/internal/rpc"
	"github.com/3liz/qjazz-gateway/internal/supervisor"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"
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
	Use:     "qjazz-server",
	Short:   "gRPC front to a pool of QGIS worker processes",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return serve(configPath)
	},
}

func init() {
	rootCmd.Flags().String("config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func serve(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Workers inherit the full configuration via CONF_WORKER.
	confDoc, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	env := append(os.Environ(),
		"CONF_WORKER="+string(confDoc),
		"CONF_LOGGING__LEVEL="+cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerBin := cfg.Server.WorkerBin
	if workerBin == "" {
		workerBin = "qjazz-worker"
	}
	pool, err := supervisor.NewPool(ctx, cfg.Server.PoolSize, workerBin, env,
		cfg.Server.MaxChunkSize, time.Duration(cfg.Server.StartTimeoutSec)*time.Second)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		pool.TerminateAll()
		return fmt.Errorf("listening on %s: %w", cfg.Server.ListenAddr, err)
	}

	gs := grpc.NewServer(grpc.ForceServerCodec(rpc.Codec))
	hs := health.NewServer()
	rpc.RegisterHealth(gs, hs)
	gs.RegisterService(&rpc.ServiceDesc, rpc.NewServer(pool))
	gs.RegisterService(&rpc.AdminServiceDesc, rpc.NewAdmin(pool, hs))

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	log.Info("server: listening on " + cfg.Server.ListenAddr)

	select {
	case err := <-errCh:
		pool.TerminateAll()
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown: flip health to NOT_SERVING so
	// channels stop routing here, let in-flight requests finish within the
	// grace period, then quit the workers.
	log.Info("server: shutting down")
	hs.SetServingStatus("qjazz.QgisServer", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus("qjazz.QgisAdmin", healthpb.HealthCheckResponse_NOT_SERVING)

	grace := time.Duration(cfg.Server.GracePeriodSec) * time.Second
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grace):
		gs.Stop()
	}
	pool.Shutdown(grace)
	return nil
}
