// qjazz-worker is the long-lived child process a supervisor spawns: it initializes the renderer stand-in, builds the process-local
// cache manager from its environment, opens the rendezvous FIFO named by
// RENDEZ_VOUS, and enters the blocking receive loop over stdin/stdout.
package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/3liz/qjazz-gateway/internal/cache"
	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/3liz/qjazz-gateway/internal/log"
	"github.com/3liz/qjazz-gateway/internal/worker"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qjazz-worker",
	Short: "QGIS worker subprocess for the qjazz gateway",
	Long: `qjazz-worker hosts one renderer instance and its project cache.
It is not meant to be run by hand: a qjazz-server supervisor spawns it with
its stdin/stdout captured as the request/reply pipe and the RENDEZ_VOUS
environment variable pointing at the readiness FIFO.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

// configFromEnv builds the worker's configuration snapshot from CONF_WORKER
// (a JSON/YAML document) and CONF_LOGGING__LEVEL.
func configFromEnv() (*config.Config, error) {
	cfg := config.Default()
	if doc := os.Getenv("CONF_WORKER"); doc != "" {
		if err := yaml.Unmarshal([]byte(doc), cfg); err != nil {
			return nil, fmt.Errorf("parsing CONF_WORKER: %w", err)
		}
	}
	if level := os.Getenv("CONF_LOGGING__LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

func run() error {
	cfg, err := configFromEnv()
	if err != nil {
		return err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
		Output:     os.Stderr, // stdout is the reply pipe
	})

	store := config.NewStore(cfg)
	mgr, err := cache.NewManager(&cfg.Projects, cache.NewRegistry(), fmt.Sprintf("worker-%d", os.Getpid()))
	if err != nil {
		return err
	}

	var rendez *os.File
	if path := os.Getenv("RENDEZ_VOUS"); path != "" {
		rendez, err = os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("opening rendezvous fifo %s: %w", path, err)
		}
		defer rendez.Close()
	}

	w := worker.New(
		fmt.Sprintf("worker-%d", os.Getpid()),
		mgr, store, worker.NewStubRenderer(),
		os.Stdin, os.Stdout, rendez,
	)
	w.InstallSignalHandler()

	if err := preloadDefaultProject(mgr); err != nil {
		log.Errorf("worker: default project preload failed", err)
	}

	log.Info("worker: entering receive loop")
	return w.Run()
}

// preloadDefaultProject pins the project named by QGIS_PROJECT_FILE, if any,
// before the first request arrives.
func preloadDefaultProject(mgr *cache.Manager) error {
	target := os.Getenv("QGIS_PROJECT_FILE")
	if target == "" {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return err
	}
	if u.Scheme == "" {
		u.Scheme = "file"
	}
	result, status, err := mgr.Checkout(u)
	if err != nil {
		return err
	}
	if status != cache.StatusNew {
		return nil
	}
	_, _, err = mgr.Update(result.(cache.ProjectMetadata), cache.StatusNew, true)
	return err
}
