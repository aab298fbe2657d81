// Package config holds the gateway's configuration contract: an immutable
// snapshot swapped atomically on reload. Parsing is a thin YAML wrapper;
// the resulting struct contract is what the rest of the code depends on.
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// SearchPath maps a location prefix (e.g. "/france") to a storage root URL
// (e.g. "file:///data/fr") used by a protocol handler.
type SearchPath struct {
	Location string `yaml:"location" json:"location"`
	RootURL  string `yaml:"root_url" json:"root_url"`
	// Dynamic search paths carry a regex pattern over the location instead
	// of a literal prefix.
	Dynamic bool `yaml:"dynamic" json:"dynamic"`
}

// ProjectsConfig is the cache-manager-facing slice of configuration:
// project loading flags and search path routing.
type ProjectsConfig struct {
	TrustLayerMetadata        bool         `yaml:"trust_layer_metadata" json:"trust_layer_metadata"`
	DisableGetPrint           bool         `yaml:"disable_getprint" json:"disable_getprint"`
	ForceReadonlyLayers       bool         `yaml:"force_readonly_layers" json:"force_readonly_layers"`
	IgnoreBadLayers           bool         `yaml:"ignore_bad_layers" json:"ignore_bad_layers"`
	MaxProjects               int          `yaml:"max_projects" json:"max_projects"`
	ReloadOutdatedOnRequest   bool         `yaml:"reload_outdated_project_on_request" json:"reload_outdated_project_on_request"`
	LoadProjectOnRequest      bool         `yaml:"load_project_on_request" json:"load_project_on_request"`
	AllowDirectPathResolution bool         `yaml:"allow_direct_path_resolution" json:"allow_direct_path_resolution"`
	SearchPaths               []SearchPath `yaml:"search_paths" json:"search_paths"`
}

// ApiEndpoint describes one API name a backend advertises under C7's
// `{project}/_/{api_name}/{api_path}` decomposition.
type ApiEndpoint struct {
	Name              string `yaml:"name" json:"name"`
	DelegateTo        string `yaml:"delegate_to" json:"delegate_to"`
	EnableHTMLDelegate bool  `yaml:"enable_html_delegate" json:"enable_html_delegate"`
}

// SSLConfig carries TLS material for a backend channel.
type SSLConfig struct {
	CA   string `yaml:"ca" json:"ca"`
	Cert string `yaml:"cert" json:"cert"`
	Key  string `yaml:"key" json:"key"`
}

// CrossOrigin selects how Access-Control-Allow-Origin is answered.
type CrossOrigin string

const (
	CrossOriginAll        CrossOrigin = "all"
	CrossOriginSameOrigin CrossOrigin = "same-origin"
	CrossOriginURL        CrossOrigin = "url"
)

// BackendConfig is the address, TLS material, timeout, forwarded-header
// glob list, declared API endpoints and route prefix of one backend pool.
type BackendConfig struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	Address     string        `yaml:"address" json:"address"` // "host:port" or "unix:/path"
	SSL         *SSLConfig    `yaml:"ssl" json:"ssl"`
	Route       string        `yaml:"route" json:"route"`
	TimeoutSec  int           `yaml:"timeout" json:"timeout"`
	ForwardHeaders []string   `yaml:"forward_headers" json:"forward_headers"`
	ApiEndpoints   []ApiEndpoint `yaml:"api" json:"api"`
	GetFeatureLimit int         `yaml:"getfeature_limit" json:"getfeature_limit"`
	AllowDirectPathResolution bool `yaml:"allow_direct_path_resolution" json:"allow_direct_path_resolution"`
	CrossOrigin CrossOrigin   `yaml:"cross_origin" json:"cross_origin"`
	CrossOriginURL string     `yaml:"cross_origin_url" json:"cross_origin_url"`
}

func (b BackendConfig) String() string {
	return fmt.Sprintf("%s(%s)", b.Name, b.Address)
}

// PluginConfig declares one renderer plugin the worker reports through
// ListPlugins. Loading mechanics are outside this repository; the list is
// purely declarative.
type PluginConfig struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
	Type string `yaml:"plugin_type" json:"plugin_type"`
}

// AdminConfig configures the admin HTTP listener (C8).
type AdminConfig struct {
	ListenAddr string   `yaml:"listen_addr" json:"listen_addr"`
	Tokens     []string `yaml:"tokens" json:"tokens"`
}

// ServerConfig configures the gRPC server pool (C5).
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	PoolSize   int    `yaml:"pool_size" json:"pool_size"`
	WorkerBin  string `yaml:"worker_binary" json:"worker_binary"`
	StartTimeoutSec int `yaml:"start_timeout" json:"start_timeout"`
	GracePeriodSec  int `yaml:"grace_period" json:"grace_period"`
	MaxChunkSize    int `yaml:"max_chunk_size" json:"max_chunk_size"`
}

// GatewayConfig configures the HTTP gateway listener (C7).
type GatewayConfig struct {
	ListenAddr string          `yaml:"listen_addr" json:"listen_addr"`
	Backends   []BackendConfig `yaml:"backends" json:"backends"`
}

// LoggingConfig configures the A1 logging ambient stack.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	JSON  bool   `yaml:"json" json:"json"`
}

// Config is the top-level, immutable configuration snapshot. A new Config
// value is constructed on load/reload and swapped atomically into the
// running process; existing holders of the old snapshot keep observing it.
type Config struct {
	Projects ProjectsConfig `yaml:"projects" json:"projects"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Gateway  GatewayConfig  `yaml:"gateway" json:"gateway"`
	Admin    AdminConfig    `yaml:"admin" json:"admin"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Plugins  []PluginConfig `yaml:"plugins" json:"plugins"`
}

// Default returns the built-in configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Projects: ProjectsConfig{
			MaxProjects:               100,
			ReloadOutdatedOnRequest:   true,
			LoadProjectOnRequest:      true,
			AllowDirectPathResolution: false,
		},
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:23456",
			PoolSize:        4,
			StartTimeoutSec: 10,
			GracePeriodSec:  20,
			MaxChunkSize:    1 << 20,
		},
		Gateway: GatewayConfig{ListenAddr: "127.0.0.1:8080"},
		Admin:   AdminConfig{ListenAddr: "127.0.0.1:8081"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load parses a YAML configuration file into a fresh, immutable Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Merge applies a YAML merge-patch document (C8 `PATCH /config`) on top of
// the receiver and returns a new snapshot; the receiver is never mutated.
func (c *Config) Merge(patch []byte) (*Config, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshalling base config: %w", err)
	}
	merged := Default()
	if err := yaml.Unmarshal(data, merged); err != nil {
		return nil, fmt.Errorf("remarshalling base config: %w", err)
	}
	if err := yaml.Unmarshal(patch, merged); err != nil {
		return nil, fmt.Errorf("applying config patch: %w", err)
	}
	return merged, nil
}

// Store is an atomically swappable holder for the current Config snapshot,
// shared by every goroutine that needs "the current configuration" without
// re-reading a file on every access.
type Store struct {
	ptr atomic.Pointer[Config]
}

// NewStore creates a Store seeded with the given snapshot.
func NewStore(initial *Config) *Store {
	s := &Store{}
	s.ptr.Store(initial)
	return s
}

// Get returns the current snapshot. The returned pointer is immutable and
// safe to retain for the duration of a request.
func (s *Store) Get() *Config { return s.ptr.Load() }

// Swap atomically replaces the current snapshot.
func (s *Store) Swap(cfg *Config) { s.ptr.Store(cfg) }
