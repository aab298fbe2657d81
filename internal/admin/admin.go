// Package admin implements the administrative HTTP API: a
// separate listener exposing runtime CRUD over the backend channel pool and
// configuration get/patch/reload, guarded by bearer-token authentication
// when tokens are configured.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/3liz/qjazz-gateway/internal/log"
	"github.com/3liz/qjazz-gateway/internal/metrics"
	"github.com/3liz/qjazz-gateway/internal/rpc"
	"gopkg.in/yaml.v3"
)

// Server is the admin HTTP API server.
type Server struct {
	cfg  *config.Store
	pool *rpc.ChannelPool
	mux  *http.ServeMux

	// configPath is the file PUT /config reloads from when the request
	// body does not name a remote URL.
	configPath string
}

// NewServer constructs the admin API over the given configuration store and
// channel pool.
func NewServer(cfg *config.Store, pool *rpc.ChannelPool, configPath string) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, pool: pool, mux: mux, configPath: configPath}

	mux.HandleFunc("/backends", s.auth(s.backendsHandler))
	mux.HandleFunc("/backends/", s.auth(s.backendHandler))
	mux.HandleFunc("/config", s.auth(s.configHandler))
	mux.HandleFunc("/catalog", s.auth(s.catalogHandler))
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Handler exposes the underlying mux, e.g. for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start runs the admin listener until the server is shut down.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// auth enforces bearer-token authentication when tokens are configured.
// Comparison is constant-time.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokens := s.cfg.Get().Admin.Tokens
		if len(tokens) == 0 {
			next(w, r)
			return
		}
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		for _, t := range tokens {
			if len(t) == len(presented) && subtle.ConstantTimeCompare([]byte(t), []byte(presented)) == 1 {
				next(w, r)
				return
			}
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "missing or invalid bearer token"})
	}
}

func (s *Server) backendsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Backends())
}

func (s *Server) backendHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/backends/")
	if name == "" || strings.Contains(name, "/") {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "no such backend"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		ch, err := s.pool.ByName(name)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"config":  ch.Cfg,
			"serving": ch.Serving(),
		})

	case http.MethodPost, http.MethodPut:
		var cfg config.BackendConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid backend config: " + err.Error()})
			return
		}
		cfg.Name = name
		if cfg.Address == "" || cfg.Route == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "backend config requires address and route"})
			return
		}
		if r.Method == http.MethodPost {
			if _, err := s.pool.ByName(name); err == nil {
				writeJSON(w, http.StatusConflict, map[string]string{"message": "backend already exists: " + name})
				return
			}
		}
		if err := s.pool.AddBackend(r.Context(), cfg); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"message": err.Error()})
			return
		}
		log.Info("admin: backend " + name + " configured at " + cfg.Address)
		writeJSON(w, http.StatusOK, cfg)

	case http.MethodDelete:
		if err := s.pool.RemoveBackend(name); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Get())

	case http.MethodPatch:
		// Merge-patch: the request body is a partial YAML/JSON document
		// overlaid on the current snapshot.
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "reading patch body: " + err.Error()})
			return
		}
		merged, err := s.cfg.Get().Merge(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		s.applySnapshot(r, merged)
		writeJSON(w, http.StatusOK, merged)

	case http.MethodPut:
		// Reload from the configured file, or from a remote URL named in
		// the request body.
		var req struct {
			URL string `json:"url"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		var fresh *config.Config
		var err error
		if req.URL != "" {
			fresh, err = loadRemote(req.URL)
		} else if s.configPath != "" {
			fresh, err = config.Load(s.configPath)
		} else {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "no config file configured and no url given"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		s.applySnapshot(r, fresh)
		writeJSON(w, http.StatusOK, fresh)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// applySnapshot swaps the new configuration in and resynchronizes the
// channel pool with its backend list.
func (s *Server) applySnapshot(r *http.Request, cfg *config.Config) {
	s.cfg.Swap(cfg)
	log.Init(log.Config{Level: log.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSON})
	if err := s.pool.Sync(r.Context(), cfg.Gateway.Backends); err != nil {
		log.Errorf("admin: channel pool sync failed", err)
	}
}

func loadRemote(rawURL string) (*config.Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	resp, err := http.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// catalogHandler streams the project catalog of one named backend as a JSON
// array, driving the Admin service's Catalog RPC end to end.
func (s *Server) catalogHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("backend")
	var ch *rpc.Channel
	var err error
	if name != "" {
		ch, err = s.pool.ByName(name)
	} else {
		backends := s.pool.Backends()
		if len(backends) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "no backends configured"})
			return
		}
		ch, err = s.pool.ByName(backends[0].Name)
	}
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": err.Error()})
		return
	}

	items, err := rpc.AdminCatalog(r.Context(), ch.Conn(), r.URL.Query().Get("location"))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
