package cache

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/3liz/qjazz-gateway/internal/apperror"
)

// fileSuffixes is the extension set the file handler recognizes as project
// documents.
var fileSuffixes = map[string]bool{".qgs": true, ".qgz": true}

// LoadFlags derives from ProjectsConfig and is passed to a handler's
// LoadProject to mirror the renderer contract's (trust_metadata,
// disable_print_layouts, readonly, ignore_bad_layers) flags.
type LoadFlags struct {
	TrustLayerMetadata  bool
	DisablePrintLayouts bool
	ReadOnly            bool
	IgnoreBadLayers     bool
}

// ProtocolHandler is the capability set a storage scheme must provide to
// take part in project resolution: root validation, URI canonicalization
// and its public-path inverse, metadata, listing, and loading. Handlers
// live in a registry keyed by URL scheme.
type ProtocolHandler interface {
	// Scheme returns the URL scheme this handler answers for.
	Scheme() string
	// ValidateRootURL is called once per configured search path; static
	// roots must exist, dynamic (templated) roots are not validated.
	ValidateRootURL(root *url.URL, dynamic bool) error
	// ResolveURI returns the canonical cache key for url; must be
	// idempotent.
	ResolveURI(u *url.URL) (string, error)
	// PublicPath reverses ResolveURI: the public handle a client would use.
	PublicPath(uri, location string, root *url.URL) (string, error)
	// ProjectMetadata returns metadata for url, or a NotFound apperror.
	ProjectMetadata(u *url.URL) (ProjectMetadata, error)
	// ListProjects enumerates all projects under root.
	ListProjects(root *url.URL) ([]ProjectMetadata, error)
	// LoadProject delegates the actual project load to the renderer.
	LoadProject(md ProjectMetadata, flags LoadFlags) (ProjectHandle, error)
}

// Resolver transforms a logical URL into a storage-specific URI for
// non-file handlers, moving the path component into a named query
// parameter (e.g. "project=" or "projectName="). Implementations must
// round-trip: PublicPath(ResolveURI(u)) == original public path.
type Resolver interface {
	// ProjectParam is the query parameter name the path is serialized
	// into, e.g. "project".
	ProjectParam() string
}

// Registry is the scheme-keyed set of protocol handlers.
type Registry struct {
	handlers map[string]ProtocolHandler
}

// NewRegistry builds a Registry with the default handlers registered.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]ProtocolHandler)}
	f := NewFileHandler()
	r.Register(f)
	return r
}

// Register adds (or replaces) a handler for its scheme.
func (r *Registry) Register(h ProtocolHandler) {
	r.handlers[h.Scheme()] = h
}

// Get looks up the handler for scheme; unknown schemes are an error, not a
// fallback.
func (r *Registry) Get(scheme string) (ProtocolHandler, error) {
	h, ok := r.handlers[scheme]
	if !ok {
		return nil, apperror.New(apperror.KindInvalidArgument, "no protocol handler registered for scheme %q", scheme)
	}
	return h, nil
}

// plainProjectHandle is the renderer-boundary stand-in used by FileHandler;
// the renderer itself is out of scope, so load just records
// which file backs the handle.
type plainProjectHandle struct{ path string }

func (p *plainProjectHandle) FileName() string { return p.path }

// FileHandler resolves projects under a local filesystem root.
type FileHandler struct{}

// NewFileHandler constructs the local-filesystem protocol handler.
func NewFileHandler() *FileHandler { return &FileHandler{} }

func (h *FileHandler) Scheme() string { return "file" }

func (h *FileHandler) ValidateRootURL(root *url.URL, dynamic bool) error {
	if dynamic {
		// Dynamic (templated) roots are not validated.
		return nil
	}
	info, err := os.Stat(root.Path)
	if err != nil || !info.IsDir() {
		return apperror.Wrap(apperror.KindInvalidArgument, err, "invalid cache root: %s", root.Path)
	}
	return nil
}

func (h *FileHandler) ResolveURI(u *url.URL) (string, error) {
	clean := filepath.Clean(u.Path)
	out := &url.URL{Scheme: "file", Path: clean}
	return out.String(), nil
}

func (h *FileHandler) PublicPath(uri, location string, root *url.URL) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", apperror.Wrap(apperror.KindInvalidArgument, err, "invalid uri %q", uri)
	}
	rel, err := filepath.Rel(root.Path, u.Path)
	if err != nil {
		return "", apperror.Wrap(apperror.KindInvalidArgument, err, "uri %q is not under root %q", uri, root.Path)
	}
	rel = filepath.ToSlash(rel)
	return strings.TrimSuffix(fmt.Sprintf("%s/%s", strings.TrimSuffix(location, "/"), rel), "/."), nil
}

// probeSuffixes is the order project suffixes are tried when a request
// names a project without its file extension.
var probeSuffixes = []string{".qgs", ".qgz"}

// statProject resolves a possibly suffix-less project path to an existing
// file, probing the known project suffixes.
func statProject(p string) (string, os.FileInfo, error) {
	info, err := os.Stat(p)
	if err == nil {
		return p, info, nil
	}
	if filepath.Ext(p) == "" {
		for _, suffix := range probeSuffixes {
			if info, serr := os.Stat(p + suffix); serr == nil {
				return p + suffix, info, nil
			}
		}
	}
	return "", nil, err
}

func (h *FileHandler) ProjectMetadata(u *url.URL) (ProjectMetadata, error) {
	path, info, err := statProject(u.Path)
	if err != nil {
		uri, _ := h.ResolveURI(u)
		return ProjectMetadata{}, apperror.Wrap(apperror.KindNotFound, err, "%s", uri)
	}
	return ProjectMetadata{
		URI:          "file://" + filepath.Clean(path),
		Name:         strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Scheme:       "file",
		Storage:      "file",
		LastModified: info.ModTime().Unix(),
	}, nil
}

func (h *FileHandler) ListProjects(root *url.URL) ([]ProjectMetadata, error) {
	var out []ProjectMetadata
	err := filepath.WalkDir(root.Path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort, skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		if !fileSuffixes[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, ProjectMetadata{
			URI:          "file://" + filepath.Clean(path),
			Name:         strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Scheme:       "file",
			Storage:      "file",
			LastModified: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindUnreadableResource, err, "listing projects under %s", root.Path)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func (h *FileHandler) LoadProject(md ProjectMetadata, flags LoadFlags) (ProjectHandle, error) {
	u, err := url.Parse(md.URI)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindUnreadableResource, err, "invalid project uri %q", md.URI)
	}
	if _, err := os.Stat(u.Path); err != nil {
		return nil, apperror.Wrap(apperror.KindUnreadableResource, err, "cannot read project %s", u.Path)
	}
	return &plainProjectHandle{path: u.Path}, nil
}

// now is a seam for tests that need a deterministic eviction clock.
var now = func() time.Time { return time.Now() }
