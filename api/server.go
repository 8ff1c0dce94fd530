package api

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/metasvc/corehub/accesslog"
	"github.com/metasvc/corehub/auth"
	"github.com/metasvc/corehub/internal/pgstore"
	"github.com/metasvc/corehub/manifest"
)

// Server wires the manifest graph, the internal backend and the access-log
// sinks into the HTTP surface. One Server is created per
// running process; it holds no per-request state.
type Server struct {
	Manifest *manifest.Manifest
	Store    *pgstore.Store
	Backends map[string]*pgstore.Backend // keyed by model.Name
	Sinks    []accesslog.Sink
	Tokens   *auth.TokenService
	Version  string
}

// NewServer assembles a Server from its already-opened collaborators.
func NewServer(mf *manifest.Manifest, store *pgstore.Store, backends map[string]*pgstore.Backend, sinks []accesslog.Sink, tokens *auth.TokenService, version string) *Server {
	return &Server{Manifest: mf, Store: store, Backends: backends, Sinks: sinks, Tokens: tokens, Version: version}
}

// RegisterRoutes binds every handler to e, covering
// them: fixed-path collaborator endpoints first, then the model surface
// behind a catch-all (model names are themselves slash-qualified, so they
// cannot be expressed as a single static echo route segment).
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/version", s.handleVersion)
	e.GET("/robots.txt", s.handleRobots)
	e.GET("/favicon.ico", s.handleFavicon)

	auth := BearerAuth(s.Tokens)
	e.GET("/*", s.handleGet, auth)
	e.POST("/*", s.handleInsert, auth)
	e.PUT("/*", s.handleUpdate, auth)
	e.PATCH("/*", s.handleUpdate, auth)
	e.DELETE("/*", s.handleDelete, auth)
}

// resolvePath finds the longest dotted-slash prefix of path that names a
// known Model, returning the model and the remaining path segments (empty
// for a model-root request, one segment for an id, two for an id and a
// subresource name, or exactly {":changes"} for a change-feed read).
func (s *Server) resolvePath(path string) (*manifest.Model, []string, bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil, false
	}
	segments := strings.Split(path, "/")
	for split := len(segments); split >= 1; split-- {
		candidate := strings.Join(segments[:split], "/")
		if model, err := s.Manifest.LookupModel(candidate); err == nil {
			return model, segments[split:], true
		}
	}
	return nil, nil, false
}

// backendFor returns the internal Backend bound to model, or false if the
// model is served by an external reader instead (external models are
// read-only and have no Backend to write through).
func (s *Server) backendFor(model *manifest.Model) (*pgstore.Backend, bool) {
	b, ok := s.Backends[model.Name]
	return b, ok
}

// callerAccess reports the highest manifest.Access level any of the
// caller's token scopes name. A caller with no recognised access-level
// scope gets AccessOpen, the least permissive level, so an unrecognised
// scope set never grants more than the public surface.
func callerAccess(scopes []string) manifest.Access {
	best := manifest.AccessOpen
	for _, raw := range scopes {
		var level manifest.Access
		switch manifest.Access(raw) {
		case manifest.AccessOpen, manifest.AccessPublic, manifest.AccessProtected, manifest.AccessPrivate:
			level = manifest.Access(raw)
		default:
			continue
		}
		if accessRank(level) > accessRank(best) {
			best = level
		}
	}
	return best
}

var accessOrder = map[manifest.Access]int{
	manifest.AccessOpen:      0,
	manifest.AccessPublic:    1,
	manifest.AccessProtected: 2,
	manifest.AccessPrivate:   3,
}

func accessRank(a manifest.Access) int {
	return accessOrder[a]
}
