package prerender

import (
	"context"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/buildwatch/internal/errors"
)

// RouteSet is a deduplicated set of routes. Every member is stored with a
// leading slash; insertion order is kept.
type RouteSet struct {
	order   []string
	members map[string]struct{}
}

// NewRouteSet creates a set holding routes.
func NewRouteSet(routes ...string) *RouteSet {
	s := &RouteSet{members: make(map[string]struct{})}
	for _, r := range routes {
		s.Add(r)
	}
	return s
}

// Add inserts route, adding a leading slash when missing.
func (s *RouteSet) Add(route string) {
	route = addLeadingSlash(route)
	if _, ok := s.members[route]; ok {
		return
	}
	s.members[route] = struct{}{}
	s.order = append(s.order, route)
}

// Has reports membership after normalization.
func (s *RouteSet) Has(route string) bool {
	_, ok := s.members[addLeadingSlash(route)]
	return ok
}

// Len returns the number of routes.
func (s *RouteSet) Len() int {
	return len(s.order)
}

// Routes returns the routes in insertion order.
func (s *RouteSet) Routes() []string {
	return append([]string(nil), s.order...)
}

// Sorted returns the routes in lexical order.
func (s *RouteSet) Sorted() []string {
	routes := s.Routes()
	sort.Strings(routes)
	return routes
}

func addLeadingSlash(value string) string {
	if strings.HasPrefix(value, "/") {
		return value
	}
	return "/" + value
}

func removeLeadingSlash(value string) string {
	return strings.TrimPrefix(value, "/")
}

var repeatedSlashes = regexp.MustCompile(`//+`)

// URLJoin joins URL path segments: the first part loses its trailing slash
// and duplicate slashes in the remainder collapse.
func URLJoin(first string, rest ...string) string {
	return strings.TrimSuffix(first, "/") + repeatedSlashes.ReplaceAllString("/"+strings.Join(rest, "/"), "/")
}

// ReadRoutesFile reads one route per line. Lines are trimmed, blank lines
// are skipped and every route is joined with baseHref.
func ReadRoutesFile(fsys afero.Fs, name, baseHref string) ([]string, error) {
	contents, err := afero.ReadFile(fsys, name)
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeRoutesFile, "reading routes file").WithFile(name)
	}
	var routes []string
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		routes = append(routes, URLJoin(baseHref, line))
	}
	return routes, nil
}

// RouteInfo is one route reported by discovery.
type RouteInfo struct {
	Route      string `yaml:"path" json:"route"`
	RedirectTo string `yaml:"redirectTo,omitempty" json:"redirectTo,omitempty"`
}

// IsDynamic reports whether the route has wildcard or parameter segments
// and so cannot be rendered statically.
func (r RouteInfo) IsDynamic() bool {
	if strings.Contains(r.Route, "*") {
		return true
	}
	for _, segment := range strings.Split(r.Route, "/") {
		if strings.HasPrefix(segment, ":") {
			return true
		}
	}
	return false
}

// RouteExtractor discovers the statically known routes of a server bundle.
type RouteExtractor interface {
	ExtractRoutes(ctx context.Context, data *WorkerData) ([]RouteInfo, error)
}

// ManifestExtractor reads routes from a YAML manifest shipped in the server
// bundle:
//
//	routes:
//	  - path: /
//	  - path: /about
//	  - path: /old
//	    redirectTo: /about
//	  - path: /blog
//	    children:
//	      - path: first-post
type ManifestExtractor struct {
	// Path of the manifest inside the server bundle.
	Path string
}

// DefaultManifestPath is where ManifestExtractor looks by default.
const DefaultManifestPath = "server/routes.yaml"

type manifestRoute struct {
	Path       string          `yaml:"path"`
	RedirectTo string          `yaml:"redirectTo"`
	Children   []manifestRoute `yaml:"children"`
}

type manifest struct {
	Routes []manifestRoute `yaml:"routes"`
}

// ExtractRoutes implements RouteExtractor.
func (m ManifestExtractor) ExtractRoutes(ctx context.Context, data *WorkerData) ([]RouteInfo, error) {
	name := m.Path
	if name == "" {
		name = DefaultManifestPath
	}
	contents, err := fs.ReadFile(data.ServerFS(), name)
	if err != nil {
		return nil, err
	}

	var doc manifest
	if err := yaml.Unmarshal(contents, &doc); err != nil {
		return nil, err
	}

	var out []RouteInfo
	var walk func(prefix string, routes []manifestRoute)
	walk = func(prefix string, routes []manifestRoute) {
		for _, r := range routes {
			full := URLJoin(prefix, r.Path)
			out = append(out, RouteInfo{Route: full, RedirectTo: r.RedirectTo})
			walk(full, r.Children)
		}
	}
	walk("/", doc.Routes)
	return out, ctx.Err()
}
