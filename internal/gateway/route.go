package gateway

import (
	"net/http"
	"strings"
)

// Router splits the system surface (health, metrics, admin) from the
// protected pipeline. It matches paths raw: http.ServeMux canonicalizes
// the path and 301-redirects dirty requests such as /../../etc/passwd
// before any handler runs, which would hide traversal probes from the
// heuristics and skip rate-limit bookkeeping entirely.
type Router struct {
	system    http.Handler
	prefixes  []string
	protected http.Handler
}

// NewRouter sends requests matching any of prefixes to system and
// everything else to protected. A prefix ending in '/' claims its whole
// subtree; any other entry must match the path exactly.
func NewRouter(system http.Handler, prefixes []string, protected http.Handler) *Router {
	return &Router{system: system, prefixes: prefixes, protected: protected}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	for _, p := range rt.prefixes {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				rt.system.ServeHTTP(w, r)
				return
			}
		} else if path == p {
			rt.system.ServeHTTP(w, r)
			return
		}
	}
	rt.protected.ServeHTTP(w, r)
}
