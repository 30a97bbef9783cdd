package server

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/charmbracelet/log"

	"ipguard/internal/pipeline"
)

// NewProtectedHandler puts the inspection middleware in front of either a reverse
// proxy to upstream or, when upstream is empty, the built-in demo routes.
func NewProtectedHandler(p *pipeline.Pipeline, identity *pipeline.IdentityResolver, upstream string) (http.Handler, error) {
	backend := http.Handler(demoRoutes())

	if upstream != "" {
		target, err := url.Parse(upstream)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("invalid upstream url %q", upstream)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn("Upstream request failed", "path", r.URL.Path, "error", err)
			writeError(w, "Upstream unavailable", http.StatusBadGateway)
		}
		backend = proxy
		log.Info("Proxying inspected traffic", "upstream", target.Redacted())
	}

	return p.Middleware(identity, backend), nil
}

func demoRoutes() *http.ServeMux {
	router := http.NewServeMux()
	router.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome"})
	})
	router.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusOK, map[string]string{"message": "POST credentials to log in"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Login attempt accepted"})
	})
	router.HandleFunc("GET /sensitive-data", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Sensitive data"})
	})
	router.HandleFunc("/api/test", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "API endpoint", "method": r.Method})
	})
	return router
}
