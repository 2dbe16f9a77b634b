// Package httpapi carries the small HTTP plumbing shared by long-running
// binaries (currently the mock connector): a mux with /metrics, health
// endpoints, and request logging.
package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Mux *http.ServeMux
}

func New() *Server {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	return &Server{Mux: m}
}
