// Package healthcheck serves the per-backend-service liveness probe used by
// operators to see which AI services are currently reachable.
package healthcheck

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/stepflow/internal/catalog"
	"github.com/wisbric/stepflow/internal/httpserver"
)

const probeTimeout = 2 * time.Second

// Status is the outcome of probing one backend service's health endpoint.
type Status struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Handler serves the health and per-service health endpoints.
type Handler struct {
	catalog *catalog.Catalog
	client  *http.Client
}

// NewHandler creates a health Handler.
func NewHandler(cat *catalog.Catalog) *Handler {
	return &Handler{catalog: cat, client: &http.Client{Timeout: probeTimeout}}
}

// Routes returns a chi.Router with the health and health/services routes
// mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleHealth)
	r.Get("/services", h.handleServices)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleServices probes every catalog service concurrently and reports each
// one's reachability keyed by service name.
func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	services := h.catalog.Services()
	results := make(map[string]Status, len(services))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(svc catalog.Service) {
			defer wg.Done()
			status := h.probe(r.Context(), svc)
			mu.Lock()
			results[svc.Name] = status
			mu.Unlock()
		}(svc)
	}
	wg.Wait()

	httpserver.Respond(w, http.StatusOK, results)
}

func (h *Handler) probe(ctx context.Context, svc catalog.Service) Status {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	url := strings.TrimRight(svc.BaseURL, "/") + svc.HealthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{OK: false, Error: err.Error()}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Status{OK: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	return Status{OK: resp.StatusCode == http.StatusOK, StatusCode: resp.StatusCode}
}
