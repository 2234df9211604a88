// Package health serves the liveness and readiness endpoints of the ops
// listener.
//
//   - GET /healthz: liveness. A process that answers HTTP is alive; the
//     response is always 200.
//   - GET /readyz: readiness. Every registered [Probe] runs concurrently
//     under its own deadline; the response is 200 only when all of them pass,
//     503 otherwise. The JSON body carries a per-probe verdict with the probe
//     latency, so a failing run can be diagnosed from the scrape alone.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// defaultProbeTimeout bounds probes that carry no explicit Timeout.
const defaultProbeTimeout = 5 * time.Second

// Probe is a named readiness check against one dependency.
type Probe struct {
	// Name labels the probe in the /readyz response body.
	Name string

	// Check returns nil when the dependency can serve. It must honor ctx.
	Check func(ctx context.Context) error

	// Timeout caps one Check invocation. Zero means defaultProbeTimeout.
	Timeout time.Duration
}

// probeResult is the per-probe verdict in the /readyz body.
type probeResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// report is the top-level /healthz and /readyz response body.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]probeResult `json:"checks,omitempty"`
}

// Handler answers liveness and readiness requests. The probe set is fixed at
// construction; Handler itself holds no mutable state and is safe for
// concurrent use.
type Handler struct {
	probes []Probe
}

// New builds a Handler over the given probes.
func New(probes ...Probe) *Handler {
	return &Handler{probes: append([]Probe(nil), probes...)}
}

// Healthz answers the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe concurrently and reports 200 only when all pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]probeResult, len(h.probes))

	var wg sync.WaitGroup
	for i, p := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runProbe(r.Context(), p)
		}()
	}
	wg.Wait()

	rep := report{Status: "ok", Checks: make(map[string]probeResult, len(h.probes))}
	status := http.StatusOK
	for i, p := range h.probes {
		rep.Checks[p.Name] = results[i]
		if results[i].Status != "ok" {
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, rep)
}

// Register mounts the two endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// runProbe executes one probe under its deadline. A probe that neither
// returns nor honors cancellation is reported failed once the deadline
// passes; its goroutine is abandoned rather than awaited so a stuck
// dependency cannot wedge the endpoint.
func runProbe(ctx context.Context, p Probe) probeResult {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	errc := make(chan error, 1)
	go func() { errc <- p.Check(ctx) }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = fmt.Errorf("probe timed out after %s", timeout)
	}

	res := probeResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "fail"
		res.Error = err.Error()
	}
	return res
}

// writeJSON renders v with the given status. Encoding a report cannot fail;
// the error return of Encode is ignored because the response is already
// committed by then.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
