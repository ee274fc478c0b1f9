package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"github.com/stokerd/stoker/internal/engine"
	"github.com/stokerd/stoker/internal/metrics"
	"github.com/stokerd/stoker/internal/supervisor"
	"go.uber.org/zap"
)

type callRequest struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

type callResponse struct {
	Result engine.Result `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// NewCallHandler exposes the supervisor's call surface over http.
func NewCallHandler(
	sup *supervisor.EngineSupervisor,
	log *zap.Logger,
) RouteResult {
	log = log.Named("api")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req callRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, callResponse{Error: err.Error()})
			return
		}

		method, err := engine.ParseMethod(req.Method)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, callResponse{Error: err.Error()})
			return
		}

		result, err := sup.Call(r.Context(), method, req.Args)
		if err != nil {
			log.Error("call failed",
				zap.String("method", req.Method),
				zap.Error(err),
			)
			writeJSON(w, statusFor(err), callResponse{Error: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, callResponse{Result: result})
	})

	return AsRoute("/api/call", handler)
}

// NewStateHandler exposes a read-only state snapshot.
func NewStateHandler(sup *supervisor.EngineSupervisor) RouteResult {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sup.GetState())
	})

	return AsRoute("/api/state", handler)
}

// NewHealthHandler serves liveness and readiness probes. Readiness
// reflects the supervisor: not ready while degraded or restarting.
func NewHealthHandler(sup *supervisor.EngineSupervisor) RouteResult {
	health := healthcheck.NewHandler()

	health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(500))

	health.AddReadinessCheck("engine-ready", func() error {
		if !sup.GetState().Ready {
			return errors.New("engine not ready")
		}
		return nil
	})

	return AsRoute("/healthz/", http.StripPrefix("/healthz", health))
}

// NewMetricsHandler serves the prometheus registry.
func NewMetricsHandler(m *metrics.Metrics) RouteResult {
	return AsRoute("/metrics", m.Handler())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownMethod):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrDisposed):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrCallTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrWorkerCrashed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}
