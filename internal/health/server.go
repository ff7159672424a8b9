package health

import (
	"context"
	"net/http"
	"time"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/engine"
)

// Health levels reported by /healthz.
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// unhealthyAfter is the consecutive connection failure count past which the source is considered down.
const unhealthyAfter = 5

type Checker struct {
	DBPing     func(ctx context.Context) error
	SourcePing func(ctx context.Context) error
	Status     func() engine.Status
}

// Evaluate maps a runtime status onto a health level.
func Evaluate(st engine.Status) string {
	switch {
	case st.State.Phase == engine.PhaseCircuitOpen || st.State.Failures > unhealthyAfter:
		return StatusUnhealthy
	case st.State.Phase != engine.PhaseConnected:
		return StatusDegraded
	}
	return StatusOK
}

// Handler builds the health, status and filter routes.
func Handler(checker Checker, filters *FilterAPI) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": StatusOK}
		code := http.StatusOK
		fail := func() {
			status["status"] = StatusUnhealthy
			code = http.StatusServiceUnavailable
		}

		if checker.DBPing != nil {
			if err := checker.DBPing(ctx); err != nil {
				status["db"] = "fail"
				fail()
			} else {
				status["db"] = "ok"
			}
		}
		if checker.SourcePing != nil {
			if err := checker.SourcePing(ctx); err != nil {
				status["source"] = "fail"
				fail()
			} else {
				status["source"] = "ok"
			}
		}
		if checker.Status != nil {
			st := checker.Status()
			status["connection"] = st.State.Phase.String()
			switch Evaluate(st) {
			case StatusUnhealthy:
				fail()
			case StatusDegraded:
				if code == http.StatusOK {
					status["status"] = StatusDegraded
				}
			}
		}

		writeJSON(w, code, status)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		if checker.Status == nil {
			http.Error(w, "status unavailable", http.StatusNotFound)
			return
		}
		st := checker.Status()
		writeJSON(w, http.StatusOK, struct {
			Health string `json:"health"`
			engine.Status
		}{Health: Evaluate(st), Status: st})
	})

	if filters != nil {
		filters.register(mux)
	}
	return mux
}

// Serve starts the health server in the background.
func Serve(addr string, h http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = codec.Encode(w, v)
}
