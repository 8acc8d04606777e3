package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Checker struct {
	ProcessPing   func(ctx context.Context) error
	AnalyticsPing func(ctx context.Context) error
}

// Serve starts a minimal /healthz handler.
func Serve(addr string, checker Checker) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		code := http.StatusOK

		if checker.ProcessPing != nil {
			if err := checker.ProcessPing(ctx); err != nil {
				status["process"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["process"] = "ok"
			}
		}
		if checker.AnalyticsPing != nil {
			if err := checker.AnalyticsPing(ctx); err != nil {
				status["analytics"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["analytics"] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
