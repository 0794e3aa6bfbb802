package logging

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"
)

// startPprof serves the profiling endpoints on their own mux so they never
// leak onto the daemon's web listener.
func startPprof(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          StdLogger(CompDaemon),
	}
	go func() {
		log := ForComponent(CompDaemon)
		log.Info("pprof_listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil {
			log.Error("pprof_failed", slog.String("error", err.Error()))
		}
	}()
}
