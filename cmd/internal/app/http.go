package app

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readiness is the /readyz body. Reason is set only when not ready.
type readiness struct {
	Status   string `json:"status"`
	Store    string `json:"store"`
	Channels int    `json:"channels"`
	Reason   string `json:"reason,omitempty"`
}

// routes mounts the relay endpoints. Everything but /ws is GET-only; the
// gateway rejects non-upgrade requests itself.
func (a *App) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /readyz", a.handleReady)

	if a.reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{
			Registry: a.reg,
			ErrorLog: slog.NewLogLogger(a.log.Handler(), slog.LevelError),
		}))
	}

	mux.HandleFunc(wsPath, a.ws.HandleWS)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	rep := readiness{
		Status:   "ready",
		Store:    storeKind(a.cfg),
		Channels: a.router.Hub().Len(),
	}

	switch {
	case a.cfg.ReadinessRequireDB && !a.dbEnabled:
		rep.Reason = "db not configured"
	case a.dbEnabled && a.dbPool != nil:
		if err := pingDB(r.Context(), a.dbPool, dbReadyPing); err != nil {
			rep.Reason = "db not ready"
			a.log.Info("readyz.db.not_ready", "err", err)
		}
	}

	code := http.StatusOK
	if rep.Reason != "" {
		rep.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
