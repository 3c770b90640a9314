package agentserver

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/fly-lab/agents/internal/instance"
)

// Admin exposes the ambient operational endpoints that sit beside the
// per-agent routing grammar on the same mux: health, diagnostics, and a
// token-gated restart trigger.
type Admin struct {
	Registry     *instance.Registry
	StartedAt    time.Time
	RestartToken string
	Restart      func() error
}

func NewAdmin(registry *instance.Registry, restart func() error, restartToken string) *Admin {
	return &Admin{Registry: registry, StartedAt: time.Now().UTC(), RestartToken: restartToken, Restart: restart}
}

func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", a.handleHealth)
	mux.HandleFunc("/api/diagnostics", a.handleDiagnostics)
	mux.HandleFunc("/api/admin/restart", a.handleRestart)
	return mux
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

type diagnosticsResponse struct {
	Time          time.Time `json:"time"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	GoVersion     string    `json:"go_version"`
	Goroutines    int       `json:"goroutines"`
	OpenInstances int       `json:"open_instances"`
}

func (a *Admin) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, diagnosticsResponse{
		Time:          now,
		StartedAt:     a.StartedAt,
		UptimeSeconds: int64(now.Sub(a.StartedAt).Seconds()),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		OpenInstances: a.Registry.Count(),
	})
}

func (a *Admin) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if a.Restart == nil {
		writeError(w, http.StatusNotImplemented, errRestartUnsupported)
		return
	}
	if a.RestartToken != "" && r.Header.Get("X-Restart-Token") != a.RestartToken {
		writeError(w, http.StatusUnauthorized, errInvalidRestartToken)
		return
	}
	if err := a.Restart(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

type adminError string

func (e adminError) Error() string { return string(e) }

const (
	errRestartUnsupported  adminError = "restart not supported"
	errInvalidRestartToken adminError = "invalid restart token"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}
