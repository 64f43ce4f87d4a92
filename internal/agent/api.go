package agent

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/backup"
	"github.com/stackpilot/stackpilot/internal/version"
)

func (a *Agent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/state", a.handleState)
	mux.HandleFunc("GET /v1/services", a.handleServices)
	mux.HandleFunc("POST /v1/services/{name}/restart", a.handleRestart)
	mux.HandleFunc("GET /v1/backups", a.handleListBackups)
	mux.HandleFunc("POST /v1/backups", a.handleCreateBackup)
	mux.HandleFunc("POST /v1/certificates/renew", a.handleRenew)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *Agent) handleHealthz(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"host":    host,
		"version": version.Version,
	})
}

func (a *Agent) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := a.orch.State()
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *Agent) handleServices(w http.ResponseWriter, r *http.Request) {
	infos, err := a.orch.Status(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (a *Agent) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.orch.RestartService(r.Context(), name); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	// An operator restart resets the crash-loop budget for the service.
	a.monitor.Reset(name)
	writeJSON(w, http.StatusOK, map[string]string{"restarted": name})
}

func (a *Agent) handleListBackups(w http.ResponseWriter, r *http.Request) {
	records, err := a.backups.List()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []backup.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *Agent) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	rec, err := a.backups.Create(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "skipped"})
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *Agent) handleRenew(w http.ResponseWriter, r *http.Request) {
	var domains []string
	if d := r.URL.Query().Get("domain"); d != "" {
		domains = append(domains, d)
	}
	if err := a.orch.RenewCertificates(r.Context(), domains...); err != nil {
		log.Warn().Err(err).Msg("renewal via API reported errors")
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
