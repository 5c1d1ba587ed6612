package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/faqeel/sparkify-pipeline/internal/log"
	"github.com/faqeel/sparkify-pipeline/pkg/graph"
	"github.com/faqeel/sparkify-pipeline/pkg/service"
	"github.com/faqeel/sparkify-pipeline/pkg/storage"
	"github.com/pkg/errors"
)

// NewMux wires the status and trigger endpoints. Runs triggered over HTTP
// execute under ctx.
func NewMux(ctx context.Context, svc *service.RunService, g *graph.Graph) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/runs", RunsHandler(ctx, svc, g))
	mux.HandleFunc("/runs/", RunByIDHandler(svc))
	return mux
}

// StartServer serves until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, addr string, svc *service.RunService, g *graph.Graph) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, svc, g),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting sparkify server on %s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "sparkify server is running")
}

type triggerRequest struct {
	LogicalDate string `json:"logical_date"`
	Wait        bool   `json:"wait"`
}

type statusRequest struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

func RunsHandler(ctx context.Context, svc *service.RunService, g *graph.Graph) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listRunsHTTP(w, svc)
		case http.MethodPost:
			triggerRunHTTP(ctx, w, r, svc, g)
		case http.MethodPut:
			updateRunStatusHTTP(w, r, svc)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// RunByIDHandler serves /runs/{id} and /runs/{id}/logs.
func RunByIDHandler(svc *service.RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/"), "/")
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || len(parts) > 2 || (len(parts) == 2 && parts[1] != "logs") {
			http.Error(w, "Invalid run path", http.StatusBadRequest)
			return
		}
		if len(parts) == 2 {
			logs, err := svc.ExecutionLogs(id)
			if err != nil {
				writeError(w, "Failed to get execution logs", err)
				return
			}
			writeJSON(w, http.StatusOK, logs)
			return
		}
		run, err := svc.GetRun(id)
		if err != nil {
			writeError(w, "Failed to get run", err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func listRunsHTTP(w http.ResponseWriter, svc *service.RunService) {
	runs, err := svc.ListRuns()
	if err != nil {
		log.GetLogger().Errorf("Failed to list runs: %v", err)
		writeError(w, "Failed to list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func triggerRunHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request, svc *service.RunService, g *graph.Graph) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.GetLogger().Errorf("Invalid body in POST /runs: %v", err)
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	logicalDate, err := ParseLogicalDate(req.LogicalDate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	run, err := svc.CreateRun(g, logicalDate)
	if err != nil {
		log.GetLogger().Errorf("Failed to create run: %v", err)
		http.Error(w, fmt.Sprintf("Failed to create run: %v", err), http.StatusConflict)
		return
	}
	if req.Wait {
		final, err := svc.ExecuteRun(r.Context(), g, run.ID)
		if err != nil && final.ID == 0 {
			writeError(w, "Failed to execute run", err)
			return
		}
		writeJSON(w, http.StatusOK, final)
		return
	}
	go func() {
		if _, err := svc.ExecuteRun(ctx, g, run.ID); err != nil {
			log.GetLogger().Errorf("Run %d failed: %v", run.ID, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, run)
}

func updateRunStatusHTTP(w http.ResponseWriter, r *http.Request, svc *service.RunService) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == 0 || req.Status == "" {
		http.Error(w, "Both 'id' and 'status' are required", http.StatusBadRequest)
		return
	}
	if err := svc.UpdateRunStatus(req.ID, req.Status); err != nil {
		log.GetLogger().Errorf("Failed to update run status: %v", err)
		writeError(w, "Failed to update run status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      req.ID,
		"message": fmt.Sprintf("Updated the status of run %d to '%s'", req.ID, strings.ToUpper(req.Status)),
	})
}

// ParseLogicalDate accepts RFC3339 or a plain date; empty means the start
// of the current hour.
func ParseLogicalDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Now().UTC().Truncate(time.Hour), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid logical date %q: use RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidStatus):
		status = http.StatusBadRequest
	}
	http.Error(w, fmt.Sprintf("%s: %v", msg, err), status)
}
