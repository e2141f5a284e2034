// Package server is the HTTP status/health/metrics surface (spec.md §12):
// a read-only runner-status API plus a manual reconcile trigger, and a
// separate metrics listener.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/runnerforge/fleet/internal/runnermanager"
	"github.com/runnerforge/fleet/internal/scaler"
)

// reconciler is the subset of *scaler.Scaler the manual-trigger endpoint
// drives.
type reconciler interface {
	Reconcile(ctx context.Context, quantity int) (scaler.Delta, error)
}

// Server exposes the manager's status over HTTP and runs a separate metrics
// listener (spec.md §12, grounded on fireglab's internal/server/server.go).
type Server struct {
	prefix        string
	address       string
	metricsAddr   string
	runners       *runnermanager.Manager
	scaler        reconciler
	quantity      func() int
	log           *logrus.Logger
}

// New builds a Server. quantity reports the target runner count (or queue
// depth) a manual reconcile should pass to the Scaler.
func New(prefix, address, metricsAddr string, runners *runnermanager.Manager, sc reconciler, quantity func() int, log *logrus.Logger) *Server {
	return &Server{
		prefix:      prefix,
		address:     address,
		metricsAddr: metricsAddr,
		runners:     runners,
		scaler:      sc,
		quantity:    quantity,
		log:         log,
	}
}

// Run starts the API and metrics servers and blocks until ctx is cancelled
// or either server errors.
func (s *Server) Run(ctx context.Context) error {
	apiServer := &http.Server{Addr: s.address, Handler: s.router()}
	metricsServer := &http.Server{Addr: s.metricsAddr, Handler: promhttp.Handler()}

	errChan := make(chan error, 2)
	go func() {
		s.log.Infof("server: api listening on %s", s.address)
		if err := apiServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		s.log.Infof("server: metrics listening on %s", s.metricsAddr)
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("server: shutting down")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Error("server: api shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Error("server: metrics shutdown error")
	}
	return nil
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runners", s.handleRunners).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/reconcile", s.handleReconcile).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "prefix": s.prefix})
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.runners.GetRunners(r.Context(), nil, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]interface{}, 0, len(runners))
	for _, inst := range runners {
		out = append(out, map[string]interface{}{
			"name":        inst.Name,
			"cloud_state": inst.CloudState,
			"ci_state":    inst.CIState,
			"health":      inst.Health,
			"busy":        inst.Busy(),
			"age_seconds": inst.Age().Seconds(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"prefix": s.prefix, "runners": out})
}

// handleReconcile triggers one reconciliation cycle out-of-band, for
// operator-initiated or cron-driven invocation (spec.md §12 "manual
// trigger").
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	delta, err := s.scaler.Reconcile(r.Context(), s.quantity())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"delta": delta})
}
