// Package api serves the verification engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/harrison/taskproof/internal/ledger"
	"github.com/harrison/taskproof/internal/logger"
	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/pipeline"
	"github.com/harrison/taskproof/internal/verify"
)

// Engine is the part of verify.Machine the API exposes.
type Engine interface {
	Snapshot(ctx context.Context, taskID string) (*verify.Status, error)
	Snapshots(ctx context.Context) []*verify.Status
	Enable(ctx context.Context, taskID string, cfg models.VerificationConfig) (*verify.Status, error)
	Disable(ctx context.Context, taskID string) error
	OpenStartWindow(ctx context.Context, taskID string) (*verify.Status, error)
	Restart(ctx context.Context, taskID string) (*verify.Status, error)
	Cancel(ctx context.Context, taskID string) (*verify.Status, error)
	Submit(ctx context.Context, taskID string, phase models.Phase, photo pipeline.Photo) (*verify.Outcome, error)
	StartTask(ctx context.Context, taskID string) (*verify.Outcome, error)
	CompleteTask(ctx context.Context, taskID string) (*verify.Outcome, error)
}

// Ledger is the read side of the gold ledger.
type Ledger interface {
	Entries(ctx context.Context, taskID string) ([]models.LedgerEntry, error)
	Balance(ctx context.Context) (int, error)
	Summarize(ctx context.Context, taskID string) (ledger.Summary, error)
}

var _ Engine = (*verify.Machine)(nil)
var _ Ledger = (*ledger.Service)(nil)

// Server routes API requests.
type Server struct {
	router *mux.Router
	cors   *cors.Cors
	engine Engine
	ledger Ledger
	log    logger.Logger
}

// NewServer builds the router. allowedOrigins defaults to localhost only.
func NewServer(engine Engine, gold Ledger, log logger.Logger, allowedOrigins ...string) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	s := &Server{
		router: mux.NewRouter(),
		cors: cors.New(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "Accept", "Content-Length", "Origin"},
		}),
		engine: engine,
		ledger: gold,
		log:    logger.OrNop(log),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(mux.CORSMethodMiddleware(api))

	api.HandleFunc("/health", s.health).Methods("GET")
	api.HandleFunc("/verifications", s.listVerifications).Methods("GET")

	// Verification routes
	api.HandleFunc("/tasks/{id}/verification", s.getVerification).Methods("GET")
	api.HandleFunc("/tasks/{id}/verification", s.enableVerification).Methods("POST")
	api.HandleFunc("/tasks/{id}/verification", s.disableVerification).Methods("DELETE")
	api.HandleFunc("/tasks/{id}/verification/open", s.openStartWindow).Methods("POST")
	api.HandleFunc("/tasks/{id}/verification/submit/{phase}", s.submit).Methods("POST")
	api.HandleFunc("/tasks/{id}/verification/cancel", s.cancel).Methods("POST")
	api.HandleFunc("/tasks/{id}/verification/restart", s.restart).Methods("POST")

	// Tasks without verification
	api.HandleFunc("/tasks/{id}/bypass/{action}", s.bypass).Methods("POST")

	// Ledger routes
	api.HandleFunc("/ledger", s.getBalance).Methods("GET")
	api.HandleFunc("/ledger/{id}", s.getTaskLedger).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

// Start serves on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
