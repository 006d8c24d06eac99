package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Maphikza/truth-machine/internal/logger"
	"github.com/Maphikza/truth-machine/internal/metrics"
	"github.com/gorilla/mux"
)

type ServerConfig struct {
	Port           int
	AllowedOrigin  string
	AdminJWTSecret string
	CallbackToken  string
}

// NewRouter registers every route of the service.
func NewRouter(s *API, cfg ServerConfig) *mux.Router {
	common := []func(http.HandlerFunc) http.HandlerFunc{
		CORSMiddleware(cfg.AllowedOrigin),
		ErrorMiddleware,
		LoggingMiddleware,
		RequestIDMiddleware,
	}
	admin := JWTMiddleware([]byte(cfg.AdminJWTSecret))
	route := func(h http.HandlerFunc, extra ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
		// Extra middleware runs innermost, after the request id is set.
		return ApplyMiddleware(ApplyMiddleware(h, extra...), common...)
	}

	r := mux.NewRouter()
	r.HandleFunc("/fund/{count}", route(s.HandleFund, admin)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/checkTreasury", route(s.HandleCheckTreasury)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/upload", route(s.HandleUpload)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/download/{id}", route(s.HandleDownload)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/integrity/{id}", route(s.HandleIntegrity)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/callback", route(s.HandleCallback, CallbackAuthMiddleware(cfg.CallbackToken))).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/utxoStatusUpdate", route(s.HandleUtxoStatusUpdate, admin)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Server is the HTTP front of the service.
type Server struct {
	srv *http.Server
}

func NewServer(s *API, cfg ServerConfig) *Server {
	return &Server{srv: &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(s, cfg),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("Shutting down HTTP server")
		return s.srv.Shutdown(shutdownCtx)
	}
}
