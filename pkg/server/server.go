package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/forecaster/pkg/engine"
	"github.com/raterudder/forecaster/pkg/forecast"
	"github.com/raterudder/forecaster/pkg/log"
)

// Engine is the part of *engine.Engine the server drives.
type Engine interface {
	Aggregator() *forecast.Aggregator
	Status() engine.Status
	Update(ctx context.Context, trigger engine.Trigger) error
	ClearCache(ctx context.Context) error
	SetDampening(ctx context.Context, site string, factors []float64) error
	GetDampening(site string) ([]float64, bool)
	SetHardLimit(ctx context.Context, limit string) error
}

// tokenVerifier validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server exposes the forecast queries and admin operations over HTTP.
type Server struct {
	engine Engine

	listenAddr string
	httpServer *http.Server

	adminEmails []string
	verifier    tokenVerifier
	serverName  string
	now         func() time.Time
}

// Configured returns a Server for e, configured from flags.
func Configured(e Engine) *Server {
	srv := &Server{
		engine:     e,
		serverName: "forecaster",
		now:        time.Now,
	}
	if revision := os.Getenv("K_REVISION"); revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to call admin endpoints")
	oidcIssuer := lflag.String("oidc-issuer", "", "OIDC issuer that signs admin bearer tokens (e.g. https://accounts.google.com); empty disables admin auth")
	oidcAudience := lflag.String("oidc-audience", "", "audience to validate on admin bearer tokens")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcIssuer != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/total", s.handleTotal)
	apiMux.HandleFunc("GET /api/moment", s.handleMoment)
	apiMux.HandleFunc("GET /api/remaining", s.handleRemaining)
	apiMux.HandleFunc("GET /api/peak", s.handlePeak)
	apiMux.HandleFunc("GET /api/day", s.handleDay)
	apiMux.HandleFunc("GET /api/hour", s.handleHour)
	apiMux.HandleFunc("GET /api/completeness", s.handleCompleteness)
	apiMux.HandleFunc("GET /api/usage", s.handleUsage)
	apiMux.HandleFunc("GET /api/dampening", s.handleGetDampening)
	apiMux.Handle("POST /api/update", s.adminMiddleware(http.HandlerFunc(s.handleUpdate)))
	apiMux.Handle("POST /api/clearCache", s.adminMiddleware(http.HandlerFunc(s.handleClearCache)))
	apiMux.Handle("POST /api/dampening", s.adminMiddleware(http.HandlerFunc(s.handleSetDampening)))
	apiMux.Handle("POST /api/hardLimit", s.adminMiddleware(http.HandlerFunc(s.handleSetHardLimit)))

	mux := http.NewServeMux()
	mux.Handle("/api/", s.logMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(securityHeaders(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.WithAttrs(r.Context(), slog.String("reqPath", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}
