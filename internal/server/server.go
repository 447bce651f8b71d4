package server

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/BadgerOps/castletracker/internal/config"
	"github.com/BadgerOps/castletracker/internal/engine"
	"github.com/BadgerOps/castletracker/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Server represents the HTTP server for the castletracker web UI.
type Server struct {
	supervisor *engine.Supervisor
	store      *store.Store
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	templates  map[string]*template.Template
	now        func() time.Time
}

// NewServer creates a new Server instance.
func NewServer(
	sup *engine.Supervisor,
	st *store.Store,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		supervisor: sup,
		store:      st,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	if err := s.parseTemplates(); err != nil {
		return err
	}

	// Setup routes
	mux := s.setupRoutes()

	// Create and start HTTP server. The progress stream clears its own
	// write deadline.
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes registers all HTTP routes on a new ServeMux.
// Uses Go 1.22+ enhanced routing with method prefixes and path variables.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Static files
	mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	// Page routes
	mux.HandleFunc("GET /dashboard", s.handleDashboard)

	// Telemetry
	mux.HandleFunc("GET /api/progress", s.handleAPIProgress)
	mux.HandleFunc("GET /api/progress/stream", s.handleAPIProgressStream)

	// Commands
	mux.HandleFunc("POST /api/scan", s.handleAPIScan)
	mux.HandleFunc("POST /api/transfer", s.handleAPITransfer)
	mux.HandleFunc("POST /api/stop", s.handleAPIStop)
	mux.HandleFunc("POST /api/reset", s.handleAPIReset)

	// History and reports
	mux.HandleFunc("GET /api/transfers", s.handleAPITransfers)
	mux.HandleFunc("GET /api/transfers/{id}/files", s.handleAPITransferFiles)
	mux.HandleFunc("POST /api/reports", s.handleAPIReports)
	mux.HandleFunc("GET /reports/{filename}", s.handleReportDownload)

	// Root redirect
	mux.HandleFunc("GET /{$}", s.handleRedirectDashboard)

	return mux
}

// parseTemplates parses every page together with the shared layout. Each
// page gets its own template set so that page-level blocks never collide.
func (s *Server) parseTemplates() error {
	pages, err := fs.Glob(templateFS, "templates/*.html")
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	s.templates = make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		if page == "templates/layout.html" {
			continue
		}
		tmpl, err := template.New("layout.html").
			Funcs(initializeTemplateFuncs()).
			ParseFS(templateFS, "templates/layout.html", page)
		if err != nil {
			return fmt.Errorf("failed to parse template %s: %w", page, err)
		}
		s.templates[page] = tmpl
	}
	return nil
}

// renderTemplate executes the layout of the named page.
func (s *Server) renderTemplate(w http.ResponseWriter, page string, data interface{}) {
	tmpl, ok := s.templates[page]
	if !ok {
		s.logger.Error("template not found", "template", page)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "layout.html", data); err != nil {
		s.logger.Error("failed to render template", "template", page, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// writeJSON encodes v as the response body.
func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// writeJSONStatus sets the content type and status, then encodes v.
func (s *Server) writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	s.writeJSON(w, v)
}

// writeError writes {"error": msg} with the given status.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSONStatus(w, status, map[string]string{"error": msg})
}
