// Package server implements the maintenance page server: the worker process
// pool that renders maintenance pages in different formats based on the
// request's Accept header.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	// FormatHTML, FormatJSON and FormatXML are the supported page formats.
	FormatHTML = "html"
	FormatJSON = "json"
	FormatXML  = "xml"

	// PageHeader selects a custom page by name; the page query parameter
	// takes precedence.
	PageHeader = "X-Maintenance-Page"

	// retryAfterSeconds is suggested to clients on every maintenance
	// response.
	retryAfterSeconds = "3600"

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// DefaultJSON and DefaultXML are served when no page provides the requested
// format and no override is configured.
const (
	DefaultJSON = `{"status":"maintenance","message":"Service under maintenance","code":503}`
	DefaultXML  = `<?xml version="1.0"?><response><status>maintenance</status></response>`
)

// PageGetter loads a named custom page in the given format. A missing page
// or format is reported as empty content, not an error.
type PageGetter interface {
	CustomPage(ctx context.Context, name, format string) (string, error)
}

// Config holds the page server settings.
type Config struct {
	// Addr is the listen address.
	Addr string

	// StatusCode is the HTTP status of every maintenance response.
	StatusCode int

	// DefaultHTML, DefaultJSON and DefaultXML are the fallback payloads
	// per format.
	DefaultHTML string
	DefaultJSON string
	DefaultXML  string
}

// Server serves maintenance pages with content-type negotiation.
type Server struct {
	cfg   Config
	pages PageGetter
}

// New creates a Server. Empty default payloads fall back to the built-in
// JSON/XML bodies; HTML falls back to the renderer's fallback page.
func New(cfg Config, pages PageGetter) *Server {
	if cfg.DefaultJSON == "" {
		cfg.DefaultJSON = DefaultJSON
	}

	if cfg.DefaultXML == "" {
		cfg.DefaultXML = DefaultXML
	}

	return &Server{cfg: cfg, pages: pages}
}

// Handler returns the HTTP handler: health endpoints plus a catch-all that
// serves the maintenance page for any path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	mux.HandleFunc("/", s.servePage)

	return mux
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	slog.Default().Info("maintenance page server listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "page server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Wrap(httpServer.Shutdown(shutdownCtx), "page server shutdown failed")
}

func (s *Server) servePage(w http.ResponseWriter, r *http.Request) {
	format := NegotiateFormat(r.Header.Get("Accept"))

	pageName := r.URL.Query().Get("page")
	if pageName == "" {
		pageName = r.Header.Get(PageHeader)
	}

	var body string

	if pageName != "" {
		custom, err := s.pages.CustomPage(r.Context(), pageName, format)
		if err != nil {
			slog.Default().Warn("failed to load custom page",
				"page", pageName, "format", format, "error", err)
		}

		body = custom
	}

	if body == "" {
		body = s.defaultBody(format)
	}

	w.Header().Set("Content-Type", mimeType(format))
	w.Header().Set("Retry-After", retryAfterSeconds)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(s.cfg.StatusCode)
	_, _ = w.Write([]byte(body))

	slog.Default().Info("served maintenance page",
		"path", r.URL.Path, "format", format, "page", pageName)
}

func (s *Server) defaultBody(format string) string {
	switch format {
	case FormatJSON:
		return s.cfg.DefaultJSON
	case FormatXML:
		return s.cfg.DefaultXML
	default:
		return s.cfg.DefaultHTML
	}
}

// NegotiateFormat picks the page format for an Accept header. HTML wins over
// JSON over XML, since browsers commonly request HTML; wildcard and unknown
// headers fall back to HTML.
func NegotiateFormat(accept string) string {
	if accept == "" {
		return FormatHTML
	}

	lower := strings.ToLower(accept)

	switch {
	case strings.Contains(lower, "text/html"):
		return FormatHTML
	case strings.Contains(lower, "application/json"):
		return FormatJSON
	case strings.Contains(lower, "application/xml"), strings.Contains(lower, "text/xml"):
		return FormatXML
	default:
		return FormatHTML
	}
}

func mimeType(format string) string {
	switch format {
	case FormatJSON:
		return "application/json"
	case FormatXML:
		return "application/xml"
	default:
		return "text/html"
	}
}
