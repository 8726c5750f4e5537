package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/jsonkit/jsonkit/internal/pathrules"
	"github.com/jsonkit/jsonkit/internal/tree"
)

// errorResponse is the body of every failed API request.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// handleFiles returns the ordered children of the requested directory.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "path parameter is required")
		return
	}

	nodes, err := s.scanner.List(r.Context(), p)
	if err != nil {
		s.logger.Warn("listing failed", slog.String("path", p), slog.String("error", err.Error()))
		writeTreeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// handleFile returns the raw content of one JSON file.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "path parameter is required")
		return
	}
	if !pathrules.IsJSON(p) {
		writeError(w, http.StatusBadRequest, "BadRequest", "only .json files can be read")
		return
	}

	abs, err := s.scanner.Check(p)
	if err != nil {
		writeTreeError(w, err)
		return
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%s: %w", abs, tree.ErrNotFound)
		} else {
			err = fmt.Errorf("read %s: %v: %w", abs, err, tree.ErrIO)
		}
		writeTreeError(w, err)
		return
	}
	if !json.Valid(content) {
		writeTreeError(w, fmt.Errorf("%s: %w", abs, tree.ErrMalformedContent))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(content)
}

// handleConfig returns the public settings.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Settings())
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

var rootPage = template.Must(template.New("root").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>{{.Title}}</title>
</head>
<body>
    <h1>{{.Title}} {{.Version}}</h1>
    <p>Serving <code>{{.Root}}</code></p>
    <p>Change events: <code>ws://{{.Host}}/ws</code></p>
    <p>Listing: <a href="/api/files?path={{.Root}}">/api/files</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>
`))

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	settings := s.Settings()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := rootPage.Execute(w, struct {
		Title, Version, Root, Host string
	}{settings.Title, settings.Version, settings.JSONDirectoryFull, r.Host})
	if err != nil {
		s.logger.Warn("failed to render index", slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, errorResponse{Error: code, Details: details})
}

// writeTreeError maps the error taxonomy onto a status and error code.
func writeTreeError(w http.ResponseWriter, err error) {
	writeError(w, tree.HTTPStatus(err), errorCode(err), err.Error())
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, tree.ErrAccessDenied):
		return "AccessDenied"
	case errors.Is(err, tree.ErrNotFound):
		return "NotFound"
	case errors.Is(err, tree.ErrMalformedContent):
		return "MalformedContent"
	default:
		return "IOError"
	}
}
