package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jsonkit/jsonkit/internal/tree"
)

// Settings is the server's public configuration.
type Settings struct {
	Title             string            `json:"title"`
	Version           string            `json:"version"`
	JSONDirectory     string            `json:"jsonDirectory"`
	JSONDirectoryFull string            `json:"jsonDirectoryFull"`
	ExtData           map[string]string `json:"extData"`
	ExtDataFilterSize int               `json:"extDataFilterSize"`
	PortWss           int               `json:"portWss"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Details string `json:"details"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Details)
	}
	return fmt.Sprintf("server returned %d %s", e.Status, e.Code)
}

// Unwrap maps the error code back onto the tree error taxonomy.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "AccessDenied":
		return tree.ErrAccessDenied
	case "NotFound":
		return tree.ErrNotFound
	case "MalformedContent":
		return tree.ErrMalformedContent
	case "IOError":
		return tree.ErrIO
	}
	return nil
}

// API fetches listings, files and settings from a server.
type API struct {
	base *url.URL
	http *http.Client
}

// NewAPI creates a client for the server at baseURL. httpClient may be nil.
func NewAPI(baseURL string, httpClient *http.Client) (*API, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{base: u, http: httpClient}, nil
}

// Tree returns the listing of the directory at path.
func (a *API) Tree(ctx context.Context, path string) ([]*tree.Node, error) {
	var nodes []*tree.Node
	if err := a.getJSON(ctx, "/api/files", url.Values{"path": {path}}, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// File returns the raw JSON content of the file at path.
func (a *API) File(ctx context.Context, path string) (json.RawMessage, error) {
	body, err := a.get(ctx, "/api/file", url.Values{"path": {path}})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Config returns the server's public settings.
func (a *API) Config(ctx context.Context) (Settings, error) {
	var s Settings
	err := a.getJSON(ctx, "/config", nil, &s)
	return s, err
}

// PushURL returns the WebSocket URL for change events. A non-zero
// settings.PortWss selects the dedicated listener on the same host.
func (a *API) PushURL(settings Settings) string {
	u := *a.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	if settings.PortWss != 0 {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(settings.PortWss))
		u.Path = "/"
	} else {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	return u.String()
}

func (a *API) getJSON(ctx context.Context, route string, query url.Values, v any) error {
	body, err := a.get(ctx, route, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s response: %w", route, err)
	}
	return nil
}

func (a *API) get(ctx context.Context, route string, query url.Values) ([]byte, error) {
	u := *a.base
	u.Path = strings.TrimRight(u.Path, "/") + route
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", route, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", route, err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		if jerr := json.Unmarshal(body, apiErr); jerr != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return body, nil
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
