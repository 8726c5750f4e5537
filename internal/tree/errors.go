package tree

import (
	"errors"
	"net/http"
)

// Errors shared by the scanner, extractor and watcher.
//
// Check them with errors.Is():
//
//	if errors.Is(err, tree.ErrAccessDenied) {
//	    // reject the request
//	}
var (
	// ErrAccessDenied is returned when a path falls outside the served root
	// or inside the excluded asset root.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound is returned when a requested path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIO is returned when a path exists but cannot be listed or read.
	ErrIO = errors.New("i/o error")

	// ErrMalformedContent is returned when a file is not valid JSON.
	// It never aborts a scan; the file degrades to having no extData.
	ErrMalformedContent = errors.New("malformed content")

	// ErrWatcherFatal is returned when the watched root becomes
	// inaccessible. The watcher stops and does not retry.
	ErrWatcherFatal = errors.New("watcher failed")
)

// IsFatal returns true if err must terminate the owning process's watch.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrWatcherFatal)
}

// IsDegradable returns true if err only affects a single file or subtree and
// should be logged and absorbed rather than propagated.
func IsDegradable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrMalformedContent) || errors.Is(err, ErrIO) || errors.Is(err, ErrNotFound)
}

// HTTPStatus maps err to the status code served for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
