// Package ui provides the embedded web UI for muxgrab.
package ui

import (
	_ "embed"
)

// IndexHTML is the single page UI: paste a URL, pick a resolution, download.
// It talks to the /api/v1 session endpoints.
//
//go:embed index.html
var IndexHTML []byte
