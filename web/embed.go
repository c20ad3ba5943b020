// Package web holds the locallm dashboard: a single page with streaming chat
// against /v1/chat/completions, a live metrics panel fed by /api/metrics,
// model pull and removal, and the recent history list. internal/ui serves
// these files and proxies the API calls they make.
package web

import (
	"embed"
	"io/fs"
)

//go:embed static
var assets embed.FS

// StaticFiles is the dashboard with index.html at its root.
var StaticFiles, _ = fs.Sub(assets, "static")
