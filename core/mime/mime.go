// Package mime maps file extensions to the Content-Type sent for them.
package mime

import (
	"path/filepath"
	"strings"
)

// Default is returned for unknown extensions
const Default = "application/octet-stream"

// ContentType returns the MIME type for ext (".html", ".png", ...).
// Matching ignores case.
func ContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".html", ".htm":
		return "text/html"
	case ".css":
		return "text/css"
	case ".js", ".mjs":
		return "text/javascript"
	case ".json":
		return "application/json"
	case ".xml":
		return "application/xml"
	case ".txt":
		return "text/plain"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".ico":
		return "image/x-icon"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	case ".wasm":
		return "application/wasm"
	default:
		return Default
	}
}

// ForFile returns the MIME type for a file name
func ForFile(name string) string {
	return ContentType(filepath.Ext(name))
}
