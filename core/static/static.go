// Package static registers one exact-match route per regular file of a
// directory.
package static

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/searchktools/chunk-server/core/http"
	"github.com/searchktools/chunk-server/core/logsink"
	"github.com/searchktools/chunk-server/core/mime"
	"github.com/searchktools/chunk-server/core/router"
)

// DefaultIndex is the file served for "/"
const DefaultIndex = "index.html"

// Route is one registered file
type Route struct {
	Path        string
	File        string
	ContentType string
}

// RegisterDir adds a route "/<name>" for every regular file directly inside
// dir (subdirectories are not walked) that streams the file with the MIME
// type of its extension. "/" streams the index file. Existing routes with
// the same path are replaced.
func RegisterDir(table *router.Table, dir, index string, log *logsink.Logger) ([]Route, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("static: read %s: %w", dir, err)
	}

	if index == "" {
		index = DefaultIndex
	}

	var routes []Route
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		r := Route{
			Path:        "/" + entry.Name(),
			File:        filepath.Join(dir, entry.Name()),
			ContentType: mime.ForFile(entry.Name()),
		}
		table.Add(r.Path, FileHandler(r.File, r.ContentType))
		routes = append(routes, r)

		log.Debug("Adding route %s for file %s with content type %s", r.Path, r.File, r.ContentType)
	}

	// The index route is registered even if the file is missing; requests
	// then get the usual "File not found" answer.
	root := Route{
		Path:        "/",
		File:        filepath.Join(dir, index),
		ContentType: mime.ForFile(index),
	}
	table.Add(root.Path, FileHandler(root.File, root.ContentType))
	routes = append(routes, root)

	return routes, nil
}

// FileHandler returns a handler streaming path
func FileHandler(path, contentType string) router.HandlerFunc {
	return func(w http.Responder, req *http.Request) {
		w.StreamFile(path, contentType)
	}
}
