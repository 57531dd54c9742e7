// pattern: Imperative Shell

package build

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// fileHandler serves compiled output first, then the public directory.
// Extensionless paths that match nothing get public/index.html so
// client-side routes load the app.
type fileHandler struct {
	roots []string
	index string
}

func newFileHandler(outputDir, publicDir string) *fileHandler {
	return &fileHandler{
		roots: []string{outputDir, publicDir},
		index: filepath.Join(publicDir, "index.html"),
	}
}

func (h *fileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	for _, root := range h.roots {
		if root == "" {
			continue
		}
		name := filepath.Join(root, filepath.FromSlash(clean))
		if info, err := os.Stat(name); err == nil {
			if info.IsDir() {
				name = filepath.Join(name, "index.html")
				if _, err := os.Stat(name); err != nil {
					continue
				}
			}
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, name)
			return
		}
	}

	if path.Ext(clean) == "" && !strings.HasPrefix(clean, "/__devsync") {
		if _, err := os.Stat(h.index); err == nil {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, h.index)
			return
		}
	}
	http.NotFound(w, r)
}
