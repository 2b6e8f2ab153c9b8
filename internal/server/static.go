package server

import (
	"bytes"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/conneroisu/docserve/internal/livereload"
	"github.com/conneroisu/docserve/internal/logging"
)

// staticHandler serves files from root. HTML pages get the live reload
// client injected; everything else is served as-is.
type staticHandler struct {
	root     string
	live     *livereload.Manager
	inputFor func(rel string) (string, bool)
	logger   logging.Logger
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rel := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	name := filepath.Join(h.root, filepath.FromSlash(rel))

	info, err := os.Stat(name)
	if err != nil {
		h.notFound(w, r, err)
		return
	}
	if info.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
			return
		}
		rel = path.Join(rel, "index.html")
		name = filepath.Join(name, "index.html")
		if info, err = os.Stat(name); err != nil {
			h.notFound(w, r, err)
			return
		}
	}

	if h.live == nil || !isHTML(name) {
		http.ServeFile(w, r, name)
		return
	}

	page, err := os.ReadFile(name)
	if err != nil {
		h.notFound(w, r, err)
		return
	}
	input := ""
	if h.inputFor != nil {
		input, _ = h.inputFor(rel)
	}
	out := h.live.InjectClient(page, input)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, name, info.ModTime(), bytes.NewReader(out))
}

func (h *staticHandler) notFound(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	h.logger.Warn(r.Context(), err, "Failed to serve file", "path", r.URL.Path)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func isHTML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".html" || ext == ".htm"
}
