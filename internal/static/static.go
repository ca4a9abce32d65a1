// Package static serves the built studio UI from disk with SPA fallback
// routing. The index document is rewritten on the way out to carry the
// runtime bootstrap config, so the bundle itself stays environment-free.
package static

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Bootstrap is the runtime config injected into the index document as
// window.__REELAY__.
type Bootstrap struct {
	WSPath        string `json:"wsPath"`
	Protocol      string `json:"protocol"`
	PreviewPrefix string `json:"previewPrefix,omitempty"`
}

// Handler serves files under a root directory. Paths that do not resolve to
// a regular file get the index document instead, so client-side routes
// survive a reload.
type Handler struct {
	root      string
	indexName string
	bootstrap Bootstrap
	logger    *log.Logger

	mu       sync.Mutex
	indexBuf []byte
	indexMod time.Time
}

// Option configures the handler.
type Option func(*Handler)

// WithLogger overrides the logger.
func WithLogger(l *log.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler builds a handler rooted at dir. indexName is relative to dir
// and defaults to index.html.
func NewHandler(dir, indexName string, boot Bootstrap, opts ...Option) *Handler {
	if indexName == "" {
		indexName = "index.html"
	}
	h := &Handler{
		root:      dir,
		indexName: indexName,
		bootstrap: boot,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	if clean == "/" || clean == "/"+h.indexName {
		h.serveIndex(w, r)
		return
	}

	full, ok := h.resolve(clean)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() {
		http.ServeFile(w, r, full)
		return
	}

	// No file at that path: hand the SPA its index and let the client
	// router sort it out.
	h.serveIndex(w, r)
}

// resolve maps a cleaned URL path to a filesystem path, refusing anything
// that would escape the root.
func (h *Handler) resolve(clean string) (string, bool) {
	full := filepath.Join(h.root, filepath.FromSlash(clean))
	rootAbs, err := filepath.Abs(h.root)
	if err != nil {
		return "", false
	}
	fullAbs, err := filepath.Abs(full)
	if err != nil {
		return "", false
	}
	if fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request) {
	buf, err := h.injectedIndex()
	if err != nil {
		h.logger.Printf("[Static] index unavailable: %v", err)
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(buf)
}

// injectedIndex returns the index document with the bootstrap script in its
// head, re-reading from disk only when the file changes.
func (h *Handler) injectedIndex() ([]byte, error) {
	indexPath := filepath.Join(h.root, filepath.FromSlash(h.indexName))
	info, err := os.Stat(indexPath)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.indexBuf != nil && info.ModTime().Equal(h.indexMod) {
		return h.indexBuf, nil
	}

	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, err
	}
	injected, err := inject(raw, h.bootstrap)
	if err != nil {
		return nil, err
	}
	h.indexBuf = injected
	h.indexMod = info.ModTime()
	return injected, nil
}

// inject parses the document and appends the bootstrap script to its head.
func inject(doc []byte, boot Bootstrap) ([]byte, error) {
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(string(doc)))
	if err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}

	// json.Marshal escapes angle brackets, so the payload cannot break out
	// of the script element.
	payload, err := json.Marshal(boot)
	if err != nil {
		return nil, fmt.Errorf("encode bootstrap: %w", err)
	}
	script := fmt.Sprintf("<script>window.__REELAY__ = %s;</script>", payload)
	parsed.Find("head").First().AppendHtml(script)

	out, err := parsed.Html()
	if err != nil {
		return nil, fmt.Errorf("render index: %w", err)
	}
	return []byte(out), nil
}
