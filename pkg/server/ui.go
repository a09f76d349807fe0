package server

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
)

//go:embed ui
var uiAssets embed.FS

// uiHandler serves the embedded query console.
type uiHandler struct {
	indexHTML []byte
}

func newUIHandler() (*uiHandler, error) {
	indexHTML, err := fs.ReadFile(uiAssets, "ui/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to read index.html: %w", err)
	}
	return &uiHandler{indexHTML: indexHTML}, nil
}

func (h *uiHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(h.indexHTML)
}
