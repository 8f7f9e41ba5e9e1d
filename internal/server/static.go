package server

import (
	"embed"
	"net/http"
)

//go:embed static/*
var staticFiles embed.FS

// handleStatic serves one embedded file under a fixed content type. The UI
// is small and fixed; this avoids pulling in a generic static file server
// for four files.
func (s *server) handleStatic(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := staticFiles.ReadFile("static/" + name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header()["Content-Type"] = []string{contentType}
		w.Write(data)
	}
}

func (s *server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
