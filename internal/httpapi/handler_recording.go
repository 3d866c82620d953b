package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"confbridge-admin/internal/config"
	"confbridge-admin/internal/rooms"
)

// RecordingHandler streams the room's most recent recording. Files outside
// the configured recordings directory are never served.
func RecordingHandler(cfg *config.Config, svc *rooms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := svc.Get(r.Context(), roomParam(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if room.RecordingFile == "" {
			writeFailure(w, http.StatusNotFound, "room has no recording")
			return
		}

		fullPath := room.RecordingFile
		if !filepath.IsAbs(fullPath) {
			fullPath = filepath.Join(cfg.Recordings.BasePath, fullPath)
		}
		rel, err := filepath.Rel(cfg.Recordings.BasePath, fullPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			writeFailure(w, http.StatusNotFound, "recording not available")
			return
		}

		f, err := os.Open(fullPath)
		if err != nil {
			writeFailure(w, http.StatusNotFound, "file not found")
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			writeFailure(w, http.StatusNotFound, "file not found")
			return
		}

		http.ServeContent(w, r, filepath.Base(fullPath), info.ModTime(), f)
	}
}
