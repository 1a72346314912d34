// ABOUTME: HTTP handler streaming registered temp files to authenticated devices
// ABOUTME: Route: GET /files/{fileID}?accountId=... with the account's bearer token

package relay

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/2389/wap-gateway/internal/auth"
	"github.com/2389/wap-gateway/internal/tempfile"
)

// FileIDParam is the chi URL parameter holding the temp-file id.
const FileIDParam = "fileID"

// FileHandler serves temp files. Unknown ids, ids owned by another account
// and vanished files all answer 404; ids past their TTL answer 410.
type FileHandler struct {
	files   *tempfile.Registry
	resolve auth.Resolver
	logger  *slog.Logger
}

// NewFileHandler creates a handler over files, authenticating with resolve.
func NewFileHandler(files *tempfile.Registry, resolve auth.Resolver, logger *slog.Logger) *FileHandler {
	return &FileHandler{
		files:   files,
		resolve: resolve,
		logger:  logger.With("component", "files"),
	}
}

func (h *FileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	acct := h.resolve(auth.AccountID(r))
	if err := auth.Authenticate(acct, r); err != nil {
		if errors.Is(err, auth.ErrAccountDisabled) {
			http.Error(w, "account disabled", http.StatusForbidden)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	fileID := chi.URLParam(r, FileIDParam)
	entry, err := h.files.Lookup(fileID)
	switch {
	case errors.Is(err, tempfile.ErrNotFound):
		http.Error(w, "file not found", http.StatusNotFound)
		return
	case entry.AccountID != acct.AccountID:
		http.Error(w, "file not found", http.StatusNotFound)
		return
	case errors.Is(err, tempfile.ErrExpired):
		http.Error(w, "file expired", http.StatusGone)
		return
	}

	f, err := os.Open(entry.FilePath)
	if err != nil {
		h.logger.Warn("temp file unavailable", "file_id", fileID, "path", entry.FilePath, "error", err)
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(entry.FileName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": entry.FileName}))
	w.Header().Set("Cache-Control", "no-store")

	h.logger.Debug("serving temp file", "file_id", fileID, "account_id", acct.AccountID, "size", info.Size())
	http.ServeContent(w, r, entry.FileName, info.ModTime(), f)
}
