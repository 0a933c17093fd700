package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/quikhit/bidengine/internal/domain"
)

// archivePrefix is where the retention archiver writes auction exports.
const archivePrefix = "archive/auctions/"

// ArchiveHandler lets operators browse and fetch archived auction exports.
// Registered only when blob storage is wired.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		blobs:  blobs,
		logger: logHandler(logger, "archive"),
	}
}

type listArchivesResponse struct {
	Keys []string `json:"keys"`
}

// List returns the object keys of archived auctions, optionally narrowed by
// a prefix under the archive root (e.g. "2026/08/").
// GET /api/archives
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix := archivePrefix + strings.TrimPrefix(r.URL.Query().Get("prefix"), "/")
	keys, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listArchivesResponse{Keys: keys})
}

// Get streams one archived auction export.
// GET /api/archives/{key...}
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := pathParam(r, "key")
	if key == "" || strings.Contains(key, "..") {
		writeError(w, http.StatusBadRequest, "invalid archive key")
		return
	}

	body, err := h.blobs.Get(r.Context(), archivePrefix+key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream interrupted",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
