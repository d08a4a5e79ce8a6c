package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/copyrig/copyrig/internal/domain"
)

// SegmentArchive is the archiver surface the archive endpoints drive.
type SegmentArchive interface {
	ListArchived(ctx context.Context) ([]domain.BlobInfo, error)
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

// ArchiveHandler serves the archived mapping-log segments: list, download,
// delete. The archive is optional; without S3 the endpoints answer 503.
type ArchiveHandler struct {
	archive SegmentArchive
}

func NewArchiveHandler(archive SegmentArchive) *ArchiveHandler {
	return &ArchiveHandler{archive: archive}
}

// ListSegments responds with every archived segment's key, size, and
// modification time.
// GET /api/archive
func (h *ArchiveHandler) ListSegments(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "segment archive not configured")
		return
	}
	infos, err := h.archive.ListArchived(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]any{
			"key":          info.Path,
			"size":         info.Size,
			"lastModified": info.LastModified.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// DownloadSegment streams one archived segment back to the operator.
// GET /api/archive/{key...}
func (h *ArchiveHandler) DownloadSegment(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "segment archive not configured")
		return
	}
	body, err := h.archive.Fetch(r.Context(), r.PathValue("key"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

// DeleteSegment removes one archived segment from the bucket.
// DELETE /api/archive/{key...}
func (h *ArchiveHandler) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "segment archive not configured")
		return
	}
	if err := h.archive.Remove(r.Context(), r.PathValue("key")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
