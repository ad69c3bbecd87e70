package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sceneactivity/sceneactivity/internal/auth"
	"github.com/sceneactivity/sceneactivity/internal/httputil"
	"github.com/sceneactivity/sceneactivity/internal/storage"
	"github.com/sceneactivity/sceneactivity/internal/validate"
)

const (
	exportURLExpiry    = time.Hour
	maxImportEntries   = 10000
	defaultImportLimit = 16 << 20
)

// ExportDocument is the portable form of a scene's activity.
type ExportDocument struct {
	SceneID      string      `json:"sceneId"`
	Title        string      `json:"title"`
	PlayHistory  []time.Time `json:"playHistory"`
	OHistory     []time.Time `json:"oHistory"`
	PlayDuration float64     `json:"playDuration"`
	ResumeTime   float64     `json:"resumeTime"`
	ExportedAt   time.Time   `json:"exportedAt"`
}

func (d *ExportDocument) validate() string {
	if len(d.PlayHistory) > maxImportEntries || len(d.OHistory) > maxImportEntries {
		return fmt.Sprintf("at most %d entries per history can be imported", maxImportEntries)
	}
	for _, list := range [][]time.Time{d.PlayHistory, d.OHistory} {
		for _, t := range list {
			if t.IsZero() {
				return "history entries must be non-zero RFC 3339 timestamps"
			}
		}
	}
	if msg := validate.Seconds(d.PlayDuration, "playDuration"); msg != "" {
		return msg
	}
	return validate.Seconds(d.ResumeTime, "resumeTime")
}

// normalize rewrites the history timestamps in place to UTC at the
// microsecond precision the database stores, so merging compares like
// with like.
func (d *ExportDocument) normalize() {
	for _, list := range [][]time.Time{d.PlayHistory, d.OHistory} {
		for i, t := range list {
			list[i] = t.UTC().Truncate(time.Microsecond)
		}
	}
}

type exportResponse struct {
	DownloadURL string `json:"downloadUrl"`
	Key         string `json:"key"`
	ExpiresAt   string `json:"expiresAt"`
}

// Export writes the scene's activity to object storage and returns a
// presigned link to it.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	id, ok := sceneID(w, r)
	if !ok {
		return
	}

	a, err := h.store.Activity(r.Context(), userID, id)
	if err != nil {
		writeStoreError(w, err, "failed to load activity")
		return
	}

	now := time.Now().UTC()
	body, err := json.MarshalIndent(ExportDocument{
		SceneID:      a.SceneID,
		Title:        a.Title,
		PlayHistory:  a.PlayHistory,
		OHistory:     a.OHistory,
		PlayDuration: a.PlayDuration,
		ResumeTime:   a.ResumeTime,
		ExportedAt:   now,
	}, "", "  ")
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to encode export")
		return
	}

	key := ExportKey(userID, id)
	if err := h.storage.PutObject(r.Context(), key, body, "application/json"); err != nil {
		slog.Error("history: export upload failed", "scene_id", id, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to store export")
		return
	}

	url, err := h.storage.GenerateDownloadURL(r.Context(), key, "scene-history-"+id+".json", exportURLExpiry)
	if err != nil {
		slog.Error("history: export presign failed", "scene_id", id, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to generate download URL")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, exportResponse{
		DownloadURL: url,
		Key:         key,
		ExpiresAt:   now.Add(exportURLExpiry).Format(time.RFC3339),
	})
}

// Import merges an export document into the scene. Without a request body
// the scene's last stored export is restored. Problems with a request body
// answer 400; problems with the stored export answer 422.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	id, ok := sceneID(w, r)
	if !ok {
		return
	}

	var doc *ExportDocument
	if err := httputil.DecodeJSONLimit(w, r, &doc, h.importLimit, true); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("export document exceeds %d bytes", tooLarge.Limit))
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	fromStorage := doc == nil
	if fromStorage {
		data, err := h.storage.ReadObject(r.Context(), ExportKey(userID, id))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httputil.WriteError(w, http.StatusNotFound, "no export found for scene")
				return
			}
			slog.Error("history: export download failed", "scene_id", id, "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "failed to read export")
			return
		}
		if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "stored export is corrupt")
			return
		}
	}
	if msg := doc.validate(); msg != "" {
		if fromStorage {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "stored export is invalid: "+msg)
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	doc.normalize()

	result, err := h.store.Import(r.Context(), userID, id, *doc)
	if err != nil {
		writeStoreError(w, err, "failed to import history")
		return
	}
	h.invalidate(r.Context(), userID, id)
	httputil.WriteJSON(w, http.StatusOK, result)
}
