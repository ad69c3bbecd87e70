package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/sceneactivity/sceneactivity/internal/auth"
	"github.com/sceneactivity/sceneactivity/internal/cache"
	"github.com/sceneactivity/sceneactivity/internal/database"
	"github.com/sceneactivity/sceneactivity/internal/history"
	"github.com/sceneactivity/sceneactivity/internal/httputil"
	"github.com/sceneactivity/sceneactivity/internal/validate"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type ObjectStorage interface {
	DeleteObject(ctx context.Context, key string) error
}

type Cache interface {
	Delete(ctx context.Context, keys ...string) error
}

type Handler struct {
	db      database.DBTX
	storage ObjectStorage
	cache   Cache
	wg      sync.WaitGroup
}

func NewHandler(db database.DBTX, s ObjectStorage, c Cache) *Handler {
	return &Handler{db: db, storage: s, cache: c}
}

// Wait blocks until background export cleanups have finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

type sceneItem struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"durationSeconds"`
	PlayCount       int64   `json:"playCount"`
	OCounter        int64   `json:"oCounter"`
	PlayDuration    float64 `json:"playDuration"`
	ResumeTime      float64 `json:"resumeTime"`
	LastPlayedAt    *string `json:"lastPlayedAt"`
	CreatedAt       string  `json:"createdAt"`
}

const selectScenes = `SELECT s.id, s.title, s.duration_seconds, s.play_duration, s.resume_time,
        s.last_played_at, s.created_at,
        (SELECT COUNT(*) FROM scene_play_dates p WHERE p.scene_id = s.id) AS play_count,
        (SELECT COUNT(*) FROM scene_o_dates o WHERE o.scene_id = s.id) AS o_counter
 FROM scenes s`

func scanScene(row pgx.Row) (sceneItem, error) {
	var item sceneItem
	var lastPlayedAt *time.Time
	var createdAt time.Time
	if err := row.Scan(&item.ID, &item.Title, &item.DurationSeconds, &item.PlayDuration, &item.ResumeTime,
		&lastPlayedAt, &createdAt, &item.PlayCount, &item.OCounter); err != nil {
		return sceneItem{}, err
	}
	if lastPlayedAt != nil {
		s := lastPlayedAt.UTC().Format(time.RFC3339)
		item.LastPlayedAt = &s
	}
	item.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	return item, nil
}

type createRequest struct {
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"durationSeconds"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req createRequest
	if err := httputil.DecodeJSON(w, r, &req, false); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if msg := validate.Title(title); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validate.Seconds(req.DurationSeconds, "durationSeconds"); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	item := sceneItem{Title: title, DurationSeconds: req.DurationSeconds}
	var createdAt time.Time
	if err := h.db.QueryRow(r.Context(),
		`INSERT INTO scenes (user_id, title, duration_seconds)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		userID, title, req.DurationSeconds,
	).Scan(&item.ID, &createdAt); err != nil {
		slog.Error("scene: create failed", "user_id", userID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create scene")
		return
	}
	item.CreatedAt = createdAt.UTC().Format(time.RFC3339)

	httputil.WriteJSON(w, http.StatusCreated, item)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	limit, offset := defaultPageSize, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxPageSize))
			return
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	rows, err := h.db.Query(r.Context(),
		selectScenes+`
		 WHERE s.user_id = $1
		 ORDER BY s.created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list scenes")
		return
	}
	defer rows.Close()

	items := make([]sceneItem, 0)
	for rows.Next() {
		item, err := scanScene(rows)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to scan scene")
			return
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list scenes")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, items)
}

func sceneID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !validate.ID(id) {
		httputil.WriteError(w, http.StatusNotFound, "scene not found")
		return "", false
	}
	return id, true
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	id, ok := sceneID(w, r)
	if !ok {
		return
	}

	item, err := scanScene(h.db.QueryRow(r.Context(),
		selectScenes+`
		 WHERE s.id = $1 AND s.user_id = $2`,
		id, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httputil.WriteError(w, http.StatusNotFound, "scene not found")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load scene")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, item)
}

type updateRequest struct {
	Title string `json:"title"`
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	id, ok := sceneID(w, r)
	if !ok {
		return
	}

	var req updateRequest
	if err := httputil.DecodeJSON(w, r, &req, false); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if msg := validate.Title(title); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	tag, err := h.db.Exec(r.Context(),
		`UPDATE scenes SET title = $1, updated_at = now() WHERE id = $2 AND user_id = $3`,
		title, id, userID,
	)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update scene")
		return
	}
	if tag.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "scene not found")
		return
	}
	h.invalidate(r.Context(), userID, id)

	w.WriteHeader(http.StatusNoContent)
}

// Delete removes a scene with both histories. The scene's export object is
// removed in the background.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	id, ok := sceneID(w, r)
	if !ok {
		return
	}

	tag, err := h.db.Exec(r.Context(),
		`DELETE FROM scenes WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete scene")
		return
	}
	if tag.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "scene not found")
		return
	}
	h.invalidate(r.Context(), userID, id)

	if h.storage != nil {
		key := history.ExportKey(userID, id)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := deleteWithRetry(ctx, h.storage, key, 3); err != nil {
				slog.Error("scene: export cleanup failed", "scene_id", id, "error", err)
			}
		}()
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) invalidate(ctx context.Context, userID, id string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(ctx, cache.ActivityKey(userID, id)); err != nil {
		slog.Warn("scene: cache invalidation failed", "scene_id", id, "error", err)
	}
}

var retryBackoff = time.Second

func deleteWithRetry(ctx context.Context, storage ObjectStorage, key string, maxAttempts int) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * retryBackoff
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = storage.DeleteObject(ctx, key)
		if lastErr == nil {
			return nil
		}
		slog.Error("storage: delete attempt failed", "attempt", attempt+1, "max_attempts", maxAttempts, "key", key, "error", lastErr)
	}
	return fmt.Errorf("all %d delete attempts failed for %s: %w", maxAttempts, key, lastErr)
}
