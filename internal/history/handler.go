package history

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sceneactivity/sceneactivity/internal/auth"
	"github.com/sceneactivity/sceneactivity/internal/cache"
	"github.com/sceneactivity/sceneactivity/internal/database"
	"github.com/sceneactivity/sceneactivity/internal/httputil"
	"github.com/sceneactivity/sceneactivity/internal/validate"
	"github.com/sceneactivity/sceneactivity/internal/webhook"
)

type ObjectStorage interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
	ReadObject(ctx context.Context, key string) ([]byte, error)
	GenerateDownloadURL(ctx context.Context, key string, filename string, expiry time.Duration) (string, error)
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, keys ...string) error
}

type Notifier interface {
	Notify(userID string, event webhook.Event)
}

type CountryResolver interface {
	Country(ip string) string
}

type Handler struct {
	store    *Store
	storage  ObjectStorage
	cache    Cache
	notifier Notifier
	geo      CountryResolver
	location *time.Location

	importLimit int64
}

func NewHandler(db database.DBTX, s ObjectStorage, c Cache) *Handler {
	return &Handler{
		store:    NewStore(db),
		storage:  s,
		cache:    c,
		location: time.UTC,

		importLimit: defaultImportLimit,
	}
}

func (h *Handler) SetNotifier(n Notifier) {
	h.notifier = n
}

func (h *Handler) SetCountryResolver(g CountryResolver) {
	h.geo = g
}

// SetLocation sets the time zone the history panel displays dates in.
func (h *Handler) SetLocation(loc *time.Location) {
	if loc != nil {
		h.location = loc
	}
}

// SetImportLimit caps the size of export documents accepted as import
// request bodies. It should match the largest export object storage keeps.
func (h *Handler) SetImportLimit(n int64) {
	if n > 0 {
		h.importLimit = n
	}
}

// sceneID returns the route's scene ID, answering 404 for malformed IDs.
func sceneID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !validate.ID(id) {
		httputil.WriteError(w, http.StatusNotFound, "scene not found")
		return "", false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, ErrSceneNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "scene not found")
		return
	}
	slog.Error("history: "+msg, "error", err)
	httputil.WriteError(w, http.StatusInternalServerError, msg)
}

func (h *Handler) loadActivity(ctx context.Context, userID, id string) (Activity, error) {
	key := cache.ActivityKey(userID, id)
	var a Activity
	if h.cache != nil {
		hit, err := h.cache.Get(ctx, key, &a)
		if err != nil {
			slog.Warn("history: cache read failed", "scene_id", id, "error", err)
		} else if hit {
			return a, nil
		}
	}

	a, err := h.store.Activity(ctx, userID, id)
	if err != nil {
		return Activity{}, err
	}
	if h.cache != nil {
		if err := h.cache.Set(ctx, key, a); err != nil {
			slog.Warn("history: cache write failed", "scene_id", id, "error", err)
		}
	}
	return a, nil
}

func (h *Handler) invalidate(ctx context.Context, userID, id string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(ctx, cache.ActivityKey(userID, id)); err != nil {
		slog.Warn("history: cache invalidation failed", "scene_id", id, "error", err)
	}
}

func (h *Handler) notify(userID string, kind Kind, action, id string, count int) {
	if h.notifier == nil {
		return
	}
	h.notifier.Notify(userID, webhook.Event{
		Name:      kind.event(action),
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"sceneId": id,
			"count":   count,
		},
	})
}

func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	id, ok := sceneID(w, r)
	if !ok {
		return
	}

	a, err := h.loadActivity(r.Context(), userID, id)
	if err != nil {
		writeStoreError(w, err, "failed to load activity")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

type entriesRequest struct {
	Times []time.Time `json:"times"`
}

func decodeTimes(w http.ResponseWriter, r *http.Request) ([]time.Time, bool) {
	var req entriesRequest
	if err := httputil.DecodeJSON(w, r, &req, true); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if msg := validate.HistoryBatch(len(req.Times)); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return nil, false
	}
	times := make([]time.Time, 0, len(req.Times))
	for _, t := range req.Times {
		if t.IsZero() {
			httputil.WriteError(w, http.StatusBadRequest, "times must be non-zero RFC 3339 timestamps")
			return nil, false
		}
		times = append(times, t.UTC().Truncate(time.Microsecond))
	}
	return times, true
}

// AddEntries records entries in the kind's history. A request without
// times records a single entry now.
func (h *Handler) AddEntries(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserIDFromContext(r.Context())
		id, ok := sceneID(w, r)
		if !ok {
			return
		}
		times, ok := decodeTimes(w, r)
		if !ok {
			return
		}

		var src *Source
		if kind == KindPlay && len(times) == 0 {
			s := ParseSource(r.UserAgent())
			if h.geo != nil {
				s.Country = h.geo.Country(httputil.ClientIP(r))
			}
			src = &s
		}

		result, err := h.store.AddEntries(r.Context(), userID, id, kind, times, src)
		if err != nil {
			writeStoreError(w, err, "failed to add entries")
			return
		}
		h.invalidate(r.Context(), userID, id)
		h.notify(userID, kind, "added", id, result.Count)
		httputil.WriteJSON(w, http.StatusOK, result)
	}
}

func (h *Handler) DeleteEntries(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserIDFromContext(r.Context())
		id, ok := sceneID(w, r)
		if !ok {
			return
		}
		times, ok := decodeTimes(w, r)
		if !ok {
			return
		}

		result, err := h.store.DeleteEntries(r.Context(), userID, id, kind, times)
		if err != nil {
			writeStoreError(w, err, "failed to delete entries")
			return
		}
		h.invalidate(r.Context(), userID, id)
		h.notify(userID, kind, "deleted", id, result.Count)
		httputil.WriteJSON(w, http.StatusOK, result)
	}
}

func (h *Handler) ResetEntries(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserIDFromContext(r.Context())
		id, ok := sceneID(w, r)
		if !ok {
			return
		}

		result, err := h.store.ResetEntries(r.Context(), userID, id, kind)
		if err != nil {
			writeStoreError(w, err, "failed to reset history")
			return
		}
		h.invalidate(r.Context(), userID, id)
		h.notify(userID, kind, "history_reset", id, result.Count)
		httputil.WriteJSON(w, http.StatusOK, result)
	}
}

type saveActivityRequest struct {
	ResumeTime   *float64 `json:"resumeTime"`
	PlayDuration *float64 `json:"playDuration"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (h *Handler) SaveActivity(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	id, ok := sceneID(w, r)
	if !ok {
		return
	}

	var req saveActivityRequest
	if err := httputil.DecodeJSON(w, r, &req, false); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ResumeTime != nil {
		if msg := validate.Seconds(*req.ResumeTime, "resumeTime"); msg != "" {
			httputil.WriteError(w, http.StatusBadRequest, msg)
			return
		}
	}
	if req.PlayDuration != nil {
		if msg := validate.Seconds(*req.PlayDuration, "playDuration"); msg != "" {
			httputil.WriteError(w, http.StatusBadRequest, msg)
			return
		}
	}

	saved, err := h.store.SaveActivity(r.Context(), userID, id, req.ResumeTime, req.PlayDuration)
	if err != nil {
		writeStoreError(w, err, "failed to save activity")
		return
	}
	h.invalidate(r.Context(), userID, id)
	httputil.WriteJSON(w, http.StatusOK, okResponse{OK: saved})
}

func (h *Handler) ResetActivity(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	id, ok := sceneID(w, r)
	if !ok {
		return
	}

	resetResume, err := queryBool(r, "resume")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "resume must be a boolean")
		return
	}
	resetDuration, err := queryBool(r, "duration")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "duration must be a boolean")
		return
	}

	reset, err := h.store.ResetActivity(r.Context(), userID, id, resetResume, resetDuration)
	if err != nil {
		writeStoreError(w, err, "failed to reset activity")
		return
	}
	h.invalidate(r.Context(), userID, id)
	httputil.WriteJSON(w, http.StatusOK, okResponse{OK: reset})
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func (h *Handler) PlaySources(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	id, ok := sceneID(w, r)
	if !ok {
		return
	}

	breakdown, err := h.store.PlaySources(r.Context(), userID, id)
	if err != nil {
		writeStoreError(w, err, "failed to load play sources")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, breakdown)
}

func (h *Handler) Panel(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	id, ok := sceneID(w, r)
	if !ok {
		return
	}

	a, err := h.loadActivity(r.Context(), userID, id)
	if err != nil {
		writeStoreError(w, err, "failed to load activity")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := RenderPanel(w, a, h.location); err != nil {
		slog.Error("history: panel render failed", "scene_id", id, "error", err)
	}
}
