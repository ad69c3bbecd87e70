package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/sceneactivity/sceneactivity/internal/database"
	"github.com/sceneactivity/sceneactivity/internal/httputil"
	"github.com/sceneactivity/sceneactivity/internal/validate"
)

// API keys look like "sa_" followed by 64 hex characters. Only the SHA-256
// of the key is stored.
const (
	apiKeyPrefix    = "sa_"
	apiKeyRandBytes = 32
	maxAPIKeys      = 10
)

var errAPIKeyNotFound = errors.New("API key not found")

// APIKey describes a stored key. The plaintext is only known at creation.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	ReadOnly   bool       `json:"readOnly"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt"`
}

type createdAPIKey struct {
	APIKey
	Key string `json:"key"`
}

type createAPIKeyRequest struct {
	Name     string `json:"name"`
	ReadOnly bool   `json:"readOnly"`
}

// KeyOwner is what a bearer API key resolves to.
type KeyOwner struct {
	UserID   string
	ReadOnly bool
}

// Allows reports whether a request with the given method may be served
// with this key. Read-only keys are limited to safe methods.
func (o KeyOwner) Allows(method string) bool {
	if !o.ReadOnly {
		return true
	}
	return method == http.MethodGet || method == http.MethodHead
}

func newAPIKey() (plaintext, hash string, err error) {
	var b [apiKeyRandBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", "", fmt.Errorf("generate API key: %w", err)
	}
	plaintext = apiKeyPrefix + hex.EncodeToString(b[:])
	return plaintext, HashAPIKey(plaintext), nil
}

func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey issues a key for the caller. The insert is skipped once the
// caller already holds maxAPIKeys keys.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req createAPIKeyRequest
	if err := httputil.DecodeJSON(w, r, &req, false); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if msg := validate.APIKeyName(req.Name); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	plaintext, hash, err := newAPIKey()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to generate API key")
		return
	}

	key := createdAPIKey{Key: plaintext}
	key.Name = req.Name
	key.ReadOnly = req.ReadOnly
	err = h.db.QueryRow(r.Context(),
		`INSERT INTO api_keys (user_id, key_hash, name, read_only)
		 SELECT $1, $2, $3, $4
		 WHERE (SELECT COUNT(*) FROM api_keys WHERE user_id = $1) < $5
		 RETURNING id, created_at`,
		userID, hash, req.Name, req.ReadOnly, maxAPIKeys,
	).Scan(&key.ID, &key.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("at most %d API keys are allowed", maxAPIKeys))
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create API key")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, key)
}

func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := listAPIKeys(r.Context(), h.db, UserIDFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list API keys")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, keys)
}

// RevokeAPIKey deletes one of the caller's keys. Unknown and foreign keys
// both answer 404.
func (h *Handler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")
	if !validate.ID(keyID) {
		httputil.WriteError(w, http.StatusNotFound, "API key not found")
		return
	}

	tag, err := h.db.Exec(r.Context(),
		"DELETE FROM api_keys WHERE id = $1 AND user_id = $2",
		keyID, UserIDFromContext(r.Context()),
	)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to revoke API key")
		return
	}
	if tag.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "API key not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func listAPIKeys(ctx context.Context, db database.DBTX, userID string) ([]APIKey, error) {
	rows, err := db.Query(ctx,
		`SELECT id, name, read_only, created_at, last_used_at
		 FROM api_keys WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query API keys: %w", err)
	}
	defer rows.Close()

	keys := []APIKey{}
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.ReadOnly, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan API key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// LookupAPIKey resolves a plaintext key and stamps last_used_at in the
// same statement.
func LookupAPIKey(ctx context.Context, db database.DBTX, token string) (KeyOwner, error) {
	if !strings.HasPrefix(token, apiKeyPrefix) {
		return KeyOwner{}, errAPIKeyNotFound
	}

	var owner KeyOwner
	err := db.QueryRow(ctx,
		"UPDATE api_keys SET last_used_at = now() WHERE key_hash = $1 RETURNING user_id, read_only",
		HashAPIKey(token),
	).Scan(&owner.UserID, &owner.ReadOnly)
	if errors.Is(err, pgx.ErrNoRows) {
		return KeyOwner{}, errAPIKeyNotFound
	}
	if err != nil {
		return KeyOwner{}, fmt.Errorf("lookup API key: %w", err)
	}
	return owner, nil
}
