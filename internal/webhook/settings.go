package webhook

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sceneactivity/sceneactivity/internal/auth"
	"github.com/sceneactivity/sceneactivity/internal/httputil"
	"github.com/sceneactivity/sceneactivity/internal/validate"
)

type configRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type configResponse struct {
	URL string `json:"url"`
}

// GetConfig returns the caller's webhook URL. The secret is never echoed.
func (c *Client) GetConfig(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	webhookURL, _, err := c.LookupConfig(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			httputil.WriteError(w, http.StatusNotFound, "webhook not configured")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load webhook")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, configResponse{URL: webhookURL})
}

func (c *Client) SaveConfig(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req configRequest
	if err := httputil.DecodeJSON(w, r, &req, false); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.URL = strings.TrimSpace(req.URL)
	if msg := validate.WebhookURL(req.URL); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validate.WebhookSecret(req.Secret); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	if _, err := c.db.Exec(r.Context(),
		`INSERT INTO notification_preferences (user_id, webhook_url, webhook_secret)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		 SET webhook_url = EXCLUDED.webhook_url, webhook_secret = EXCLUDED.webhook_secret, updated_at = now()`,
		userID, req.URL, req.Secret,
	); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to save webhook")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, configResponse{URL: req.URL})
}

func (c *Client) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	if _, err := c.db.Exec(r.Context(),
		`UPDATE notification_preferences SET webhook_url = NULL, webhook_secret = NULL, updated_at = now() WHERE user_id = $1`,
		userID,
	); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to remove webhook")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
