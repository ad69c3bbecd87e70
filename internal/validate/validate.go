package validate

import (
	"fmt"
	"math"
	"net/url"

	"github.com/google/uuid"
)

// Field limits shared by the JSON API and the history panel.
const (
	MaxTitleLength       = 500
	MaxAPIKeyNameLength  = 100
	MaxWebhookURLLength  = 500
	MaxHistoryBatch      = 100
	MaxWebhookSecretSize = 200
)

func checkLen(value string, max int, field string) string {
	if len(value) > max {
		return fmt.Sprintf("%s must be %d characters or fewer", field, max)
	}
	return ""
}

func Title(s string) string {
	if s == "" {
		return "title is required"
	}
	return checkLen(s, MaxTitleLength, "title")
}

func APIKeyName(s string) string { return checkLen(s, MaxAPIKeyNameLength, "API key name") }

func WebhookURL(s string) string {
	if msg := checkLen(s, MaxWebhookURLLength, "webhook URL"); msg != "" {
		return msg
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "webhook URL must be an absolute http(s) URL"
	}
	return ""
}

func WebhookSecret(s string) string {
	if s == "" {
		return "webhook secret is required"
	}
	return checkLen(s, MaxWebhookSecretSize, "webhook secret")
}

// HistoryBatch checks the number of timestamps sent in one request.
func HistoryBatch(n int) string {
	if n > MaxHistoryBatch {
		return fmt.Sprintf("at most %d timestamps per request", MaxHistoryBatch)
	}
	return ""
}

// Seconds checks a playback position or duration.
func Seconds(v float64, field string) string {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Sprintf("%s must be a non-negative number", field)
	}
	return ""
}

// FieldLimits returns a map of field names to max lengths for the /api/limits endpoint.
func FieldLimits() map[string]int {
	return map[string]int{
		"title":        MaxTitleLength,
		"apiKeyName":   MaxAPIKeyNameLength,
		"webhookURL":   MaxWebhookURLLength,
		"historyBatch": MaxHistoryBatch,
	}
}

// ID reports whether id is a well-formed row identifier (scenes, API keys).
func ID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
