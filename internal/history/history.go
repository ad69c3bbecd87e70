package history

import (
	"errors"
	"fmt"
	"time"
)

// ErrSceneNotFound is returned when a scene does not exist or belongs to
// another user.
var ErrSceneNotFound = errors.New("scene not found")

// Kind selects one of a scene's two histories.
type Kind string

const (
	KindPlay Kind = "play"
	KindO    Kind = "o"
)

func (k Kind) table() string {
	if k == KindO {
		return "scene_o_dates"
	}
	return "scene_play_dates"
}

// event returns the webhook event name for an action on this history.
func (k Kind) event(action string) string {
	return fmt.Sprintf("scene.%s_%s", k, action)
}

// Activity is a scene's recorded interaction state. Histories are ordered
// most recent first.
type Activity struct {
	SceneID      string      `json:"sceneId"`
	Title        string      `json:"title"`
	PlayHistory  []time.Time `json:"playHistory"`
	OHistory     []time.Time `json:"oHistory"`
	PlayCount    int         `json:"playCount"`
	OCounter     int         `json:"oCounter"`
	PlayDuration float64     `json:"playDuration"`
	ResumeTime   float64     `json:"resumeTime"`
	LastPlayedAt *time.Time  `json:"lastPlayedAt"`
}

// HistoryResult is the state of one history after a mutation.
type HistoryResult struct {
	Count   int         `json:"count"`
	History []time.Time `json:"history"`
}

// Source describes where a play came from. Fields may be empty.
type Source struct {
	Device  string
	Browser string
	Country string
}

// ExportKey is the object storage key of a scene's exported history.
func ExportKey(userID, sceneID string) string {
	return fmt.Sprintf("exports/%s/%s.json", userID, sceneID)
}
