package history

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
)

func expectActivityLoad(mock pgxmock.PgxPoolIface) {
	mock.ExpectQuery(`SELECT title, resume_time, play_duration, last_played_at`).
		WithArgs(testSceneID, testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"title", "resume_time", "play_duration", "last_played_at"}).
			AddRow("Scene", 12.0, 90.0, &t2))
	expectHistory(mock, "scene_play_dates", t2, t1)
	expectHistory(mock, "scene_o_dates", t3)
}

func TestExport_StoresDocument(t *testing.T) {
	env := newTestEnv(t)
	expectActivityLoad(env.mock)

	rec := httptest.NewRecorder()
	env.handler.Export(rec, newSceneRequest(http.MethodPost, "/", testSceneID, ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp exportResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	key := "exports/" + testUserID + "/" + testSceneID + ".json"
	if resp.Key != key {
		t.Errorf("expected key %q, got %q", key, resp.Key)
	}
	if !strings.HasPrefix(resp.DownloadURL, "https://storage.example.com/"+key) {
		t.Errorf("unexpected download url %q", resp.DownloadURL)
	}

	var doc ExportDocument
	if err := json.Unmarshal(env.storage.objects[key], &doc); err != nil {
		t.Fatalf("stored export is not JSON: %v", err)
	}
	if doc.SceneID != testSceneID || doc.Title != "Scene" {
		t.Errorf("unexpected document header %+v", doc)
	}
	if len(doc.PlayHistory) != 2 || !doc.PlayHistory[0].Equal(t2) || len(doc.OHistory) != 1 {
		t.Errorf("unexpected histories %v %v", doc.PlayHistory, doc.OHistory)
	}
	if doc.PlayDuration != 90 || doc.ResumeTime != 12 || doc.ExportedAt.IsZero() {
		t.Errorf("unexpected scalars %+v", doc)
	}
}

func TestExport_StorageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.storage.putErr = errors.New("s3 down")
	expectActivityLoad(env.mock)

	rec := httptest.NewRecorder()
	env.handler.Export(rec, newSceneRequest(http.MethodPost, "/", testSceneID, ""))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func expectImport(mock pgxmock.PgxPoolIface, plays []time.Time, duration, resume float64) {
	mock.ExpectBegin()
	expectLock(mock)
	expectHistory(mock, "scene_play_dates")
	mock.ExpectExec(`INSERT INTO scene_play_dates`).
		WithArgs(testSceneID, plays, (*string)(nil), (*string)(nil), (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", int64(len(plays))))
	mock.ExpectExec(`UPDATE scenes\s+SET play_duration = CASE`).
		WithArgs(testSceneID, duration, resume).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
}

func TestImport_FromBody(t *testing.T) {
	env := newTestEnv(t)
	expectImport(env.mock, []time.Time{t1}, 30, 0)

	body := `{"sceneId":"other","title":"x","playHistory":["2026-03-01T20:15:00Z"],"oHistory":[],"playDuration":30,"resumeTime":0}`
	rec := httptest.NewRecorder()
	env.handler.Import(rec, newSceneRequest(http.MethodPost, "/", testSceneID, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result ImportResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.PlaysAdded != 1 || result.OAdded != 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestImport_RestoresStoredExport(t *testing.T) {
	env := newTestEnv(t)
	env.storage.objects[ExportKey(testUserID, testSceneID)] =
		[]byte(`{"playHistory":["2026-03-03T22:45:00Z"],"playDuration":15,"resumeTime":4}`)
	expectImport(env.mock, []time.Time{t3}, 15, 4)

	rec := httptest.NewRecorder()
	env.handler.Import(rec, newSceneRequest(http.MethodPost, "/", testSceneID, ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestImport_NoStoredExport(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.handler.Import(rec, newSceneRequest(http.MethodPost, "/", testSceneID, ""))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestImport_RejectsInvalidDocument(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero timestamp", `{"playHistory":["0001-01-01T00:00:00Z"]}`},
		{"negative duration", `{"playDuration":-1}`},
		{"negative resume", `{"resumeTime":-0.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := httptest.NewRecorder()
			env.handler.Import(rec, newSceneRequest(http.MethodPost, "/", testSceneID, tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestImport_RejectsInvalidStoredExport(t *testing.T) {
	tests := []struct {
		name      string
		stored    string
		wantError string
	}{
		{"not json", `garbage`, "stored export is corrupt"},
		{"null document", `null`, "stored export is corrupt"},
		{"zero timestamp", `{"playHistory":["0001-01-01T00:00:00Z"]}`, "stored export is invalid: "},
		{"negative duration", `{"playDuration":-5}`, "stored export is invalid: "},
		{"negative resume", `{"resumeTime":-1}`, "stored export is invalid: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.storage.objects[ExportKey(testUserID, testSceneID)] = []byte(tt.stored)

			rec := httptest.NewRecorder()
			env.handler.Import(rec, newSceneRequest(http.MethodPost, "/", testSceneID, ""))

			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
			}
			var body struct {
				Error string `json:"error"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !strings.HasPrefix(body.Error, tt.wantError) {
				t.Errorf("expected error starting with %q, got %q", tt.wantError, body.Error)
			}
			if err := env.mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unexpected database calls: %v", err)
			}
		})
	}
}

func TestImport_BodyOverLimit(t *testing.T) {
	env := newTestEnv(t)
	env.handler.SetImportLimit(64)

	body := `{"playHistory":["` + strings.Repeat("2026-03-01T20:15:00Z", 10) + `"]}`
	rec := httptest.NewRecorder()
	env.handler.Import(rec, newSceneRequest(http.MethodPost, "/", testSceneID, body))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestImport_AcceptsBodyOverDefaultRequestLimit(t *testing.T) {
	env := newTestEnv(t)
	expectImport(env.mock, []time.Time{t1}, 30, 0)

	// Padding the title pushes the document past the 1 MiB limit that
	// applies to other JSON bodies.
	body := `{"title":"` + strings.Repeat("x", 1<<20) + `","playHistory":["2026-03-01T20:15:00Z"],"playDuration":30}`
	rec := httptest.NewRecorder()
	env.handler.Import(rec, newSceneRequest(http.MethodPost, "/", testSceneID, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestExportDocument_ValidateThenNormalize(t *testing.T) {
	est := time.FixedZone("EST", -5*60*60)
	local := time.Date(2026, 3, 1, 15, 15, 0, 123456789, est)
	doc := ExportDocument{PlayHistory: []time.Time{local}, OHistory: []time.Time{}}

	if msg := doc.validate(); msg != "" {
		t.Fatalf("unexpected validation error %q", msg)
	}
	if !doc.PlayHistory[0].Equal(local) || doc.PlayHistory[0].Location() != est {
		t.Fatalf("validate modified the document: %v", doc.PlayHistory[0])
	}

	doc.normalize()
	want := time.Date(2026, 3, 1, 20, 15, 0, 123456000, time.UTC)
	if got := doc.PlayHistory[0]; !got.Equal(want) || got.Location() != time.UTC || got.Nanosecond() != 123456000 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestExportKey(t *testing.T) {
	if got := ExportKey("u", "s"); got != "exports/u/s.json" {
		t.Errorf("unexpected key %q", got)
	}
}
