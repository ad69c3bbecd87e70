package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestStorage(t *testing.T, cfg Config) *Storage {
	t.Helper()
	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected no error creating storage client, got: %v", err)
	}
	return s
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Endpoint: "http://localhost:9000"})
	if err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestNew_DefaultsRegion(t *testing.T) {
	s := newTestStorage(t, Config{
		Endpoint:  "http://localhost:9000",
		Bucket:    "exports",
		AccessKey: "test",
		SecretKey: "test",
	})
	if s.bucket != "exports" {
		t.Errorf("expected bucket exports, got %q", s.bucket)
	}
}

func TestGenerateDownloadURL_UsesPublicEndpoint(t *testing.T) {
	s := newTestStorage(t, Config{
		Endpoint:       "http://internal:9000",
		PublicEndpoint: "https://files.example.com",
		Bucket:         "exports",
		AccessKey:      "test",
		SecretKey:      "test",
	})

	raw, err := s.GenerateDownloadURL(context.Background(), "exports/u/s.json", `history "1".json`, time.Hour)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Host != "files.example.com" {
		t.Errorf("expected public host, got %q", u.Host)
	}
	if !strings.HasPrefix(u.Path, "/exports/exports/u/s.json") {
		t.Errorf("expected path-style key, got %q", u.Path)
	}
	disposition := u.Query().Get("response-content-disposition")
	if disposition != `attachment; filename="history _1_.json"` {
		t.Errorf("unexpected disposition %q", disposition)
	}
}

func TestPutObject_RejectsOversizedBody(t *testing.T) {
	s := newTestStorage(t, Config{
		Endpoint:       "http://localhost:9000",
		Bucket:         "exports",
		AccessKey:      "test",
		SecretKey:      "test",
		MaxObjectBytes: 4,
	})

	if err := s.PutObject(context.Background(), "k", []byte("too large"), "application/json"); err == nil {
		t.Fatal("expected size error")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"plain.json", "plain.json"},
		{`quote".json`, "quote_.json"},
		{`back\slash.json`, "back_slash.json"},
		{"new\nline.json", "new_line.json"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.input); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
