package hls

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDirectoryHandlerHeaders(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte("#EXTM3U\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "segment_000.ts"), []byte{0x47}, 0o600); err != nil {
		t.Fatal(err)
	}
	h := NewDirectoryHandler(dir, &DirectoryHandlerOptions{Debug: true, Logger: discardLogger()})

	tests := []struct {
		path        string
		contentType string
	}{
		{"/playlist.m3u8", "application/vnd.apple.mpegurl"},
		{"/segment_000.ts", "video/MP2T"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", tt.path, rec.Code)
		}
		if got := rec.Header().Get("Content-Type"); got != tt.contentType {
			t.Fatalf("%s: content type %q", tt.path, got)
		}
		if rec.Header().Get("Cache-Control") == "" || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("%s: headers %v", tt.path, rec.Header())
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/playlist.m3u8", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("OPTIONS: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing.ts", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", rec.Code)
	}
}

func TestResolvePathStaysInBase(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "srv", "hls")
	tests := []struct {
		req  string
		want string
	}{
		{"/playlist.m3u8", filepath.Join(base, "playlist.m3u8")},
		{"/../../etc/passwd", filepath.Join(base, "etc", "passwd")},
		{"/a/../segment_001.ts", filepath.Join(base, "segment_001.ts")},
	}
	for _, tt := range tests {
		got, ok := resolvePath(base, tt.req)
		if !ok || got != tt.want {
			t.Fatalf("resolvePath(%q) = %q, %v", tt.req, got, ok)
		}
	}
}

func TestParsePlaylist(t *testing.T) {
	sum := parsePlaylist("#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:7\n#EXTINF:1.0,\nsegment_007.ts\n#EXTINF:1.0,\nsegment_008.ts\n")
	if sum.sequence != "7" || sum.entries != 2 || sum.lastEntry != "segment_008.ts" {
		t.Fatalf("summary = %+v", sum)
	}
	if sum := parsePlaylist(""); sum.sequence != "na" || sum.entries != 0 {
		t.Fatalf("empty = %+v", sum)
	}
}
