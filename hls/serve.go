package hls

import (
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

type DirectoryHandlerOptions struct {
	// Debug logs every request with a summary of the file served.
	Debug  bool
	Logger *slog.Logger
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// NewDirectoryHandler serves the playlist and segments in dir with headers
// that keep players from caching a live playlist.
func NewDirectoryHandler(dir string, options *DirectoryHandlerOptions) http.Handler {
	opts := DirectoryHandlerOptions{}
	if options != nil {
		opts = *options
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fileServer := http.FileServer(http.Dir(dir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if r.Method == http.MethodOptions {
			rec.WriteHeader(http.StatusOK)
			if opts.Debug {
				logger.Debug("hls request", "method", r.Method, "path", r.URL.Path, "status", rec.status)
			}
			return
		}

		switch ext := path.Ext(r.URL.Path); ext {
		case ".m3u8", ".ts":
			if ext == ".m3u8" {
				h.Set("Content-Type", "application/vnd.apple.mpegurl")
			} else {
				h.Set("Content-Type", "video/MP2T")
			}
			h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		case ".mp4", ".m4s":
			h.Set("Content-Type", "video/mp4")
		}

		fileServer.ServeHTTP(rec, r)
		if !opts.Debug {
			return
		}

		attrs := []any{"method", r.Method, "path", r.URL.Path, "status", rec.status, "bytes", rec.bytes}
		fsPath, ok := resolvePath(dir, r.URL.Path)
		switch {
		case !ok:
			attrs = append(attrs, "resolved", "invalid")
		case strings.HasSuffix(fsPath, ".m3u8"):
			attrs = append(attrs, summarizePlaylist(fsPath)...)
		case strings.HasSuffix(fsPath, ".ts"):
			if fi, err := os.Stat(fsPath); err == nil {
				attrs = append(attrs, "segment_bytes", fi.Size(), "segment_mtime", fi.ModTime().Format(time.RFC3339Nano))
			} else {
				attrs = append(attrs, "segment_err", err)
			}
		}
		logger.Debug("hls request", attrs...)
	})
}

// resolvePath maps a request path into baseDir, refusing anything that
// escapes it.
func resolvePath(baseDir, reqPath string) (string, bool) {
	clean := path.Clean("/" + reqPath)
	full := filepath.Join(baseDir, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
	rel, err := filepath.Rel(baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

type playlistSummary struct {
	sequence  string
	entries   int
	lastEntry string
}

func parsePlaylist(data string) playlistSummary {
	sum := playlistSummary{sequence: "na"}
	for _, line := range strings.Split(data, "\n") {
		l := strings.TrimSpace(line)
		switch {
		case l == "":
		case strings.HasPrefix(l, "#EXT-X-MEDIA-SEQUENCE:"):
			sum.sequence = strings.TrimSpace(strings.TrimPrefix(l, "#EXT-X-MEDIA-SEQUENCE:"))
		case strings.HasPrefix(l, "#"):
		default:
			sum.entries++
			sum.lastEntry = l
		}
	}
	return sum
}

func summarizePlaylist(p string) []any {
	b, err := os.ReadFile(p)
	if err != nil {
		return []any{"playlist_err", err}
	}
	sum := parsePlaylist(string(b))
	return []any{"playlist_seq", sum.sequence, "entries", sum.entries, "last", sum.lastEntry, "file_bytes", len(b)}
}
