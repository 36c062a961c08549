package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go2tv.app/telestrator/control"
	"go2tv.app/telestrator/discovery"
	"go2tv.app/telestrator/hls"
	"go2tv.app/telestrator/ink"
	"go2tv.app/telestrator/publish"
)

const maxCommandBody = 64 << 10

// commander is satisfied by *control.Controller.
type commander interface {
	Apply(ctx context.Context, cmd control.Command) (control.Result, error)
}

type muxOptions struct {
	Hub        http.Handler
	HLS        *hls.Session
	Controller commander
	Scheduler  *publish.Scheduler
	// Browse lists feeds on the local network. It defaults to
	// discovery.Browse.
	Browse func(ctx context.Context) ([]discovery.Feed, error)
	Debug  bool
	Logger *slog.Logger
}

// newMux routes the feed, the HLS directory, commands and status.
func newMux(opts muxOptions) *http.ServeMux {
	if opts.Browse == nil {
		opts.Browse = func(ctx context.Context) ([]discovery.Feed, error) {
			return discovery.Browse(ctx, discovery.DefaultBrowseTimeout, opts.Logger)
		}
	}

	mux := http.NewServeMux()
	mux.Handle(discovery.DefaultPath, opts.Hub)
	if opts.HLS != nil {
		mux.Handle("/hls/", http.StripPrefix("/hls", hls.NewDirectoryHandler(opts.HLS.Dir(), &hls.DirectoryHandlerOptions{
			Debug:  opts.Debug,
			Logger: opts.Logger,
		})))
	}
	mux.HandleFunc("POST /commands", func(w http.ResponseWriter, r *http.Request) {
		var cmd control.Command
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&cmd); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		res, err := opts.Controller.Apply(r.Context(), cmd)
		if err != nil {
			writeJSON(w, commandStatus(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statsView(opts.Scheduler.Stats()))
	})
	mux.HandleFunc("GET /feeds", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*discovery.DefaultBrowseTimeout)
		defer cancel()
		feeds, err := opts.Browse(ctx)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		if feeds == nil {
			feeds = []discovery.Feed{}
		}
		writeJSON(w, http.StatusOK, feeds)
	})
	return mux
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, control.ErrUnknownCommand),
		errors.Is(err, ink.ErrOutOfRange),
		errors.Is(err, ink.ErrInvalidColor):
		return http.StatusBadRequest
	case errors.Is(err, ink.ErrLayerNotFound):
		return http.StatusNotFound
	case errors.Is(err, control.ErrUnavailable):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

type sinkView struct {
	Name    string `json:"name"`
	Pushed  uint64 `json:"pushed"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

type statsResponse struct {
	Ticks            uint64     `json:"ticks"`
	Rendered         uint64     `json:"rendered"`
	BackgroundReused uint64     `json:"background_reused"`
	RenderErrors     uint64     `json:"render_errors"`
	IntervalMS       float64    `json:"interval_ms"`
	Sinks            []sinkView `json:"sinks"`
}

func statsView(st publish.Stats) statsResponse {
	out := statsResponse{
		Ticks:            st.Ticks,
		Rendered:         st.Rendered,
		BackgroundReused: st.BackgroundReused,
		RenderErrors:     st.RenderErrors,
		IntervalMS:       float64(st.Interval) / float64(time.Millisecond),
		Sinks:            []sinkView{},
	}
	for _, s := range st.Sinks {
		out.Sinks = append(out.Sinks, sinkView(s))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
