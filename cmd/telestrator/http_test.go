package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go2tv.app/telestrator/compositor"
	"go2tv.app/telestrator/control"
	"go2tv.app/telestrator/discovery"
	"go2tv.app/telestrator/ink"
	"go2tv.app/telestrator/publish"
)

func testMux(t *testing.T, browse func(context.Context) ([]discovery.Feed, error)) (*httptest.Server, *ink.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ink.NewStore()
	ctrl, err := control.New(control.Options{Store: store, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	sched, err := publish.New(publish.Options{
		Ink:      store,
		Renderer: compositor.New(compositor.Options{Width: 4, Height: 4}),
		Logger:   logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sched.Close() })

	srv := httptest.NewServer(newMux(muxOptions{
		Hub:        http.NotFoundHandler(),
		Controller: ctrl,
		Scheduler:  sched,
		Browse:     browse,
		Logger:     logger,
	}))
	t.Cleanup(srv.Close)
	return srv, store
}

func postCommand(t *testing.T, srv *httptest.Server, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/commands", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, out
}

func TestCommandsEndpoint(t *testing.T) {
	srv, store := testMux(t, nil)

	status, out := postCommand(t, srv, `{"command":"create_layer"}`)
	if status != http.StatusOK || out["layer"] == "" {
		t.Fatalf("create_layer = %d %v", status, out)
	}
	if store.Len() != 1 {
		t.Fatalf("layers = %d", store.Len())
	}

	if status, out := postCommand(t, srv, `{"command":"set_active","index":7}`); status != http.StatusBadRequest {
		t.Fatalf("set_active out of range = %d %v", status, out)
	}
	if status, _ := postCommand(t, srv, `{"command":"teleport"}`); status != http.StatusBadRequest {
		t.Fatalf("unknown command = %d", status)
	}
	if status, _ := postCommand(t, srv, `{`); status != http.StatusBadRequest {
		t.Fatalf("bad body = %d", status)
	}
}

func TestCommandsRejectsGet(t *testing.T) {
	srv, _ := testMux(t, nil)
	resp, err := http.Get(srv.URL + "/commands")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := testMux(t, nil)
	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.IntervalMS != 250 {
		t.Fatalf("interval = %v", st.IntervalMS)
	}
}

func TestFeedsEndpoint(t *testing.T) {
	want := discovery.Feed{Instance: "studio", URL: "ws://10.0.0.2:8090/feed"}
	srv, _ := testMux(t, func(context.Context) ([]discovery.Feed, error) {
		return []discovery.Feed{want}, nil
	})
	resp, err := http.Get(srv.URL + "/feeds")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var feeds []discovery.Feed
	if err := json.NewDecoder(resp.Body).Decode(&feeds); err != nil {
		t.Fatal(err)
	}
	if len(feeds) != 1 || feeds[0].URL != want.URL {
		t.Fatalf("feeds = %+v", feeds)
	}
}

func TestFeedsEndpointBrowseFailure(t *testing.T) {
	srv, _ := testMux(t, func(context.Context) ([]discovery.Feed, error) {
		return nil, errors.New("no multicast")
	})
	resp, err := http.Get(srv.URL + "/feeds")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCommandStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{control.ErrUnknownCommand, http.StatusBadRequest},
		{ink.ErrLayerNotFound, http.StatusNotFound},
		{control.ErrUnavailable, http.StatusNotImplemented},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := commandStatus(tt.err); got != tt.want {
			t.Fatalf("commandStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
