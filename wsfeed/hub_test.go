package wsfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"go2tv.app/telestrator/control"
	"go2tv.app/telestrator/frame"
	"go2tv.app/telestrator/ink"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T, opts HubOptions) (*Hub, string) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	hub := NewHub(opts)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string) *websocket.Conn {
	t.Helper()
	before := hub.Clients()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	waitFor(t, func() bool { return hub.Clients() > before })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatal(err)
	}
}

// readReply skips feed frames until a text message arrives.
func readReply(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		return msg
	}
}

func solidFrame(w, h int) *frame.Frame {
	f := frame.New(w, h, frame.FormatRGBA)
	for i := 0; i < len(f.Pix); i += 4 {
		f.Pix[i+0] = 0xff
		f.Pix[i+3] = 0xff
	}
	return f
}

func TestPushDeliversJPEG(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	conn := dial(t, hub, url)

	if err := hub.Push(context.Background(), solidFrame(16, 8)); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("message type = %d", kind)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Fatalf("size = %v", b)
	}
}

func TestPushWithoutClientsSkipsEncoding(t *testing.T) {
	hub, _ := startHub(t, HubOptions{})
	if err := hub.Push(context.Background(), solidFrame(4, 4)); err != nil {
		t.Fatal(err)
	}
	if hub.Encoded() != 0 {
		t.Fatalf("encoded = %d", hub.Encoded())
	}
}

func TestPushRejectsInvalidFrame(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	dial(t, hub, url)
	err := hub.Push(context.Background(), &frame.Frame{Width: 2, Height: 2})
	if !errors.Is(err, frame.ErrInvalidFrame) {
		t.Fatalf("err = %v", err)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	store := ink.NewStore()
	ctrl, err := control.New(control.Options{Store: store, Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	hub, url := startHub(t, HubOptions{Commands: ctrl})
	conn := dial(t, hub, url)

	send(t, conn, Message{Type: TypeCommand, Command: &control.Command{Name: control.CmdCreateLayer}})
	reply := readReply(t, conn)
	if reply.Type != TypeResult || reply.Result == nil || reply.Result.Layer == "" {
		t.Fatalf("reply = %+v", reply)
	}
	if store.Len() != 1 {
		t.Fatalf("layers = %d", store.Len())
	}

	send(t, conn, Message{Type: TypeCommand, Command: &control.Command{Name: "fly"}})
	if reply := readReply(t, conn); reply.Type != TypeError || reply.Error == "" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestChordRoutesToController(t *testing.T) {
	store := ink.NewStore()
	store.CreateLayer()
	ctrl, err := control.New(control.Options{Store: store, Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	hub, url := startHub(t, HubOptions{Commands: ctrl})
	conn := dial(t, hub, url)

	send(t, conn, Message{Type: TypeChord, Chord: "Ctrl+Z"})
	reply := readReply(t, conn)
	if reply.Type != TypeResult || reply.Result.Command != control.CmdUndo {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestViewOnlyHubRejectsInput(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	conn := dial(t, hub, url)

	send(t, conn, Message{Type: TypePointer, Pointer: &ink.PointerEvent{Type: ink.EventPenDown}})
	if reply := readReply(t, conn); reply.Type != TypeError {
		t.Fatalf("pointer reply = %+v", reply)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatal(err)
	}
	if reply := readReply(t, conn); reply.Type != TypeError {
		t.Fatalf("garbage reply = %+v", reply)
	}
}

// recordingPointer drives a real machine and remembers every event type
// it was handed.
type recordingPointer struct {
	machine *ink.Machine

	mu     sync.Mutex
	events []string
}

func newRecordingPointer() *recordingPointer {
	store := ink.NewStore()
	store.CreateLayer()
	return &recordingPointer{machine: ink.NewMachine(store)}
}

func (p *recordingPointer) Handle(ev ink.PointerEvent) (bool, error) {
	p.mu.Lock()
	p.events = append(p.events, ev.Type)
	p.mu.Unlock()
	return p.machine.Handle(ev)
}

func (p *recordingPointer) State() ink.State {
	return p.machine.State()
}

func (p *recordingPointer) last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return ""
	}
	return p.events[len(p.events)-1]
}

func (p *recordingPointer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestDisconnectEndsOpenGesture(t *testing.T) {
	pointer := newRecordingPointer()
	hub, url := startHub(t, HubOptions{Pointer: pointer})
	conn := dial(t, hub, url)

	send(t, conn, Message{Type: TypePointer, Pointer: &ink.PointerEvent{Type: ink.EventPenDown, X: 1, Y: 1}})
	send(t, conn, Message{Type: TypePointer, Pointer: &ink.PointerEvent{Type: ink.EventPenMove, X: 5, Y: 5}})
	waitFor(t, func() bool { return pointer.count() == 2 })

	_ = conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 0 })
	if got := pointer.last(); got != ink.EventPenUp {
		t.Fatalf("last event = %q, want %q", got, ink.EventPenUp)
	}
}

func TestClosedGestureIsNotReleasedTwice(t *testing.T) {
	pointer := newRecordingPointer()
	hub, url := startHub(t, HubOptions{Pointer: pointer})
	conn := dial(t, hub, url)

	send(t, conn, Message{Type: TypePointer, Pointer: &ink.PointerEvent{Type: ink.EventMouseDown}})
	send(t, conn, Message{Type: TypePointer, Pointer: &ink.PointerEvent{Type: ink.EventMouseUp}})
	waitFor(t, func() bool { return pointer.count() == 2 })

	_ = conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 0 })
	if n := pointer.count(); n != 2 {
		t.Fatalf("events = %d after disconnect", n)
	}
}

func TestDisconnectLeavesOtherClientsGesture(t *testing.T) {
	pointer := newRecordingPointer()
	hub, url := startHub(t, HubOptions{Pointer: pointer})
	a := dial(t, hub, url)
	b := dial(t, hub, url)

	send(t, a, Message{Type: TypePointer, Pointer: &ink.PointerEvent{Type: ink.EventMouseDown, X: 1, Y: 1}})
	waitFor(t, func() bool { return pointer.count() == 1 })
	send(t, b, Message{Type: TypePointer, Pointer: &ink.PointerEvent{Type: ink.EventMouseDown, X: 9, Y: 9}})
	waitFor(t, func() bool { return pointer.count() == 2 })

	_ = b.Close()
	waitFor(t, func() bool { return hub.Clients() == 1 })
	if got := pointer.State(); got != ink.MouseActive {
		t.Fatalf("state = %s, want a's mouse gesture still open", got)
	}
	if n := pointer.count(); n != 2 {
		t.Fatalf("events = %d, b's disconnect must not send anything", n)
	}

	_ = a.Close()
	waitFor(t, func() bool { return hub.Clients() == 0 })
	if got := pointer.last(); got != ink.EventMouseUp || pointer.State() != ink.Idle {
		t.Fatalf("last event = %q state = %s after a left", got, pointer.State())
	}
}

func TestPenDownTakesGestureOwnership(t *testing.T) {
	pointer := newRecordingPointer()
	hub, url := startHub(t, HubOptions{Pointer: pointer})
	a := dial(t, hub, url)
	b := dial(t, hub, url)

	send(t, a, Message{Type: TypePointer, Pointer: &ink.PointerEvent{Type: ink.EventMouseDown}})
	waitFor(t, func() bool { return pointer.count() == 1 })
	send(t, b, Message{Type: TypePointer, Pointer: &ink.PointerEvent{Type: ink.EventPenDown, X: 4}})
	waitFor(t, func() bool { return pointer.count() == 2 })

	_ = a.Close()
	waitFor(t, func() bool { return hub.Clients() == 1 })
	if got := pointer.State(); got != ink.PenActive {
		t.Fatalf("state = %s, a no longer owns the gesture", got)
	}

	_ = b.Close()
	waitFor(t, func() bool { return hub.Clients() == 0 })
	if got := pointer.last(); got != ink.EventPenUp {
		t.Fatalf("last event = %q, want %q", got, ink.EventPenUp)
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	conn := dial(t, hub, url)

	if err := hub.Close(); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read after close = %v", err)
	}
	if err := hub.Push(context.Background(), solidFrame(2, 2)); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("push after close = %v", err)
	}
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("dial after close succeeded")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}
