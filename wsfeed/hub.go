// Package wsfeed serves the composited output as a websocket feed of JPEG
// frames and accepts drawing input and commands from the same sockets. It
// also registers the "ws" and "wss" capture schemes, so one telestrator can
// draw over another's feed.
package wsfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"go2tv.app/telestrator/control"
	"go2tv.app/telestrator/frame"
	"go2tv.app/telestrator/ink"
	"go2tv.app/telestrator/internal/dropqueue"
	"go2tv.app/telestrator/internal/logging"
	"go2tv.app/telestrator/screenshot"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPongTimeout  = 30 * time.Second
	defaultReplyQueue   = 16
	maxMessageSize      = 64 << 10
)

var ErrHubClosed = errors.New("websocket hub closed")

// Message types on the text channel.
const (
	TypeCommand = "command"
	TypePointer = "pointer"
	TypeChord   = "chord"
	TypeResult  = "result"
	TypeError   = "error"
)

// Message is the JSON envelope exchanged on text frames. Binary frames
// from the hub are always JPEG images.
type Message struct {
	Type    string            `json:"type"`
	Command *control.Command  `json:"command,omitempty"`
	Pointer *ink.PointerEvent `json:"pointer,omitempty"`
	Chord   string            `json:"chord,omitempty"`
	Result  *control.Result   `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Commander is satisfied by *control.Controller.
type Commander interface {
	Apply(ctx context.Context, cmd control.Command) (control.Result, error)
	Chord(ctx context.Context, chord string) (control.Result, error)
}

// Pointer is satisfied by *ink.Machine.
type Pointer interface {
	Handle(ev ink.PointerEvent) (bool, error)
	State() ink.State
}

type HubOptions struct {
	// Quality is the JPEG quality of published frames.
	Quality int
	// Commands and Pointer are optional. Without them the feed is view
	// only and inbound messages are answered with an error.
	Commands Commander
	Pointer  Pointer

	// CheckOrigin defaults to accepting every origin.
	CheckOrigin  func(r *http.Request) bool
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	Logger       *slog.Logger
}

// Hub fans composited frames out to every connected client. Each client
// holds at most one pending frame, so a slow viewer sees fewer frames
// instead of holding up the others.
type Hub struct {
	opts     HubOptions
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup

	closeOnce sync.Once

	// pointerMu serializes pointer input from all clients. owner is the
	// client whose event opened the gesture in progress and ownerEnd the
	// event that closes it.
	pointerMu sync.Mutex
	owner     *client
	ownerEnd  string

	encoded     atomic.Uint64
	lastFailLog atomic.Int64
}

func NewHub(opts HubOptions) *Hub {
	if opts.Quality <= 0 {
		opts.Quality = screenshot.DefaultJPEGQuality
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		opts:   opts,
		logger: logging.Component(opts.Logger, "wsfeed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Name() string {
	return "wsfeed"
}

// Push encodes f once and queues it for every client. With nobody
// connected it does nothing.
func (h *Hub) Push(ctx context.Context, f *frame.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clients := h.snapshotClients()
	if clients == nil {
		if h.isClosed() {
			return ErrHubClosed
		}
		return nil
	}

	var buf bytes.Buffer
	if err := screenshot.Encode(&buf, screenshot.Shot{Frame: f}, screenshot.JPEG, screenshot.Options{Quality: h.opts.Quality}); err != nil {
		return fmt.Errorf("wsfeed: encode frame: %w", err)
	}
	h.encoded.Add(1)
	data := buf.Bytes()
	for _, c := range clients {
		c.frames.Enqueue(data)
	}
	return nil
}

func (h *Hub) snapshotClients() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return nil
	}
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Clients reports how many sockets are connected.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Encoded reports how many frames were encoded for delivery.
func (h *Hub) Encoded() uint64 {
	return h.encoded.Load()
}

// ServeHTTP upgrades the request and serves the client until either side
// closes the socket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isClosed() {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := newClient(h, conn, r.RemoteAddr)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	h.logger.Info("feed client connected", "remote", c.remote)
	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.logger.Info("feed client disconnected", "remote", c.remote, "dropped_frames", c.frames.Dropped())
	}
}

// Close disconnects every client and waits for their goroutines. It is
// idempotent.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		clients := make([]*client, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.Unlock()

		for _, c := range clients {
			c.shutdown(websocket.CloseGoingAway, "server shutting down")
		}
		h.wg.Wait()
	})
	return nil
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string

	frames  *dropqueue.Queue[[]byte]
	replies *dropqueue.Queue[Message]

	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, remote string) *client {
	logger := h.logger.With("remote", remote)
	return &client{
		hub:     h,
		conn:    conn,
		remote:  remote,
		frames:  dropqueue.New[[]byte]("feed frames", 1, logger),
		replies: dropqueue.New[Message]("feed replies", defaultReplyQueue, logger),
	}
}

// shutdown stops the write loop and closes the socket, which ends the read
// loop.
func (c *client) shutdown(code int, text string) {
	c.closeOnce.Do(func() {
		c.frames.Close()
		c.replies.Close()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop() {
	defer c.hub.wg.Done()
	ping := time.NewTicker(c.hub.opts.PongTimeout / 3)
	defer ping.Stop()

	for {
		var err error
		select {
		case <-c.frames.Done():
			return
		case data := <-c.frames.C():
			err = c.write(websocket.BinaryMessage, data)
		case msg := <-c.replies.C():
			var data []byte
			if data, err = json.Marshal(msg); err == nil {
				err = c.write(websocket.TextMessage, data)
			}
		case <-ping.C:
			err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.opts.WriteTimeout))
		}
		if err != nil {
			if logging.Every(&c.hub.lastFailLog, time.Second) {
				c.hub.logger.Debug("feed write failed", "remote", c.remote, "err", err)
			}
			c.shutdown(websocket.CloseInternalServerErr, "write failed")
			return
		}
	}
}

func (c *client) write(kind int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, data)
}

func (c *client) readLoop() {
	defer c.hub.wg.Done()
	defer c.hub.remove(c)
	defer c.releaseGesture()
	defer c.shutdown(websocket.CloseNormalClosure, "")

	pongTimeout := c.hub.opts.PongTimeout
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("feed read ended", "remote", c.remote, "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		if kind != websocket.TextMessage {
			continue
		}
		if reply, ok := c.handle(data); ok {
			c.replies.Enqueue(reply)
		}
	}
}

// handle runs one inbound message. Pointer events are answered only when
// they fail, since they arrive at input rate.
func (c *client) handle(data []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return errorReply(fmt.Errorf("decode message: %w", err)), true
	}

	ctx := context.Background()
	switch strings.ToLower(msg.Type) {
	case TypePointer:
		if c.hub.opts.Pointer == nil || msg.Pointer == nil {
			return errorReply(errors.New("pointer input is not accepted")), true
		}
		if err := c.pointer(*msg.Pointer); err != nil {
			return errorReply(err), true
		}
		return Message{}, false
	case TypeCommand:
		if c.hub.opts.Commands == nil || msg.Command == nil {
			return errorReply(control.ErrUnavailable), true
		}
		res, err := c.hub.opts.Commands.Apply(ctx, *msg.Command)
		if err != nil {
			return errorReply(err), true
		}
		return Message{Type: TypeResult, Result: &res}, true
	case TypeChord:
		if c.hub.opts.Commands == nil {
			return errorReply(control.ErrUnavailable), true
		}
		res, err := c.hub.opts.Commands.Chord(ctx, msg.Chord)
		if err != nil {
			return errorReply(err), true
		}
		return Message{Type: TypeResult, Result: &res}, true
	default:
		return errorReply(fmt.Errorf("unknown message type %q", msg.Type)), true
	}
}

// pointer runs ev and keeps track of which client owns the open gesture.
// A swallowed down event leaves ownership where it was; a pen down always
// takes the gesture over.
func (c *client) pointer(ev ink.PointerEvent) error {
	h := c.hub
	h.pointerMu.Lock()
	defer h.pointerMu.Unlock()

	before := h.opts.Pointer.State()
	if _, err := h.opts.Pointer.Handle(ev); err != nil {
		return err
	}
	switch after := h.opts.Pointer.State(); {
	case after == ink.Idle:
		h.owner, h.ownerEnd = nil, ""
	case before == ink.Idle || ev.Type == ink.EventPenDown:
		h.owner, h.ownerEnd = c, closingEvent(after)
	}
	return nil
}

func closingEvent(s ink.State) string {
	if s == ink.PenActive {
		return ink.EventPenUp
	}
	return ink.EventMouseUp
}

// releaseGesture closes the gesture c opened when c goes away, so the
// pipeline drops back to the idle cadence. Another client's gesture is
// left alone.
func (c *client) releaseGesture() {
	h := c.hub
	if h.opts.Pointer == nil {
		return
	}
	h.pointerMu.Lock()
	defer h.pointerMu.Unlock()
	if h.owner != c {
		return
	}
	_, _ = h.opts.Pointer.Handle(ink.PointerEvent{Type: h.ownerEnd})
	h.owner, h.ownerEnd = nil, ""
}

func errorReply(err error) Message {
	return Message{Type: TypeError, Error: err.Error()}
}
