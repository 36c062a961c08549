// Package portal is a minimal xdg-desktop-portal ScreenCast client. It is
// how Wayland sessions grant access to a window or monitor: the user picks
// a source in the compositor's dialog and the portal hands back a PipeWire
// remote plus the node to read.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	busName    = "org.freedesktop.portal.Desktop"
	objectPath = dbus.ObjectPath("/org/freedesktop/portal/desktop")

	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"

	createSessionMethod      = screenCastIface + ".CreateSession"
	selectSourcesMethod      = screenCastIface + ".SelectSources"
	startMethod              = screenCastIface + ".Start"
	openPipeWireRemoteMethod = screenCastIface + ".OpenPipeWireRemote"
)

const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

const (
	PersistModeNone       uint32 = 0
	PersistModeRunning    uint32 = 1
	PersistModePersistent uint32 = 2
)

// Response codes of org.freedesktop.portal.Request.Response.
const (
	responseSuccess   uint32 = 0
	responseCancelled uint32 = 1
	responseEnded     uint32 = 2
)

var (
	ErrCancelled          = errors.New("screen cast request was cancelled")
	ErrNoStreams          = errors.New("screen cast returned no streams")
	ErrUnexpectedResponse = errors.New("unexpected response from portal")
)

// Client owns a private session bus connection.
type Client struct {
	conn   *dbus.Conn
	obj    dbus.BusObject
	logger *slog.Logger
}

func Connect(logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &Client{
		conn:   conn,
		obj:    conn.Object(busName, objectPath),
		logger: logger,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) uint32Property(name string) (uint32, error) {
	v, err := c.obj.GetProperty(screenCastIface + "." + name)
	if err != nil {
		return 0, err
	}
	out, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", name, v.Value())
	}
	return out, nil
}

func (c *Client) Version() (uint32, error) {
	return c.uint32Property("version")
}

func (c *Client) AvailableSourceTypes() (uint32, error) {
	return c.uint32Property("AvailableSourceTypes")
}

func (c *Client) AvailableCursorModes() (uint32, error) {
	return c.uint32Property("AvailableCursorModes")
}

// Stream is one entry of the Start response.
type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	MappingID  string
	ID         string
}

// Session is an open ScreenCast session. Close releases it on the portal
// side; the Client stays usable.
type Session struct {
	client *Client
	path   dbus.ObjectPath
}

func (s *Session) Path() dbus.ObjectPath {
	return s.path
}

func newToken() string {
	return "telestrator_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// requestPath is the object path the portal will use for a request created
// with token. Subscribing to it before the call avoids missing a fast
// Response signal.
func requestPath(sender, token string) dbus.ObjectPath {
	sender = strings.TrimPrefix(sender, ":")
	sender = strings.ReplaceAll(sender, ".", "_")
	return objectPath + "/request/" + dbus.ObjectPath(sender) + "/" + dbus.ObjectPath(token)
}

func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	token := newToken()
	opts := map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(token),
		"session_handle_token": dbus.MakeVariant(newToken()),
	}

	results, err := c.request(ctx, token, createSessionMethod, opts)
	if err != nil {
		return nil, fmt.Errorf("CreateSession: %w", err)
	}

	handle, ok := results["session_handle"]
	if !ok {
		return nil, fmt.Errorf("CreateSession: %w: missing session_handle", ErrUnexpectedResponse)
	}
	var path dbus.ObjectPath
	switch v := handle.Value().(type) {
	case string:
		path = dbus.ObjectPath(v)
	case dbus.ObjectPath:
		path = v
	default:
		return nil, fmt.Errorf("CreateSession: %w: session_handle has type %T", ErrUnexpectedResponse, v)
	}
	c.logger.Debug("portal session created", "path", path)
	return &Session{client: c, path: path}, nil
}

type SelectOptions struct {
	Types        uint32
	CursorMode   uint32
	Multiple     bool
	RestoreToken string
	PersistMode  uint32
}

func (s *Session) SelectSources(ctx context.Context, o SelectOptions) error {
	token := newToken()
	opts := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token),
	}
	if o.Types != 0 {
		opts["types"] = dbus.MakeVariant(o.Types)
	}
	if o.CursorMode != 0 {
		opts["cursor_mode"] = dbus.MakeVariant(o.CursorMode)
	}
	if o.Multiple {
		opts["multiple"] = dbus.MakeVariant(true)
	}
	if o.RestoreToken != "" {
		opts["restore_token"] = dbus.MakeVariant(o.RestoreToken)
	}
	if o.PersistMode != PersistModeNone {
		opts["persist_mode"] = dbus.MakeVariant(o.PersistMode)
	}

	if _, err := s.client.request(ctx, token, selectSourcesMethod, s.path, opts); err != nil {
		return fmt.Errorf("SelectSources: %w", err)
	}
	return nil
}

// Start shows the source picker and returns the chosen streams.
func (s *Session) Start(ctx context.Context, parentWindow string) ([]Stream, error) {
	token := newToken()
	opts := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token),
	}

	results, err := s.client.request(ctx, token, startMethod, s.path, parentWindow, opts)
	if err != nil {
		return nil, fmt.Errorf("Start: %w", err)
	}
	v, ok := results["streams"]
	if !ok {
		return nil, ErrNoStreams
	}
	streams := parseStreams(v.Value())
	if len(streams) == 0 {
		return nil, ErrNoStreams
	}
	return streams, nil
}

// OpenPipeWireRemote returns the PipeWire socket for this session. The
// caller owns the file.
func (s *Session) OpenPipeWireRemote(ctx context.Context) (*os.File, error) {
	call := s.client.obj.CallWithContext(ctx, openPipeWireRemoteMethod, 0, s.path, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, fmt.Errorf("OpenPipeWireRemote: %w", call.Err)
	}
	var fd dbus.UnixFD
	if err := call.Store(&fd); err != nil {
		return nil, fmt.Errorf("OpenPipeWireRemote: %w", err)
	}
	return os.NewFile(uintptr(fd), "pipewire-remote"), nil
}

func (s *Session) Close() error {
	obj := s.client.conn.Object(busName, s.path)
	return obj.Call(sessionIface+".Close", 0).Err
}

// request issues a portal method that answers through a Request object and
// waits for its Response signal.
func (c *Client) request(ctx context.Context, token, method string, args ...any) (map[string]dbus.Variant, error) {
	names := c.conn.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: connection has no unique name", ErrUnexpectedResponse)
	}
	want := requestPath(names[0], token)

	signals := make(chan *dbus.Signal, 4)
	c.conn.Signal(signals)
	defer c.conn.RemoveSignal(signals)

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(want),
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	}
	if err := c.conn.AddMatchSignal(match...); err != nil {
		return nil, err
	}
	defer func() { _ = c.conn.RemoveMatchSignal(match...) }()

	call := c.obj.CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}
	var handle dbus.ObjectPath
	if err := call.Store(&handle); err != nil {
		return nil, err
	}
	if handle != want {
		// Portals older than version 0.9 pick their own path.
		c.logger.Debug("portal request path differs from token path", "want", want, "got", handle)
		extra := []dbus.MatchOption{
			dbus.WithMatchObjectPath(handle),
			dbus.WithMatchInterface(requestIface),
			dbus.WithMatchMember("Response"),
		}
		if err := c.conn.AddMatchSignal(extra...); err != nil {
			return nil, err
		}
		defer func() { _ = c.conn.RemoveMatchSignal(extra...) }()
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Object(busName, handle).Call(requestIface+".Close", 0).Err
			return nil, ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil, fmt.Errorf("%w: connection closed", ErrUnexpectedResponse)
			}
			if sig.Name != requestIface+".Response" || (sig.Path != want && sig.Path != handle) {
				continue
			}
			return parseResponse(sig.Body)
		}
	}
}

func parseResponse(body []any) (map[string]dbus.Variant, error) {
	if len(body) != 2 {
		return nil, fmt.Errorf("%w: %d values", ErrUnexpectedResponse, len(body))
	}
	status, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("%w: status has type %T", ErrUnexpectedResponse, body[0])
	}
	switch status {
	case responseSuccess:
	case responseCancelled:
		return nil, ErrCancelled
	case responseEnded:
		return nil, fmt.Errorf("%w: interaction ended", ErrCancelled)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrUnexpectedResponse, status)
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("%w: results have type %T", ErrUnexpectedResponse, body[1])
	}
	return results, nil
}

// parseStreams decodes the a(ua{sv}) streams value. godbus hands structs
// back as []any, so both the typed and the generic nesting are accepted.
func parseStreams(value any) []Stream {
	var raw [][]any
	switch v := value.(type) {
	case [][]any:
		raw = v
	case []any:
		for _, r := range v {
			if s, ok := r.([]any); ok {
				raw = append(raw, s)
			}
		}
	default:
		return nil
	}

	streams := make([]Stream, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		var st Stream
		if id, ok := entry[0].(uint32); ok {
			st.NodeID = id
		}
		if props, ok := entry[1].(map[string]dbus.Variant); ok {
			if v, ok := props["position"]; ok {
				st.Position, _ = parseInt32Pair(v.Value())
			}
			if v, ok := props["size"]; ok {
				st.Size, _ = parseInt32Pair(v.Value())
			}
			if v, ok := props["source_type"].Value().(uint32); ok {
				st.SourceType = v
			}
			if v, ok := props["mapping_id"].Value().(string); ok {
				st.MappingID = v
			}
			if v, ok := props["id"].Value().(string); ok {
				st.ID = v
			}
		}
		streams = append(streams, st)
	}
	return streams
}

func parseInt32Pair(value any) ([2]int32, bool) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}
	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}
	return [2]int32{left, right}, true
}
