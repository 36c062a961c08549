// Package control is the user command boundary: named commands and key
// chords routed to the layer store, the pen attributes and persistence.
package control

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"path/filepath"
	"strings"

	"go2tv.app/telestrator/ink"
	"go2tv.app/telestrator/inkstore"
	"go2tv.app/telestrator/internal/logging"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnavailable    = errors.New("command not available")
)

const (
	CmdUndo          = "undo"
	CmdRedo          = "redo"
	CmdClear         = "clear"
	CmdCreateLayer   = "create_layer"
	CmdDeleteLayer   = "delete_layer"
	CmdSetActive     = "set_active"
	CmdSetThickness  = "set_thickness"
	CmdSetColor      = "set_color"
	CmdSetBackground = "set_background"
	CmdScreenshot    = "screenshot"
	CmdSave          = "save"
	CmdLoad          = "load"
	CmdHistory       = "history"
	CmdRestore       = "restore"
)

// Command is the JSON form used on the websocket command channel. Layer
// defaults to the active layer.
type Command struct {
	Name      string  `json:"command"`
	Layer     string  `json:"layer,omitempty"`
	Index     int     `json:"index,omitempty"`
	Thickness float64 `json:"thickness,omitempty"`
	Color     string  `json:"color,omitempty"`
	Mode      string  `json:"mode,omitempty"`
	Path      string  `json:"path,omitempty"`
	ID        string  `json:"id,omitempty"`
	Limit     int     `json:"limit,omitempty"`
}

type Result struct {
	Command string           `json:"command"`
	Layer   string           `json:"layer,omitempty"`
	Path    string           `json:"path,omitempty"`
	History []inkstore.Entry `json:"history,omitempty"`
}

// Pen is satisfied by *ink.Machine.
type Pen interface {
	SetThickness(t float64)
	SetColor(c color.NRGBA)
}

// History is satisfied by *inkstore.History.
type History interface {
	List(ctx context.Context, limit int) ([]inkstore.Entry, error)
	Load(ctx context.Context, id string) (ink.Snapshot, error)
}

type Options struct {
	Store *ink.Store
	Pen   Pen
	// History backs the history and restore commands when set.
	History History
	// InkDir is where relative save and load paths resolve.
	InkDir string
	// Screenshot writes a screenshot and returns its path.
	Screenshot func(ctx context.Context) (string, error)
	// Background switches the fill used when there is no capture frame.
	Background func(mode string) error
	Logger     *slog.Logger
}

type Controller struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("control: Store is required")
	}
	return &Controller{opts: opts, logger: logging.Component(opts.Logger, "control")}, nil
}

// Apply runs one command. Failures never leave the store half changed.
func (c *Controller) Apply(ctx context.Context, cmd Command) (Result, error) {
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	res := Result{Command: name}
	err := c.apply(ctx, name, cmd, &res)
	if err != nil {
		c.logger.Debug("command failed", "command", name, "err", err)
		return res, err
	}
	c.logger.Debug("command applied", "command", name, "layer", res.Layer)
	return res, nil
}

func (c *Controller) apply(ctx context.Context, name string, cmd Command, res *Result) error {
	store := c.opts.Store
	switch name {
	case CmdUndo, CmdRedo, CmdClear, CmdDeleteLayer:
		id, err := c.layer(cmd.Layer)
		if err != nil {
			return err
		}
		res.Layer = string(id)
		switch name {
		case CmdUndo:
			return store.Undo(id)
		case CmdRedo:
			return store.Redo(id)
		case CmdClear:
			return store.Clear(id)
		default:
			return store.DeleteLayer(id)
		}

	case CmdCreateLayer:
		res.Layer = string(store.CreateLayer())
		return nil

	case CmdSetActive:
		if err := store.SetActive(cmd.Index); err != nil {
			return err
		}
		res.Layer = string(store.ActiveID())
		return nil

	case CmdSetThickness:
		if c.opts.Pen == nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, name)
		}
		c.opts.Pen.SetThickness(cmd.Thickness)
		return nil

	case CmdSetColor:
		if c.opts.Pen == nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, name)
		}
		col, err := ink.ParseColor(cmd.Color)
		if err != nil {
			return err
		}
		c.opts.Pen.SetColor(col)
		return nil

	case CmdSetBackground:
		if c.opts.Background == nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, name)
		}
		return c.opts.Background(cmd.Mode)

	case CmdScreenshot:
		if c.opts.Screenshot == nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, name)
		}
		path, err := c.opts.Screenshot(ctx)
		res.Path = path
		return err

	case CmdSave:
		path, err := c.inkPath(cmd.Path)
		if err != nil {
			return err
		}
		res.Path = path
		return inkstore.SaveFile(path, store.Snapshot())

	case CmdLoad:
		path, err := c.inkPath(cmd.Path)
		if err != nil {
			return err
		}
		res.Path = path
		snap, err := inkstore.LoadFile(path)
		if err != nil {
			return err
		}
		return store.Restore(snap)

	case CmdHistory:
		if c.opts.History == nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, name)
		}
		entries, err := c.opts.History.List(ctx, cmd.Limit)
		res.History = entries
		return err

	case CmdRestore:
		if c.opts.History == nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, name)
		}
		snap, err := c.opts.History.Load(ctx, cmd.ID)
		if err != nil {
			return err
		}
		return store.Restore(snap)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
}

// layer resolves an explicit layer ID or the active layer.
func (c *Controller) layer(id string) (ink.LayerID, error) {
	if id != "" {
		if _, err := c.opts.Store.Layer(ink.LayerID(id)); err != nil {
			return "", err
		}
		return ink.LayerID(id), nil
	}
	active := c.opts.Store.ActiveID()
	if active == "" {
		return "", fmt.Errorf("%w: no active layer", ink.ErrOutOfRange)
	}
	return active, nil
}

func (c *Controller) inkPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("ink file path is required")
	}
	if filepath.Ext(p) == "" {
		p += ".json"
	}
	if !filepath.IsAbs(p) && c.opts.InkDir != "" {
		p = filepath.Join(c.opts.InkDir, p)
	}
	return p, nil
}
