package control

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// ParseChord maps a key chord such as "Ctrl+Shift+Z" to its command.
// Modifier order and case do not matter.
func ParseChord(chord string) (Command, error) {
	var mods []string
	key := ""
	for _, part := range strings.Split(strings.ToLower(chord), "+") {
		part = strings.TrimSpace(part)
		switch part {
		case "ctrl", "control", "cmd", "meta":
			mods = append(mods, "ctrl")
		case "shift", "alt":
			mods = append(mods, part)
		case "":
		default:
			key = part
		}
	}
	slices.Sort(mods)
	mods = slices.Compact(mods)

	switch strings.Join(append(mods, key), "+") {
	case "ctrl+z":
		return Command{Name: CmdUndo}, nil
	case "ctrl+shift+z", "ctrl+y":
		return Command{Name: CmdRedo}, nil
	}
	return Command{}, fmt.Errorf("%w: chord %q", ErrUnknownCommand, chord)
}

// Chord parses chord and applies the command it maps to.
func (c *Controller) Chord(ctx context.Context, chord string) (Result, error) {
	cmd, err := ParseChord(chord)
	if err != nil {
		return Result{}, err
	}
	return c.Apply(ctx, cmd)
}
