// Package deeplink parses keyboardlock:// URIs into session commands.
package deeplink

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"keyboardlock/internal/mode"
)

// Scheme is the URI scheme handled by the daemon.
const Scheme = "keyboardlock"

var (
	// ErrUnknownCommand is returned for a host other than lock, unlock or toggle.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidScheme is returned when the URI is not a keyboardlock:// link.
	ErrInvalidScheme = errors.New("invalid scheme")
)

// Action is the session operation a link asks for.
type Action string

const (
	ActionLock   Action = "lock"
	ActionUnlock Action = "unlock"
	ActionToggle Action = "toggle"
)

// Command is a parsed deep link.
type Command struct {
	Action Action
	// Mode is set for ActionLock only.
	Mode mode.Mode
	// ModeGiven is false when the link named no mode or an unknown one and
	// Mode holds the fallback.
	ModeGiven bool
}

// Parse decodes raw. An unrecognized mode segment falls back to def.
func Parse(raw string, def mode.Mode) (Command, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Command{}, fmt.Errorf("parse link: %w", err)
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidScheme, u.Scheme)
	}

	// keyboardlock:lock has no authority; take the action from the opaque part.
	host, path := u.Host, u.Path
	if host == "" && u.Opaque != "" {
		host, path, _ = strings.Cut(u.Opaque, "/")
	}
	host = strings.ToLower(host)

	switch Action(host) {
	case ActionUnlock, ActionToggle:
		return Command{Action: Action(host)}, nil
	case ActionLock:
		cmd := Command{Action: ActionLock, Mode: def}
		if seg := firstSegment(path); seg != "" {
			if m, err := mode.Parse(seg); err == nil {
				cmd.Mode, cmd.ModeGiven = m, true
			}
		}
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, host)
	}
}

func firstSegment(p string) string {
	p = strings.Trim(p, "/")
	seg, _, _ := strings.Cut(p, "/")
	return seg
}

// String renders c back into a link.
func (c Command) String() string {
	if c.Action == ActionLock && c.ModeGiven {
		return fmt.Sprintf("%s://%s/%s", Scheme, c.Action, c.Mode)
	}
	return fmt.Sprintf("%s://%s", Scheme, c.Action)
}
