package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"keyboardlock/internal/deeplink"
	"keyboardlock/internal/health"
	"keyboardlock/internal/lock"
	"keyboardlock/internal/mode"
	"keyboardlock/internal/store"
)

// Controller is the lock session as seen by the daemon handler.
type Controller interface {
	Lock(ctx context.Context, m *mode.Mode) (lock.State, error)
	Unlock(ctx context.Context) (lock.State, error)
	Toggle(ctx context.Context) (lock.State, error)
	State(ctx context.Context) (lock.State, error)
	Now() time.Time
}

// HistorySource lists recent lock sessions.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]store.LockSession, error)
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Session Controller
	// History is optional; without it History requests fail with
	// CodeUnavailable.
	History HistorySource
	// Metrics writes the text exposition. Optional.
	Metrics func(w io.Writer) error
	// Health runs the daemon health checks. Optional.
	Health func(ctx context.Context) health.Report
	// DefaultHistoryLimit applies when a request names no limit.
	DefaultHistoryLimit int
	Logger              *slog.Logger
}

// DaemonHandler implements Handler on top of a lock session.
type DaemonHandler struct {
	cfg DaemonHandlerConfig
	log *slog.Logger
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultHistoryLimit <= 0 {
		cfg.DefaultHistoryLimit = 20
	}
	return &DaemonHandler{cfg: cfg, log: cfg.Logger.With("component", "ipc-handler")}
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	id := msg.Header.RequestID
	switch msg.Header.Type {
	case MsgStatus:
		return h.status(ctx, id, h.cfg.Session.State)

	case MsgLock:
		var req LockRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, CodeInvalidRequest, "invalid lock request"), nil
		}
		m := h.parseMode(req.Mode)
		return h.status(ctx, id, func(ctx context.Context) (lock.State, error) {
			return h.cfg.Session.Lock(ctx, m)
		})

	case MsgUnlock:
		return h.status(ctx, id, h.cfg.Session.Unlock)

	case MsgToggle:
		return h.status(ctx, id, h.cfg.Session.Toggle)

	case MsgOpen:
		return h.open(ctx, id, msg)

	case MsgHistory:
		return h.history(ctx, id, msg)

	case MsgMetrics:
		if h.cfg.Metrics == nil {
			return NewErrorMessage(id, CodeUnavailable, "metrics disabled"), nil
		}
		var buf bytes.Buffer
		if err := h.cfg.Metrics(&buf); err != nil {
			return nil, fmt.Errorf("write metrics: %w", err)
		}
		return NewResponse(MsgMetricsResponse, id, &MetricsResponse{Text: buf.String()})

	case MsgHealth:
		if h.cfg.Health == nil {
			return NewErrorMessage(id, CodeUnavailable, "health checks disabled"), nil
		}
		report := h.cfg.Health(ctx)
		return NewResponse(MsgHealthResponse, id, &report)

	default:
		h.log.Debug("unknown command", "client", client.ID, "type", msg.Header.Type.String())
		return NewErrorMessage(id, CodeUnknownCommand, fmt.Sprintf("%s: %s", ErrUnknownCommand, msg.Header.Type)), nil
	}
}

// parseMode returns nil, selecting the configured default, for an empty
// or unrecognized mode.
func (h *DaemonHandler) parseMode(s string) *mode.Mode {
	if s == "" {
		return nil
	}
	m, err := mode.Parse(s)
	if err != nil {
		h.log.Info("unknown lock mode, using default", "mode", s)
		return nil
	}
	return &m
}

func (h *DaemonHandler) status(ctx context.Context, id uint32, op func(context.Context) (lock.State, error)) (*Message, error) {
	st, err := op(ctx)
	if err != nil {
		return NewErrorMessage(id, ErrorCode(err), err.Error()), nil
	}
	return NewResponse(MsgStatusResponse, id, StatusFromState(st, h.cfg.Session.Now()))
}

func (h *DaemonHandler) open(ctx context.Context, id uint32, msg *Message) (*Message, error) {
	var req OpenRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(id, CodeInvalidRequest, "invalid open request"), nil
	}
	cmd, err := deeplink.Parse(req.URI, mode.Default)
	if err != nil {
		code := CodeInvalidRequest
		if errors.Is(err, deeplink.ErrUnknownCommand) {
			code = CodeUnknownCommand
		}
		return NewErrorMessage(id, code, err.Error()), nil
	}

	h.log.Debug("open link", "link", cmd.String())
	switch cmd.Action {
	case deeplink.ActionLock:
		var m *mode.Mode
		if cmd.ModeGiven {
			m = &cmd.Mode
		}
		return h.status(ctx, id, func(ctx context.Context) (lock.State, error) {
			return h.cfg.Session.Lock(ctx, m)
		})
	case deeplink.ActionUnlock:
		return h.status(ctx, id, h.cfg.Session.Unlock)
	default:
		return h.status(ctx, id, h.cfg.Session.Toggle)
	}
}

func (h *DaemonHandler) history(ctx context.Context, id uint32, msg *Message) (*Message, error) {
	if h.cfg.History == nil {
		return NewErrorMessage(id, CodeUnavailable, "history disabled"), nil
	}
	var req HistoryRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(id, CodeInvalidRequest, "invalid history request"), nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = h.cfg.DefaultHistoryLimit
	}

	sessions, err := h.cfg.History.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	now := h.cfg.Session.Now()
	resp := &HistoryResponse{Sessions: make([]HistoryEntry, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, HistoryEntry{
			ID:                s.ID,
			Mode:              s.Mode,
			StartedAt:         s.StartedAt.UTC(),
			EndedAt:           utc(s.EndedAt),
			Reason:            s.Reason,
			DurationSeconds:   s.Duration(now).Seconds(),
			AutoUnlockSeconds: s.AutoUnlock.Seconds(),
		})
	}
	return NewResponse(MsgHistoryResponse, id, resp)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
