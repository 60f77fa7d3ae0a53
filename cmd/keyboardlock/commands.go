package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"keyboardlock/internal/health"
	"keyboardlock/internal/ipc"
	"keyboardlock/internal/mode"
)

func modeNames() string {
	names := make([]string, 0, len(mode.All()))
	for _, m := range mode.All() {
		names = append(names, m.String())
	}
	return strings.Join(names, ", ")
}

// statusCommand builds a command whose reply is a status payload.
func statusCommand(g *globals, cmd *cobra.Command, call func(ctx context.Context, c *ipc.IPCClient, args []string) (*ipc.StatusResponse, error)) *cobra.Command {
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return g.withClient(cmd, func(ctx context.Context, c *ipc.IPCClient) error {
			st, err := call(ctx, c, args)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st, g.jsonOutput)
		})
	}
	return cmd
}

func newLockCmd(g *globals) *cobra.Command {
	return statusCommand(g, &cobra.Command{
		Use:   "lock [mode]",
		Short: "Lock input",
		Long:  "Lock input in the given mode, or the configured default.\nModes: " + modeNames() + ".",
		Args:  cobra.MaximumNArgs(1),
	}, func(ctx context.Context, c *ipc.IPCClient, args []string) (*ipc.StatusResponse, error) {
		m := ""
		if len(args) == 1 {
			m = args[0]
		}
		return c.Lock(ctx, m)
	})
}

func newUnlockCmd(g *globals) *cobra.Command {
	return statusCommand(g, &cobra.Command{
		Use:   "unlock",
		Short: "Unlock input",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, c *ipc.IPCClient, _ []string) (*ipc.StatusResponse, error) {
		return c.Unlock(ctx)
	})
}

func newToggleCmd(g *globals) *cobra.Command {
	return statusCommand(g, &cobra.Command{
		Use:   "toggle",
		Short: "Lock when unlocked, unlock when locked",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, c *ipc.IPCClient, _ []string) (*ipc.StatusResponse, error) {
		return c.Toggle(ctx)
	})
}

func newStatusCmd(g *globals) *cobra.Command {
	return statusCommand(g, &cobra.Command{
		Use:   "status",
		Short: "Show whether input is locked",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, c *ipc.IPCClient, _ []string) (*ipc.StatusResponse, error) {
		return c.Status(ctx)
	})
}

func newOpenCmd(g *globals) *cobra.Command {
	return statusCommand(g, &cobra.Command{
		Use:     "open <uri>",
		Short:   "Dispatch a keyboardlock:// link",
		Example: "  keyboardlock open keyboardlock://lock/keyboard-mouse\n  keyboardlock open keyboardlock://toggle",
		Args:    cobra.ExactArgs(1),
	}, func(ctx context.Context, c *ipc.IPCClient, args []string) (*ipc.StatusResponse, error) {
		return c.Open(ctx, args[0])
	})
}

func printStatus(w io.Writer, st *ipc.StatusResponse, asJSON bool) error {
	if asJSON {
		return writeJSON(w, st)
	}
	_, err := fmt.Fprintln(w, formatStatus(st))
	return err
}

// formatStatus renders "unlocked" or "locked (Keyboard Only, 1m30s
// remaining)".
func formatStatus(st *ipc.StatusResponse) string {
	if !st.Locked {
		return "unlocked"
	}
	var details []string
	if m, ok := st.LockMode(); ok {
		details = append(details, m.DisplayName())
	} else if st.Mode != "" {
		details = append(details, st.Mode)
	}
	if d, ok := st.Remaining(); ok {
		details = append(details, d.Round(time.Second).String()+" remaining")
	}
	if st.UnlockPresses > 0 {
		details = append(details, fmt.Sprintf("%d unlock presses", st.UnlockPresses))
	}
	if len(details) == 0 {
		return "locked"
	}
	return "locked (" + strings.Join(details, ", ") + ")"
}

func newWatchCmd(g *globals) *cobra.Command {
	var events []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream lock events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *ipc.IPCClient) error {
				if err := c.Subscribe(ctx, events...); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for {
					select {
					case <-ctx.Done():
						return nil
					case ev, ok := <-c.Events():
						if !ok {
							return ipc.ErrConnectionLost
						}
						if err := printEvent(out, ev, g.jsonOutput); err != nil {
							return err
						}
					}
				}
			})
		},
	}
	cmd.Flags().StringSliceVar(&events, "events", nil, "event types to stream (state_changed, unlock_progress, timer_updated, lock_failed)")
	return cmd
}

func printEvent(w io.Writer, ev *ipc.Event, asJSON bool) error {
	if asJSON {
		// One object per line.
		return json.NewEncoder(w).Encode(ev)
	}
	ts := ev.Timestamp.Local().Format("15:04:05.000")
	var line string
	switch ev.Type {
	case ipc.EventStateChanged:
		if ev.Locked != nil && *ev.Locked {
			line = "locked " + ev.Mode
		} else {
			line = "unlocked " + ev.Mode
			if ev.Reason != "" {
				line += " (" + ev.Reason + ")"
			}
		}
	case ipc.EventUnlockProgress:
		count := 0
		if ev.Count != nil {
			count = *ev.Count
		}
		line = fmt.Sprintf("unlock gesture %d/%d", count, ev.Required)
	case ipc.EventTimerUpdated:
		if ev.RemainingSeconds != nil {
			line = fmt.Sprintf("auto-unlock in %.0fs", *ev.RemainingSeconds)
		} else {
			line = "auto-unlock timer updated"
		}
	case ipc.EventLockFailed:
		line = "lock failed: " + ev.Error
	default:
		line = ev.Type
	}
	_, err := fmt.Fprintf(w, "%s  %s\n", ts, line)
	return err
}

func newHistoryCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lock sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *ipc.IPCClient) error {
				h, err := c.History(ctx, limit)
				if err != nil {
					return err
				}
				if g.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), h)
				}
				return printHistory(cmd.OutOrStdout(), h)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of sessions to show (default from daemon config)")
	return cmd
}

func printHistory(w io.Writer, h *ipc.HistoryResponse) error {
	if len(h.Sessions) == 0 {
		_, err := fmt.Fprintln(w, "No lock sessions recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tMODE\tDURATION\tENDED BY")
	for _, s := range h.Sessions {
		reason := s.Reason
		if s.EndedAt == nil {
			reason = "(active)"
		}
		d := time.Duration(s.DurationSeconds * float64(time.Second)).Round(time.Second)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.ID, s.StartedAt.Local().Format("2006-01-02 15:04:05"), s.Mode, d, reason)
	}
	return tw.Flush()
}

func newMetricsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print daemon metrics in Prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *ipc.IPCClient) error {
				text, err := c.Metrics(ctx)
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), text)
				return err
			})
		},
	}
}

func newHealthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the daemon health checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *ipc.IPCClient) error {
				r, err := c.Health(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if g.jsonOutput {
					if err := writeJSON(out, r); err != nil {
						return err
					}
				} else if err := printHealth(out, r); err != nil {
					return err
				}
				if r.Status == health.StatusUnhealthy {
					return fmt.Errorf("daemon is %s", r.Status)
				}
				return nil
			})
		},
	}
}

func printHealth(w io.Writer, r *health.Report) error {
	uptime := time.Duration(r.UptimeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Fprintf(w, "%s (uptime %s)\n", r.Status, uptime)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, comp := range r.Components {
		detail := comp.Message
		if comp.Error != "" {
			detail += ": " + comp.Error
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", comp.Name, comp.Status, detail)
	}
	return tw.Flush()
}
