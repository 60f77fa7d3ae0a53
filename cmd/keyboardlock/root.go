package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"keyboardlock/internal/config"
	"keyboardlock/internal/ipc"
)

// globals holds the persistent flags.
type globals struct {
	configPath string
	socketPath string
	timeout    time.Duration
	jsonOutput bool
}

var errNoCommand = errors.New("no command given")

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "keyboardlock",
		Short: "Control the keyboardlock daemon",
		Long: `keyboardlock locks the keyboard (and optionally the mouse) through the
keyboardlockd daemon. While locked, press the unlock gesture (command six
times by default) to unlock.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Usage()
			return errNoCommand
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "path to config file")
	pf.StringVar(&g.socketPath, "socket", "", "daemon control socket (default from config)")
	pf.DurationVar(&g.timeout, "timeout", 5*time.Second, "request timeout")
	pf.BoolVar(&g.jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(
		newLockCmd(g),
		newUnlockCmd(g),
		newToggleCmd(g),
		newStatusCmd(g),
		newOpenCmd(g),
		newWatchCmd(g),
		newHistoryCmd(g),
		newMetricsCmd(g),
		newHealthCmd(g),
	)
	return root
}

// socket resolves the control socket: flag, then config, then default.
func (g *globals) socket() (string, error) {
	if g.socketPath != "" {
		return g.socketPath, nil
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.IPC.SocketPath != "" {
		return cfg.IPC.SocketPath, nil
	}
	return ipc.DefaultSocketPath(), nil
}

// connect dials the daemon. The caller closes the client.
func (g *globals) connect(ctx context.Context) (*ipc.IPCClient, error) {
	path, err := g.socket()
	if err != nil {
		return nil, err
	}
	c := ipc.NewClient(ipc.ClientConfig{SocketPath: path, ConnectTimeout: g.timeout, RequestTimeout: g.timeout})
	if err := c.Connect(ctx); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return nil, fmt.Errorf("%w (start it with: keyboardlockd)", err)
		}
		return nil, err
	}
	return c, nil
}

// withClient connects, runs fn and closes the connection.
func (g *globals) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *ipc.IPCClient) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
