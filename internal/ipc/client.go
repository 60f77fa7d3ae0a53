package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"keyboardlock/internal/health"
)

// IPCClient talks to the daemon over its control socket. It is safe for
// concurrent use.
type IPCClient struct {
	mu   sync.RWMutex
	conn net.Conn
	cfg  ClientConfig

	connected atomic.Bool
	// dead is set once the reader exits; the client cannot reconnect.
	dead atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	events     chan *Event
	eventsOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// EventBuffer sizes the channel returned by Subscribe.
	EventBuffer int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SocketPath:     DefaultSocketPath(),
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 10 * time.Second,
		EventBuffer:    64,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	def := DefaultClientConfig()
	if cfg.SocketPath == "" {
		cfg.SocketPath = def.SocketPath
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &IPCClient{
		cfg:     cfg,
		pending: make(map[uint32]chan *Message),
		events:  make(chan *Event, cfg.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect establishes a connection to the daemon. ErrDaemonNotRunning is
// returned when nothing listens on the socket.
func (c *IPCClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}
	if c.dead.Load() {
		return ErrConnectionLost
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w: %s", ErrDaemonNotRunning, c.cfg.SocketPath)
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Close closes the connection to the daemon and the event channel.
func (c *IPCClient) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.disconnect()
		c.wg.Wait()
		c.closeEvents()
	})
	return nil
}

func (c *IPCClient) closeEvents() {
	c.eventsOnce.Do(func() { close(c.events) })
}

func (c *IPCClient) disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// Events returns the stream of events pushed after Subscribe. It is closed
// by Close or when the connection is lost.
func (c *IPCClient) Events() <-chan *Event {
	return c.events
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	return msg.Write(c.conn)
}

// request sends a request and waits for its response. Error replies are
// returned as *RemoteError.
func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	reqID := c.nextReqID.Add(1)
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(NewMessage(msgType, reqID, data)); err != nil {
		c.disconnect()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		if resp.Header.Type == MsgError {
			var e ErrorResponse
			if err := Decode(resp.Payload, &e); err != nil {
				return nil, fmt.Errorf("decode error reply: %w", err)
			}
			return nil, &RemoteError{Code: e.Code, Message: e.Message}
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrNotConnected
	}
}

func (c *IPCClient) call(ctx context.Context, msgType MessageType, payload any, want MessageType, out any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
	if out == nil {
		return nil
	}
	return Decode(resp.Payload, out)
}

func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer c.closeEvents()
	defer c.dead.Store(true)

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.disconnect()
			}
			return
		}

		switch msg.Header.Type {
		case MsgPing:
			c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))

		case MsgEvent:
			var event Event
			if err := Decode(msg.Payload, &event); err != nil {
				continue
			}
			select {
			case c.events <- &event:
			case <-c.ctx.Done():
				return
			}

		default:
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.Header.RequestID]; ok {
				select {
				case ch <- msg:
				default:
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, nil, MsgPong, nil)
}

// Status returns the lock state.
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.call(ctx, MsgStatus, nil, MsgStatusResponse, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Lock locks input. An empty mode uses the daemon's default.
func (c *IPCClient) Lock(ctx context.Context, mode string) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.call(ctx, MsgLock, &LockRequest{Mode: mode}, MsgStatusResponse, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Unlock unlocks input.
func (c *IPCClient) Unlock(ctx context.Context) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.call(ctx, MsgUnlock, nil, MsgStatusResponse, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Toggle locks when unlocked and unlocks when locked.
func (c *IPCClient) Toggle(ctx context.Context) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.call(ctx, MsgToggle, nil, MsgStatusResponse, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Open dispatches a keyboardlock:// link through the daemon.
func (c *IPCClient) Open(ctx context.Context, uri string) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.call(ctx, MsgOpen, &OpenRequest{URI: uri}, MsgStatusResponse, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// History returns up to limit lock sessions, newest first.
func (c *IPCClient) History(ctx context.Context, limit int) (*HistoryResponse, error) {
	var h HistoryResponse
	if err := c.call(ctx, MsgHistory, &HistoryRequest{Limit: limit}, MsgHistoryResponse, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Metrics returns the daemon metrics in Prometheus text format.
func (c *IPCClient) Metrics(ctx context.Context) (string, error) {
	var m MetricsResponse
	if err := c.call(ctx, MsgMetrics, nil, MsgMetricsResponse, &m); err != nil {
		return "", err
	}
	return m.Text, nil
}

// Health runs the daemon health checks.
func (c *IPCClient) Health(ctx context.Context) (*health.Report, error) {
	var r health.Report
	if err := c.call(ctx, MsgHealth, nil, MsgHealthResponse, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Subscribe starts the event stream. Empty events subscribes to all types.
func (c *IPCClient) Subscribe(ctx context.Context, events ...string) error {
	var resp SubscribeResponse
	if err := c.call(ctx, MsgSubscribe, &SubscribeRequest{Events: events}, MsgSubscribeResp, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("subscription failed")
	}
	return nil
}

// Unsubscribe stops the event stream.
func (c *IPCClient) Unsubscribe(ctx context.Context) error {
	return c.call(ctx, MsgUnsubscribe, nil, MsgSubscribeResp, nil)
}
