package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"keyboardlock/internal/lock"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server is the IPC server that manages client connections
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	cfg         ServerConfig
	handler     Handler
	log         *slog.Logger
	clients     map[string]*Client
	subscribers map[string]*subscription

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextClientID  atomic.Uint64
	nextRequestID atomic.Uint32

	events  chan *Event
	dropped atomic.Uint64
}

// Client represents a connected client
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	PeerUID      int
	ConnectedAt  time.Time
	LastActivity time.Time

	limiter *rateLimiter

	// Write serialization
	writeMu sync.Mutex
}

// subscription tracks event subscriptions
type subscription struct {
	clientID string
	// events is nil for all event types.
	events map[string]bool
}

func (s *subscription) wants(t string) bool {
	return s.events == nil || s.events[t]
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	// RequestRate and RequestBurst bound requests per connection. A zero
	// rate disables the limit.
	RequestRate  float64
	RequestBurst int
	Logger       *slog.Logger
}

// DefaultSocketPath is $XDG_RUNTIME_DIR/keyboardlock/daemon.sock, or a
// per-user directory under the temp dir without XDG_RUNTIME_DIR.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "keyboardlock", "daemon.sock")
	}
	return filepath.Join(os.TempDir(), "keyboardlock-"+strconv.Itoa(os.Getuid()), "daemon.sock")
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:     DefaultSocketPath(),
		IdleTimeout:    60 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxConnections: 32,
		RequestRate:    20,
		RequestBurst:   40,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) *Server {
	def := DefaultServerConfig()
	if cfg.SocketPath == "" {
		cfg.SocketPath = def.SocketPath
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.RequestRate > 0 && cfg.RequestBurst <= 0 {
		cfg.RequestBurst = int(cfg.RequestRate)
		if cfg.RequestBurst < 1 {
			cfg.RequestBurst = 1
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		handler:     handler,
		log:         cfg.Logger.With("component", "ipc"),
		clients:     make(map[string]*Client),
		subscribers: make(map[string]*subscription),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan *Event, 128),
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Chmod(socketDir, 0700); err != nil {
		return fmt.Errorf("set socket directory permissions: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := SetSocketPermissions(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.log.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener and every connection.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for connections to finish")
	}

	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		s.log.Debug("remove socket", "error", err)
	}
	return nil
}

// SetHandler replaces the message handler. Call it before Start.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// SubscriberCount returns the number of clients streaming events.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Dropped returns how many progress and timer events were dropped because
// the broadcast queue was full.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// Broadcast queues an event for subscribers. Progress and timer events are
// dropped when the queue is full; other events wait for room.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	if event.Type == EventUnlockProgress || event.Type == EventTimerUpdated {
		select {
		case s.events <- event:
		case <-s.ctx.Done():
		default:
			s.dropped.Add(1)
		}
		return
	}
	select {
	case s.events <- event:
	case <-s.ctx.Done():
	}
}

// Notify implements lock.Notifier by broadcasting ev.
func (s *Server) Notify(ev lock.Event) {
	s.Broadcast(EventFromLock(ev))
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		cred, err := VerifyPeerIsCurrentUser(conn)
		if err != nil {
			s.log.Warn("rejected connection", "error", err)
			conn.Close()
			continue
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()
		if count >= s.cfg.MaxConnections {
			s.log.Warn("connection limit reached", "limit", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		now := time.Now()
		client := &Client{
			ID:           "client-" + strconv.FormatUint(s.nextClientID.Add(1), 10),
			conn:         conn,
			PeerUID:      cred.UID,
			ConnectedAt:  now,
			LastActivity: now,
		}
		if s.cfg.RequestRate > 0 {
			client.limiter = newRateLimiter(s.cfg.RequestRate, s.cfg.RequestBurst, nil)
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		client.conn.Close()
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		client.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := ReadMessage(client.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.sendPing(client)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read failed", "client", client.ID, "error", err)
			}
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		var response *Message
		if client.limiter.Allow() {
			response, err = s.processMessage(client, msg)
		} else {
			response = NewErrorMessage(msg.Header.RequestID, CodeRateLimited, ErrRateLimited.Error())
		}
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrorCode(err), err.Error())
		}
		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		return nil, nil

	case MsgSubscribe:
		return s.handleSubscribe(client, msg)

	case MsgUnsubscribe:
		s.mu.Lock()
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{Success: true})

	default:
		if s.handler == nil {
			return NewErrorMessage(msg.Header.RequestID, CodeUnavailable, "no handler"), nil
		}
		return s.handler.HandleMessage(s.ctx, client, msg)
	}
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid subscribe request"), nil
	}

	sub := &subscription{clientID: client.ID}
	if len(req.Events) > 0 {
		sub.events = make(map[string]bool, len(req.Events))
		for _, et := range req.Events {
			sub.events[et] = true
		}
	}

	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	})
}

// eventBroadcaster writes each event to subscribers in queue order.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.events:
			payload, err := Encode(event)
			if err != nil {
				s.log.Error("encode event", "type", event.Type, "error", err)
				continue
			}

			s.mu.RLock()
			targets := make([]*Client, 0, len(s.subscribers))
			for clientID, sub := range s.subscribers {
				if !sub.wants(event.Type) {
					continue
				}
				if client, ok := s.clients[clientID]; ok {
					targets = append(targets, client)
				}
			}
			s.mu.RUnlock()

			for _, client := range targets {
				msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
				if err := s.sendMessage(client, msg); err != nil {
					s.log.Debug("drop subscriber", "client", client.ID, "error", err)
					client.conn.Close()
				}
			}
		}
	}
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

func (s *Server) sendPing(client *Client) {
	msg := NewMessage(MsgPing, s.nextRequestID.Add(1), nil)
	if err := s.sendMessage(client, msg); err != nil {
		client.conn.Close()
	}
}
