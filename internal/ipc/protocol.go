// Package ipc is the control socket between the keyboardlock daemon and
// its clients (CLI, deep-link dispatcher, scripts).
//
// Every message is a fixed 16-byte header followed by a JSON payload.
// Requests are answered with the same request id; events pushed to
// subscribers carry server-assigned ids.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4B424C4B // "KBLK"
)

// MaxPayload bounds a single message payload.
const MaxPayload = 1 << 20

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing  MessageType = 0x0001
	MsgPong  MessageType = 0x0002
	MsgError MessageType = 0x0005

	// Lock control (0x01xx)
	MsgLock           MessageType = 0x0100
	MsgUnlock         MessageType = 0x0101
	MsgToggle         MessageType = 0x0102
	MsgStatus         MessageType = 0x0103
	MsgStatusResponse MessageType = 0x0104
	MsgOpen           MessageType = 0x0105

	// History and metrics (0x03xx)
	MsgHistory         MessageType = 0x0300
	MsgHistoryResponse MessageType = 0x0301
	MsgMetrics         MessageType = 0x0302
	MsgMetricsResponse MessageType = 0x0303
	MsgHealth          MessageType = 0x0304
	MsgHealthResponse  MessageType = 0x0305

	// Event streaming (0x05xx)
	MsgSubscribe     MessageType = 0x0500
	MsgSubscribeResp MessageType = 0x0501
	MsgUnsubscribe   MessageType = 0x0502
	MsgEvent         MessageType = 0x0504
)

var messageNames = map[MessageType]string{
	MsgPing:            "ping",
	MsgPong:            "pong",
	MsgError:           "error",
	MsgLock:            "lock",
	MsgUnlock:          "unlock",
	MsgToggle:          "toggle",
	MsgStatus:          "status",
	MsgStatusResponse:  "status_response",
	MsgOpen:            "open",
	MsgHistory:         "history",
	MsgHistoryResponse: "history_response",
	MsgMetrics:         "metrics",
	MsgMetricsResponse: "metrics_response",
	MsgHealth:          "health",
	MsgHealthResponse:  "health_response",
	MsgSubscribe:       "subscribe",
	MsgSubscribeResp:   "subscribe_response",
	MsgUnsubscribe:     "unsubscribe",
	MsgEvent:           "event",
}

func (t MessageType) String() string {
	if n, ok := messageNames[t]; ok {
		return n
	}
	return fmt.Sprintf("message(0x%04x)", uint16(t))
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

// Framing errors.
var (
	ErrBadMagic        = errors.New("invalid magic number")
	ErrBadVersion      = errors.New("unsupported protocol version")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (h *Header) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version == 0 || h.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.Length > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	return h, nil
}

// Write writes the message to a writer as a single buffer.
func (m *Message) Write(w io.Writer) error {
	if len(m.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(m.Payload))
	}
	m.Header.Length = uint32(len(m.Payload))

	buf := make([]byte, HeaderSize, HeaderSize+len(m.Payload))
	m.Header.put(buf)
	buf = append(buf, m.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Request/Response payloads

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	CodeUnknownCommand    = "unknown_command"
	CodeInvalidRequest    = "invalid_request"
	CodePermissionDenied  = "permission_denied"
	CodeHookInstallFailed = "hook_install_failed"
	CodeNotAvailable      = "not_available"
	CodeUnavailable       = "unavailable"
	CodeClosed            = "session_closed"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal"
)

// LockRequest asks for a lock. An empty mode selects the configured default.
type LockRequest struct {
	Mode string `json:"mode,omitempty"`
}

// OpenRequest dispatches a keyboardlock:// link.
type OpenRequest struct {
	URI string `json:"uri"`
}

// StatusResponse is the session state. Lock, Unlock, Toggle and Open reply
// with it too.
type StatusResponse struct {
	Locked           bool     `json:"locked"`
	Mode             string   `json:"mode,omitempty"`
	RemainingSeconds *float64 `json:"remaining_seconds,omitempty"`
	UnlockPresses    int      `json:"unlock_presses,omitempty"`
}

// HistoryRequest asks for recent lock sessions.
type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryEntry is one lock session.
type HistoryEntry struct {
	ID                int64      `json:"id"`
	Mode              string     `json:"mode"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	DurationSeconds   float64    `json:"duration_seconds"`
	AutoUnlockSeconds float64    `json:"auto_unlock_seconds,omitempty"`
}

// HistoryResponse lists sessions newest first.
type HistoryResponse struct {
	Sessions []HistoryEntry `json:"sessions"`
}

// MetricsResponse carries the Prometheus text exposition.
type MetricsResponse struct {
	Text string `json:"text"`
}

// SubscribeRequest filters the event stream. Empty means every event type.
type SubscribeRequest struct {
	Events []string `json:"events,omitempty"`
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event types on the wire.
const (
	EventStateChanged   = "state_changed"
	EventUnlockProgress = "unlock_progress"
	EventTimerUpdated   = "timer_updated"
	EventLockFailed     = "lock_failed"
)

// Event is a streamed session event. Only the fields relevant to Type
// are set.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Locked *bool  `json:"locked,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Reason string `json:"reason,omitempty"`

	Count    *int `json:"count,omitempty"`
	Required int  `json:"required,omitempty"`

	RemainingSeconds *float64 `json:"remaining_seconds,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Encode encodes a payload to JSON bytes. nil encodes to an empty payload.
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload. An empty payload leaves v as is.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
