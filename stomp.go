package chatsync

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Constants
// ============================================================================

const (
	// DestinationSendMessage receives OutboundMessage payloads.
	DestinationSendMessage = "/pub/chat/private"
	// DestinationSendReadReceipt receives ReadReceipt payloads.
	DestinationSendReadReceipt = "/pub/chat/read"
)

const (
	hdrAcceptVersion = "accept-version"
	hdrHost          = "host"
	hdrHeartBeat     = "heart-beat"
	hdrAuthorization = "Authorization"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrSubscription  = "subscription"
	hdrContentType   = "content-type"
	hdrMessage       = "message"
)

// MessagesDestination is the inbound topic carrying messages of one conversation.
func MessagesDestination(conversationID string) string {
	return "/sub/chat/private/" + conversationID
}

// ReadReceiptsDestination is the inbound topic carrying read receipts of one conversation.
func ReadReceiptsDestination(conversationID string) string {
	return "/sub/chat/private/" + conversationID + "/read"
}

// ConversationsDestination is the per-user topic announcing new conversations.
func ConversationsDestination(userID int64) string {
	return fmt.Sprintf("/user/%d/queue/chats", userID)
}

// ============================================================================
// Frame Transport
// ============================================================================

// FrameConn is one authenticated STOMP session. A nil frame is a heart-beat.
type FrameConn interface {
	ReadFrame(ctx context.Context) (*frame.Frame, error)
	WriteFrame(ctx context.Context, f *frame.Frame) error
	Close() error
}

// Dialer opens a FrameConn and completes the STOMP handshake with credential.
type Dialer interface {
	Dial(ctx context.Context, credential string) (FrameConn, error)
}

// FrameError is a STOMP ERROR frame received from the server.
type FrameError struct {
	Message string
	Body    string
}

func (e *FrameError) Error() string {
	if e.Body == "" {
		return "stomp error: " + e.Message
	}
	return "stomp error: " + e.Message + ": " + e.Body
}

func newFrameError(f *frame.Frame) *FrameError {
	return &FrameError{
		Message: f.Header.Get(hdrMessage),
		Body:    strings.TrimSpace(string(f.Body)),
	}
}

// authFailure reports whether an ERROR frame rejects the credential.
func (e *FrameError) authFailure() bool {
	text := strings.ToLower(e.Message + " " + e.Body)
	for _, marker := range []string{"unauthorized", "forbidden", "401", "403", "authentication", "jwt"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// WSDialer speaks STOMP 1.2 over a WebSocket, one frame per text message.
type WSDialer struct {
	URL        string
	HTTPClient *http.Client
	Heartbeat  time.Duration
}

// NewWSDialer normalizes an http(s) or ws(s) endpoint into a WSDialer.
func NewWSDialer(endpoint string, heartbeat time.Duration) (*WSDialer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return &WSDialer{URL: u.String(), Heartbeat: heartbeat}, nil
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, credential string) (FrameConn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	conn, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("websocket dial: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	wc := &wsFrameConn{conn: conn}
	hb := d.Heartbeat.Milliseconds()
	connect := frame.New(frame.CONNECT,
		hdrAcceptVersion, "1.2",
		hdrHost, u.Hostname(),
		hdrHeartBeat, fmt.Sprintf("%d,%d", hb, hb),
		hdrAuthorization, "Bearer "+credential,
	)
	if err := wc.WriteFrame(ctx, connect); err != nil {
		wc.Close()
		return nil, fmt.Errorf("write connect frame: %w", err)
	}

	for {
		f, err := wc.ReadFrame(ctx)
		if err != nil {
			wc.Close()
			return nil, fmt.Errorf("read connected frame: %w", err)
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			return wc, nil
		case frame.ERROR:
			wc.Close()
			fe := newFrameError(f)
			if fe.authFailure() {
				return nil, fmt.Errorf("%w: %w", ErrUnauthorized, fe)
			}
			return nil, fe
		default:
			wc.Close()
			return nil, fmt.Errorf("expected CONNECTED, got %s", f.Command)
		}
	}
}

type wsFrameConn struct {
	conn *websocket.Conn
}

func (c *wsFrameConn) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return decodeFrame(data)
}

func (c *wsFrameConn) WriteFrame(ctx context.Context, f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsFrameConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Frame Codec
// ============================================================================

func decodeFrame(data []byte) (*frame.Frame, error) {
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func encodeFrame(f *frame.Frame) ([]byte, error) {
	if f == nil {
		return []byte("\n"), nil
	}
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func subscribeFrame(destination, id string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE, hdrID, id, hdrDestination, destination)
}

func unsubscribeFrame(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, hdrID, id)
}

func sendFrame(destination string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND, hdrDestination, destination, hdrContentType, "application/json")
	f.Body = body
	return f
}

func disconnectFrame() *frame.Frame {
	return frame.New(frame.DISCONNECT)
}
