package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/open-transit-stream/poller/internal/opendata"
)

// ErrNotConnected is returned by Emit before Connect or after Close
var ErrNotConnected = errors.New("relay not connected")

// Engine.IO v4 packet types, and the Socket.IO packet types carried in messages
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'

	sioConnect      = '0'
	sioEvent        = '2'
	sioConnectError = '4'
)

const defaultWriteTimeout = 10 * time.Second

// SocketIO is a minimal Socket.IO v5 client over the Engine.IO v4 websocket
// transport. It emits events, answers server pings and ignores everything
// else. No acks, no reconnection.
type SocketIO struct {
	user       string
	clientName string
	dialer     *websocket.Dialer

	mu   sync.Mutex // guards conn writes
	conn *websocket.Conn
	done chan struct{} // closed when the read loop exits
}

// NewSocketIO creates a client that sends as user and announces clientName
func NewSocketIO(user, clientName string) *SocketIO {
	return &SocketIO{
		user:       user,
		clientName: clientName,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Connect opens the session, joins the default namespace and announces the
// client identity with an "add user" event.
func (s *SocketIO) Connect(ctx context.Context, endpoint string) error {
	wsURL, err := websocketURL(endpoint)
	if err != nil {
		return err
	}

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}

	if err := handshake(conn); err != nil {
		conn.Close()
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.done = done
	s.mu.Unlock()

	go s.readLoop(conn, done)

	if err := s.Emit(ctx, EventAddUser, s.clientName); err != nil {
		s.Close()
		return err
	}
	log.Printf("Relay: connected to %s as %q", endpoint, s.clientName)
	return nil
}

// Publish sends rec as a "new message" event
func (s *SocketIO) Publish(ctx context.Context, rec opendata.LiveRecord) error {
	msg, err := NewMessage(s.user, rec)
	if err != nil {
		return err
	}
	return s.Emit(ctx, EventNewMessage, msg)
}

// Emit sends a Socket.IO event with a single argument
func (s *SocketIO) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal([]any{event, payload})
	if err != nil {
		return fmt.Errorf("failed to encode event %q: %w", event, err)
	}
	packet := append([]byte{eioMessage, sioEvent}, data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, packet); err != nil {
		return fmt.Errorf("failed to emit %q: %w", event, err)
	}
	return nil
}

// Close sends an Engine.IO close packet, closes the socket and waits for the
// read loop to exit.
func (s *SocketIO) Close() error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil
	}

	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte{eioClose})
	err := s.conn.Close()
	s.conn = nil
	done := s.done
	s.mu.Unlock()

	// The read loop takes mu to answer pings, so wait without holding it.
	<-done
	return err
}

// readLoop answers pings until the connection fails or is closed
func (s *SocketIO) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case eioPing:
			s.mu.Lock()
			if s.conn == conn {
				conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, []byte{eioPong}); err != nil {
					log.Printf("Relay: failed to answer ping: %v", err)
				}
			}
			s.mu.Unlock()
		case eioClose:
			log.Println("Relay: server closed the session")
			return
		}
	}
}

// handshake consumes the open packet and joins the default namespace
func handshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read open packet: %w", err)
	}
	if len(data) == 0 || data[0] != eioOpen {
		return fmt.Errorf("unexpected open packet %q", data)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte{eioMessage, sioConnect}); err != nil {
		return fmt.Errorf("failed to join namespace: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read namespace reply: %w", err)
		}
		if len(data) < 2 || data[0] != eioMessage {
			if len(data) == 1 && data[0] == eioPing {
				if err := conn.WriteMessage(websocket.TextMessage, []byte{eioPong}); err != nil {
					return fmt.Errorf("failed to answer ping: %w", err)
				}
			}
			continue
		}
		switch data[1] {
		case sioConnect:
			return nil
		case sioConnectError:
			return fmt.Errorf("namespace connect refused: %s", data[2:])
		}
	}
}

// websocketURL maps an http(s) or ws(s) endpoint to the Engine.IO websocket URL
func websocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid relay endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay endpoint %q: unsupported scheme", endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	} else if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
