package metatrader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/copyrig/copyrig/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	// defaultEventBuffer is the event channel capacity when none is configured.
	defaultEventBuffer = 32
)

// StateHandler is called when the stream drops or re-establishes. It must
// not block; it runs on the stream's read goroutine.
type StateHandler = domain.StreamStateFunc

// StreamOptions configures a position event stream for one account.
// StreamHost may contain a "{region}" placeholder.
type StreamOptions struct {
	StreamHost string
	Region     string
	Token      string
	AccountID  string
	Buffer     int
}

// Stream is a WebSocket client for one account's position feed. It manages
// the connection lifecycle, re-subscribes and re-synchronizes after every
// reconnect, and delivers events on a buffered channel. It implements
// domain.StreamHandle.
type Stream struct {
	url       string
	token     string
	accountID string

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	stateHandlers []StateHandler
	handlerMu     sync.RWMutex

	events chan domain.PositionEvent

	// done is closed when the stream is shut down.
	done chan struct{}
	wg   sync.WaitGroup
}

// NewStream creates a stream client for the given account. Call Connect to
// establish the session.
func NewStream(opts StreamOptions) *Stream {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	return &Stream{
		url:       hostForRegion(opts.StreamHost, opts.Region),
		token:     opts.Token,
		accountID: opts.AccountID,
		events:    make(chan domain.PositionEvent, buffer),
		done:      make(chan struct{}),
	}
}

// Events returns the channel position events are delivered on. It is closed
// after Close returns.
func (s *Stream) Events() <-chan domain.PositionEvent {
	return s.events
}

// OnStateChange registers a handler invoked on every disconnect and
// successful (re)connect.
func (s *Stream) OnStateChange(handler StateHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.stateHandlers = append(s.stateHandlers, handler)
}

// Connect establishes the WebSocket session, attaches to the account, and
// requests a full state synchronization. The broker replies to the
// synchronization with a positions snapshot frame.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metatrader/stream: %w", domain.ErrStreamClosed)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("metatrader/stream: connect: %w", err)
	}

	s.conn = conn

	// Set up pong handler for keep-alive.
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Attach to the account and request a snapshot. Both are re-sent on
	// every reconnect so state converges after a drop.
	if err := s.sendCommand(StreamCommand{Type: "subscribe", AccountID: s.accountID}); err != nil {
		conn.Close()
		return fmt.Errorf("metatrader/stream: subscribe: %w", err)
	}
	if err := s.sendCommand(StreamCommand{
		Type:      "synchronize",
		AccountID: s.accountID,
		RequestID: uuid.NewString(),
	}); err != nil {
		conn.Close()
		return fmt.Errorf("metatrader/stream: synchronize: %w", err)
	}

	// Start the read loop and ping loop.
	s.wg.Add(2)
	go s.readLoop(conn)
	go s.pingLoop(conn)

	s.notifyState(true, nil)
	return nil
}

// Close shuts down the stream and closes the event channel. Safe to call
// more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		// Send a close message to the server.
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = conn.Close()
	}

	s.wg.Wait()
	close(s.events)
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// sendCommand sends a JSON command over the connection. Caller must hold s.mu.
func (s *Stream) sendCommand(cmd StreamCommand) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames from one connection and dispatches them. On a read
// error it hands off to reconnect, which starts a fresh pair of loops.
func (s *Stream) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			// Check if we've been shut down.
			select {
			case <-s.done:
				return
			default:
			}

			s.notifyState(false, err)
			s.reconnect()
			return // readLoop is restarted by reconnect -> Connect
		}

		s.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the connection alive. It
// exits when the stream shuts down or the connection dies under it.
func (s *Stream) pingLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw frame and emits the corresponding position
// events. Unparseable frames are silently dropped.
func (s *Stream) handleMessage(raw []byte) {
	var msg StreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	at := msg.at()

	switch msg.Type {
	case "positions":
		// Snapshot after synchronize. Emitted as created events; the
		// pipeline's duplicate filter absorbs positions it already copied.
		for i := range msg.Positions {
			s.emit(domain.PositionEvent{
				Type:      domain.EventPositionCreated,
				AccountID: s.accountID,
				Position:  msg.Positions[i].ToDomain(),
				At:        at,
			})
		}

	case "position":
		var pos domain.Position
		if msg.Position != nil {
			pos = msg.Position.ToDomain()
		} else {
			pos = domain.Position{ID: msg.PositionID}
			if msg.Profit != nil {
				pos.Profit = *msg.Profit
			}
		}

		var evType domain.EventType
		switch msg.Event {
		case "created":
			evType = domain.EventPositionCreated
		case "updated":
			evType = domain.EventPositionUpdated
		case "removed":
			evType = domain.EventPositionRemoved
		default:
			return
		}

		s.emit(domain.PositionEvent{
			Type:      evType,
			AccountID: s.accountID,
			Position:  pos,
			At:        at,
		})

	case "accountInformation":
		if msg.AccountInformation == nil {
			return
		}
		s.emit(domain.PositionEvent{
			Type:      domain.EventAccountInfo,
			AccountID: s.accountID,
			Account:   msg.AccountInformation.ToDomain(),
			At:        at,
		})
	}
}

// notifyState invokes every registered state handler with the new
// connectivity state.
func (s *Stream) notifyState(connected bool, err error) {
	s.handlerMu.RLock()
	handlers := make([]StateHandler, len(s.stateHandlers))
	copy(handlers, s.stateHandlers)
	s.handlerMu.RUnlock()

	for _, h := range handlers {
		h(connected, err)
	}
}

// emit delivers one event, giving up when the stream shuts down first.
func (s *Stream) emit(ev domain.PositionEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// reconnect re-establishes the session with exponential backoff. It returns
// when connected or when the stream is closed.
func (s *Stream) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := s.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		// Exponential backoff.
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
