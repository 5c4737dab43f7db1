package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout = 10 * time.Second
	// Outbound frames buffered per session. A session that can't keep up
	// loses events rather than blocking the registries.
	outboxSize = 64
)

type authState int

const (
	authNew authState = iota
	authPending
	authActive
)

// Session is one WebSocket connection. Requests are dispatched serially
// on the read loop; a separate pump owns all writes, so event fan-out
// from other goroutines only ever touches the outbox channel.
type Session struct {
	id    string
	token string
	conn  *websocket.Conn
	hub   *Hub

	outbox    chan any
	quit      chan struct{}
	closeOnce sync.Once

	// Auth state. Handlers may outlive their request deadline, so access
	// goes through the mutex.
	stateMu  sync.Mutex
	auth     authState
	clientID string
	admin    bool

	logger *logrus.Entry
}

func (s *Session) setAuth(auth authState, clientID string, admin bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.auth = auth
	s.clientID = clientID
	s.admin = admin
}

func (s *Session) promote() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.auth = authActive
}

func (s *Session) authState() authState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.auth
}

func (s *Session) boundClient() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.clientID
}

func (s *Session) isAdmin() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.admin
}

func newSession(hub *Hub, conn *websocket.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		token:  uuid.NewString(),
		conn:   conn,
		hub:    hub,
		outbox: make(chan any, outboxSize),
		quit:   make(chan struct{}),
		logger: hub.logger.WithField("session_id", id),
	}
}

// ID identifies the session towards the registry.
func (s *Session) ID() string { return s.id }

// Deliver enqueues an event without blocking. Called with registry locks
// held, so it must never wait on the socket.
func (s *Session) Deliver(event string, payload any) {
	select {
	case <-s.quit:
	case s.outbox <- Event{Event: event, Payload: payload}:
	default:
		s.logger.WithField("event", event).Warn("outbox full, dropping event")
	}
}

// respond enqueues a response. Responses block rather than drop: the
// read loop is the only caller and a lost response wedges the client.
func (s *Session) respond(response Response) {
	select {
	case <-s.quit:
	case s.outbox <- response:
	}
}

func (s *Session) run() {
	go s.writePump()
	s.readLoop()
}

func (s *Session) readLoop() {
	defer s.hub.sessionClosed(s)
	defer s.Close()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("connection closed unexpectedly")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var request Request
		if err = json.Unmarshal(data, &request); err != nil || request.Event == "" {
			s.respond(errorResponse(request.ID, newError(KindBadRequest, "malformed request frame")))
			continue
		}

		s.respond(s.hub.dispatch(s, &request))
	}
}

func (s *Session) writePump() {
	defer s.conn.Close()

	for {
		// Pending frames win over quit, so a farewell event enqueued just
		// before Close still reaches the wire.
		var frame any
		select {
		case frame = <-s.outbox:
		default:
			select {
			case <-s.quit:
				return
			case frame = <-s.outbox:
			}
		}

		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
		if err := s.conn.WriteJSON(frame); err != nil {
			s.logger.WithError(err).Debug("write failed, closing session")
			s.Close()
			return
		}
	}
}

// Close tears the socket down. Idempotent; the read loop notices and
// runs the disconnect cascade.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.conn.Close()
	})
}
