package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stagewire/stagewire/pkg/config"
	"github.com/stagewire/stagewire/pkg/registry"
	"github.com/stagewire/stagewire/pkg/routing"
	"github.com/stagewire/stagewire/pkg/worker"
)

// MediaWorker is the slice of the media stack the hub drives directly.
// Consumer lifecycle goes through the routing core instead.
type MediaWorker interface {
	RTPCapabilities() worker.RTPCapabilities
	CreateTransport(direction worker.Direction) (worker.TransportParams, error)
	ConnectTransport(transportID string, params worker.ConnectParams) error
	Produce(transportID string, params worker.ProduceParams) (string, error)
	CloseProducer(producerID string)
	CloseConsumer(consumerID string)
	CloseTransport(transportID string)
}

// Hub owns all live sessions and dispatches their requests against the
// registries, the media worker and the routing core.
type Hub struct {
	config *config.Config
	state  *registry.State
	media  MediaWorker
	core   *routing.Core

	upgrader websocket.Upgrader
	logger   *logrus.Entry
	tracer   trace.Tracer

	mutex    sync.Mutex
	sessions map[string]*Session // client id -> session
}

func NewHub(cfg *config.Config, state *registry.State, media MediaWorker, core *routing.Core) *Hub {
	return &Hub{
		config: cfg,
		state:  state,
		media:  media,
		core:   core,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Admission is the shared secret, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   logrus.WithField("component", "signaling"),
		tracer:   otel.Tracer("stagewire/signaling"),
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP upgrades the connection and runs the session until the
// socket dies.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	session := newSession(h, conn)
	session.logger.Info("session opened")
	session.run()
}

// Shutdown tells every session goodbye and closes the sockets.
func (h *Hub) Shutdown() {
	h.mutex.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.mutex.Unlock()

	for _, session := range sessions {
		session.Deliver("disconnected", nil)
		session.Close()
	}
}

func (h *Hub) bindSession(session *Session, clientID string) {
	h.mutex.Lock()
	h.sessions[clientID] = session
	h.mutex.Unlock()
}

// sessionClosed runs the disconnect cascade once the read loop ends.
func (h *Hub) sessionClosed(session *Session) {
	clientID := session.boundClient()
	session.logger.Info("session closed")
	if clientID == "" {
		return
	}

	h.mutex.Lock()
	if h.sessions[clientID] == session {
		delete(h.sessions, clientID)
	}
	h.mutex.Unlock()

	result := h.state.CloseClient(clientID)
	h.core.ClientClosed(result)

	for _, channelID := range result.Channels {
		h.state.BroadcastToChannel(channelID, false, "clientLeftChannel", membershipEvent{
			ClientID:    clientID,
			DisplayName: result.Client.DisplayName,
			ChannelID:   channelID,
		})
	}
	if result.WasPending {
		h.state.BroadcastToAdmins("pendingClientGone", pendingClientEvent{
			ClientID:    clientID,
			DisplayName: result.Client.DisplayName,
		})
	}
}

// outcome of one handler: the result, and for resource-creating
// handlers a discard that undoes the work if the response can no longer
// be delivered (timeout).
type outcome struct {
	result  any
	discard func()
	err     error
}

// dispatch runs one request with the configured deadline. On timeout
// the client gets a timeout error and the late result is discarded.
func (h *Hub) dispatch(session *Session, request *Request) Response {
	timeout := h.config.Signaling.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, span := h.tracer.Start(ctx, "signaling."+request.Event)
	defer span.End()

	done := make(chan outcome, 1)
	go func() {
		done <- h.handle(session, request)
	}()

	select {
	case out := <-done:
		if out.err != nil {
			span.RecordError(out.err)
			h.logger.WithError(out.err).WithField("request", request.Event).Debug("request failed")
			return errorResponse(request.ID, out.err)
		}
		return okResponse(request.ID, out.result)
	case <-ctx.Done():
		go func() {
			if out := <-done; out.discard != nil {
				out.discard()
			}
		}()
		h.logger.WithField("request", request.Event).Warn("request timed out")
		return errorResponse(request.ID, newError(KindTimeout, "request timed out"))
	}
}

func (h *Hub) handle(session *Session, request *Request) outcome {
	switch request.Event {
	case "authenticate":
		return h.handleAuthenticate(session, request)
	case "adminAuthenticate":
		return h.handleAdminAuthenticate(session, request)
	}

	if session.authState() != authActive {
		return fail(newError(KindUnauthorized, "not authenticated"))
	}

	switch request.Event {
	case "getRtpCapabilities":
		return succeed(h.media.RTPCapabilities())
	case "createTransport":
		return h.handleCreateTransport(session, request)
	case "connectTransport":
		return h.handleConnectTransport(request)
	case "produce":
		return h.handleProduce(session, request)
	case "consume":
		return h.handleConsume(session, request)
	case "pauseConsumer":
		return h.handleConsumerPause(session, request, true)
	case "resumeConsumer":
		return h.handleConsumerPause(session, request, false)
	case "startSpeaking", "stopSpeaking":
		return h.handleSpeaking(session, request)
	case "setChannelMute":
		return h.handleChannelMute(session, request)
	case "setChannelVolume":
		return h.handleChannelVolume(session, request)
	case "listChannels":
		return succeed(h.state.SnapshotChannels())
	}

	if !session.isAdmin() {
		return fail(newError(KindPermissionDenied, "admin only"))
	}

	switch request.Event {
	case "listClients":
		return succeed(h.state.SnapshotClients())
	case "listPending":
		return succeed(h.state.PendingClients())
	case "createChannel":
		return h.handleCreateChannel(request)
	case "updateChannel":
		return h.handleUpdateChannel(request)
	case "deleteChannel":
		return h.handleDeleteChannel(request)
	case "authorizePending":
		return h.handleAuthorizePending(request)
	case "rejectPending":
		return h.handleRejectPending(request)
	case "updatePermissions":
		return h.handleUpdatePermissions(request)
	case "addToChannel":
		return h.handleAddToChannel(request)
	case "removeFromChannel":
		return h.handleRemoveFromChannel(request)
	default:
		return fail(newError(KindBadRequest, "unknown request %q", request.Event))
	}
}

func succeed(result any) outcome { return outcome{result: result} }

func fail(err error) outcome { return outcome{err: err} }

func decode[T any](request *Request) (T, error) {
	var payload T
	if len(request.Payload) == 0 {
		return payload, newError(KindBadRequest, "missing payload")
	}
	if err := json.Unmarshal(request.Payload, &payload); err != nil {
		return payload, newError(KindBadRequest, "malformed payload")
	}
	return payload, nil
}
