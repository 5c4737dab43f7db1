package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stagewire/stagewire/pkg/registry"
	"github.com/stagewire/stagewire/pkg/routing"
	"github.com/stagewire/stagewire/pkg/worker"
)

// Wire framing. Three shapes share the socket: requests carry an id the
// response echoes, events carry no id and expect no answer.

type Request struct {
	Event   string          `json:"event"`
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	ID     int64      `json:"id"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

type Event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// ErrorKind is the wire taxonomy of request failures.
type ErrorKind string

const (
	KindUnauthorized     ErrorKind = "unauthorized"
	KindNotFound         ErrorKind = "notFound"
	KindBadRequest       ErrorKind = "badRequest"
	KindPermissionDenied ErrorKind = "permissionDenied"
	KindConflict         ErrorKind = "conflict"
	KindUnsupportedCodec ErrorKind = "unsupportedCodec"
	KindTimeout          ErrorKind = "timeout"
	KindInternal         ErrorKind = "internal"
	KindFatal            ErrorKind = "fatal"
)

type WireError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// RequestError carries the taxonomy kind alongside the message, so a
// handler failure maps onto the wire without string matching.
type RequestError struct {
	Kind    ErrorKind
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind ErrorKind, format string, args ...any) *RequestError {
	return &RequestError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// classify maps component-local errors onto the wire taxonomy. Unknown
// errors become internal: the detail is logged, never exposed.
func classify(err error) *RequestError {
	var requestError *RequestError
	if errors.As(err, &requestError) {
		return requestError
	}

	kind := KindInternal
	message := "internal error"
	switch {
	case errors.Is(err, registry.ErrChannelNotFound),
		errors.Is(err, registry.ErrClientNotFound),
		errors.Is(err, registry.ErrProducerNotFound),
		errors.Is(err, worker.ErrUnknownTransport),
		errors.Is(err, worker.ErrUnknownProducer),
		errors.Is(err, worker.ErrUnknownConsumer):
		kind, message = KindNotFound, err.Error()
	case errors.Is(err, registry.ErrProtectedChannel),
		errors.Is(err, registry.ErrDuplicateChannelName),
		errors.Is(err, registry.ErrProducerExists),
		errors.Is(err, routing.ErrAlreadyConsuming),
		errors.Is(err, routing.ErrNotNegotiating),
		errors.Is(err, worker.ErrTransportClosed),
		errors.Is(err, worker.ErrAlreadyConnected),
		errors.Is(err, worker.ErrNotConnected):
		kind, message = KindConflict, err.Error()
	case errors.Is(err, registry.ErrNotMember),
		errors.Is(err, registry.ErrNoSpeakPermission):
		kind, message = KindPermissionDenied, err.Error()
	case errors.Is(err, routing.ErrUnsupportedCodec),
		errors.Is(err, worker.ErrUnsupportedMedia):
		kind, message = KindUnsupportedCodec, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		kind, message = KindTimeout, "request timed out"
	}

	return &RequestError{Kind: kind, Message: message}
}

func okResponse(id int64, result any) Response {
	return Response{ID: id, OK: true, Result: result}
}

func errorResponse(id int64, err error) Response {
	classified := classify(err)
	return Response{ID: id, OK: false, Error: &WireError{
		Kind:    classified.Kind,
		Message: classified.Message,
	}}
}
