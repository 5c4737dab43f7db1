package common

import (
	"errors"
	"sync/atomic"
)

var ErrSinkSealed = errors.New("message sink is sealed")

// MessageSink is the sending end of a multiple-producer-single-consumer
// channel. Each sink is bound to a fixed sender identity, so the consumer
// always knows who a message came from and a sender can't impersonate
// another one. Sealing a sink stops this particular sender without closing
// the underlying channel (other senders may still be using it).
type MessageSink[SenderType comparable, MessageType any] struct {
	sender      SenderType
	messageSink chan<- Message[SenderType, MessageType]
	sealed      atomic.Bool
}

// Message as seen by the consumer: the payload plus the sender identity
// that was baked into the sink it was sent through.
type Message[SenderType comparable, MessageType any] struct {
	Sender  SenderType
	Content MessageType
}

func NewMessageSink[S comparable, M any](sender S, messageSink chan<- Message[S, M]) *MessageSink[S, M] {
	return &MessageSink[S, M]{
		sender:      sender,
		messageSink: messageSink,
	}
}

// Sends a message to the sink. Returns ErrSinkSealed if this sender has
// been sealed in the meantime.
func (s *MessageSink[S, M]) Send(message M) error {
	if s.sealed.Load() {
		return ErrSinkSealed
	}

	s.messageSink <- Message[S, M]{
		Sender:  s.sender,
		Content: message,
	}

	return nil
}

// TrySend is Send without blocking: when the channel is full the message
// is dropped and false is returned. Sealed sinks also report false. Meant
// for senders that must never stall, like media forwarding goroutines.
func (s *MessageSink[S, M]) TrySend(message M) bool {
	if s.sealed.Load() {
		return false
	}

	select {
	case s.messageSink <- Message[S, M]{Sender: s.sender, Content: message}:
		return true
	default:
		return false
	}
}

// Seal marks the sink as closed for this sender. Subsequent sends fail
// with ErrSinkSealed. The underlying channel stays open.
func (s *MessageSink[S, M]) Seal() {
	s.sealed.Store(true)
}
