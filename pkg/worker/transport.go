package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/stagewire/stagewire/pkg/common"
)

// Direction of a transport relative to the client that owns it.
type Direction int

const (
	// DirectionSend carries media from the client to us (producers).
	DirectionSend Direction = iota
	// DirectionRecv carries media from us to the client (consumers).
	DirectionRecv
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "recv"
}

// TransportParams is everything the remote side needs to connect to a
// freshly created transport: our ICE role parameters and candidates, our
// DTLS fingerprints and the SCTP capabilities for the data channel.
type TransportParams struct {
	ID               string                  `json:"id"`
	Direction        string                  `json:"direction"`
	ICEParameters    webrtc.ICEParameters    `json:"iceParameters"`
	ICECandidates    []webrtc.ICECandidate   `json:"iceCandidates"`
	DTLSParameters   webrtc.DTLSParameters   `json:"dtlsParameters"`
	SCTPCapabilities webrtc.SCTPCapabilities `json:"sctpCapabilities"`
}

// ConnectParams is the remote half of the handshake.
type ConnectParams struct {
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// Transport bundles the ICE/DTLS/SCTP stack for one direction of one
// client. Producers live on send transports, consumers on recv ones.
type Transport struct {
	ID        string
	Direction Direction

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sctp     *webrtc.SCTPTransport

	mutex     sync.Mutex
	connected bool
	closed    bool
	logger    *logrus.Entry
	events    *common.MessageSink[string, Event]
}

// CreateTransport allocates the ICE/DTLS/SCTP stack for one direction,
// gathers local candidates (bounded by the configured ICE timeout) and
// returns the parameters the client needs for connectTransport. On any
// failure the partially built stack is rolled back and nothing is
// registered.
func (w *Worker) CreateTransport(direction Direction) (TransportParams, error) {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return TransportParams{}, ErrTransportClosed
	}
	w.mutex.Unlock()

	gatherer, err := w.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return TransportParams{}, fmt.Errorf("creating ICE gatherer: %w", err)
	}

	ice := w.api.NewICETransport(gatherer)
	dtls, err := w.api.NewDTLSTransport(ice, nil)
	if err != nil {
		gatherer.Close()
		return TransportParams{}, fmt.Errorf("creating DTLS transport: %w", err)
	}
	sctp := w.api.NewSCTPTransport(dtls)

	transport := &Transport{
		ID:        uuid.NewString(),
		Direction: direction,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		sctp:      sctp,
	}
	transport.logger = w.logger.WithFields(logrus.Fields{
		"transport_id": transport.ID,
		"direction":    direction.String(),
	})
	transport.events = w.newSink(transport.ID)

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(candidate *webrtc.ICECandidate) {
		// A nil candidate marks the end of gathering.
		if candidate == nil {
			close(gatherDone)
		}
	})
	if err = gatherer.Gather(); err != nil {
		transport.teardown()
		return TransportParams{}, fmt.Errorf("gathering ICE candidates: %w", err)
	}

	timeout := w.config.ICETimeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	select {
	case <-gatherDone:
	case <-time.After(timeout):
		transport.teardown()
		return TransportParams{}, fmt.Errorf("ICE gathering timed out after %s", timeout)
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		transport.teardown()
		return TransportParams{}, fmt.Errorf("reading local ICE parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		transport.teardown()
		return TransportParams{}, fmt.Errorf("reading local ICE candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		transport.teardown()
		return TransportParams{}, fmt.Errorf("reading local DTLS parameters: %w", err)
	}

	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		transport.teardown()
		return TransportParams{}, ErrTransportClosed
	}
	w.transports[transport.ID] = transport
	w.mutex.Unlock()

	transport.logger.Info("transport created")
	return TransportParams{
		ID:               transport.ID,
		Direction:        direction.String(),
		ICEParameters:    iceParams,
		ICECandidates:    candidates,
		DTLSParameters:   dtlsParams,
		SCTPCapabilities: sctp.GetCapabilities(),
	}, nil
}

// ConnectTransport runs the ICE and DTLS handshakes against the remote
// parameters. We always take the controlled ICE role: the client is the
// one that initiated the connection.
func (w *Worker) ConnectTransport(transportID string, params ConnectParams) error {
	w.mutex.Lock()
	transport, ok := w.transports[transportID]
	w.mutex.Unlock()
	if !ok {
		return ErrUnknownTransport
	}

	transport.mutex.Lock()
	if transport.closed {
		transport.mutex.Unlock()
		return ErrTransportClosed
	}
	if transport.connected {
		transport.mutex.Unlock()
		return ErrAlreadyConnected
	}
	transport.mutex.Unlock()

	if err := transport.ice.SetRemoteCandidates(params.ICECandidates); err != nil {
		return fmt.Errorf("setting remote ICE candidates: %w", err)
	}

	role := webrtc.ICERoleControlled
	if err := transport.ice.Start(transport.gatherer, params.ICEParameters, &role); err != nil {
		return fmt.Errorf("ICE handshake: %w", err)
	}
	if err := transport.dtls.Start(params.DTLSParameters); err != nil {
		return fmt.Errorf("DTLS handshake: %w", err)
	}

	transport.ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		transport.logger.WithField("state", state.String()).Debug("ICE state changed")
		if state == webrtc.ICETransportStateFailed || state == webrtc.ICETransportStateDisconnected {
			w.CloseTransport(transportID)
		}
	})

	transport.mutex.Lock()
	transport.connected = true
	transport.mutex.Unlock()

	transport.logger.Info("transport connected")
	return nil
}

// CloseTransport tears down a transport and everything riding on it.
// Producers and consumers on the transport are closed first (with their
// own closure events), then a TransportClosedEvent is emitted. Idempotent.
func (w *Worker) CloseTransport(transportID string) {
	w.mutex.Lock()
	transport, ok := w.transports[transportID]
	if !ok {
		w.mutex.Unlock()
		return
	}
	delete(w.transports, transportID)

	var producerIDs, consumerIDs []string
	for id, producer := range w.producers {
		if producer.transport == transport {
			producerIDs = append(producerIDs, id)
		}
	}
	for id, consumer := range w.consumers {
		if consumer.transport == transport {
			consumerIDs = append(consumerIDs, id)
		}
	}
	w.mutex.Unlock()

	for _, id := range producerIDs {
		w.CloseProducer(id)
	}
	for _, id := range consumerIDs {
		w.CloseConsumer(id)
	}

	transport.teardown()
	transport.logger.Info("transport closed")
	w.emitClosure(transport.events, TransportClosedEvent{
		TransportID: transportID,
		ProducerIDs: producerIDs,
		ConsumerIDs: consumerIDs,
	})
}

func (t *Transport) teardown() {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return
	}
	t.closed = true
	t.mutex.Unlock()

	if err := t.sctp.Stop(); err != nil && t.logger != nil {
		t.logger.WithError(err).Debug("stopping SCTP transport")
	}
	if err := t.dtls.Stop(); err != nil && t.logger != nil {
		t.logger.WithError(err).Debug("stopping DTLS transport")
	}
	if err := t.ice.Stop(); err != nil && t.logger != nil {
		t.logger.WithError(err).Debug("stopping ICE transport")
	}
	if err := t.gatherer.Close(); err != nil && t.logger != nil {
		t.logger.WithError(err).Debug("closing ICE gatherer")
	}
}

func (w *Worker) transport(transportID string) (*Transport, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	transport, ok := w.transports[transportID]
	if !ok {
		return nil, ErrUnknownTransport
	}
	return transport, nil
}
