package worker

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/stagewire/stagewire/pkg/common"
)

// ProduceParams announces an incoming RTP stream on a send transport.
type ProduceParams struct {
	Kind          string                `json:"kind"`
	RTPParameters ProducerRTPParameters `json:"rtpParameters"`
}

// ProducerRTPParameters is the subset of the client's RTP send
// parameters we need to receive its stream.
type ProducerRTPParameters struct {
	SSRC        uint32 `json:"ssrc"`
	PayloadType uint8  `json:"payloadType"`
}

// Producer is one incoming audio stream. It reads RTP off its receiver,
// feeds audio levels to the speaker observer and forwards payloads to
// every attached consumer.
type Producer struct {
	ID        string
	transport *Transport
	receiver  *webrtc.RTPReceiver

	mutex     sync.Mutex
	paused    bool
	closed    bool
	consumers map[string]*Consumer

	logger *logrus.Entry
	events *common.MessageSink[string, Event]
}

// Produce starts receiving the announced stream. The producer starts
// unpaused: pausing and resuming is driven by the owner's open-mic state.
func (w *Worker) Produce(transportID string, params ProduceParams) (string, error) {
	transport, err := w.transport(transportID)
	if err != nil {
		return "", err
	}
	if transport.Direction != DirectionSend {
		return "", ErrWrongDirection
	}

	transport.mutex.Lock()
	connected, closed := transport.connected, transport.closed
	transport.mutex.Unlock()
	if closed {
		return "", ErrTransportClosed
	}
	if !connected {
		return "", ErrNotConnected
	}
	if !strings.EqualFold(params.Kind, "audio") {
		return "", ErrUnsupportedMedia
	}

	receiver, err := w.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, transport.dtls)
	if err != nil {
		return "", fmt.Errorf("creating RTP receiver: %w", err)
	}

	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.RTPParameters.SSRC),
				PayloadType: webrtc.PayloadType(params.RTPParameters.PayloadType),
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("starting RTP receiver: %w", err)
	}

	producer := &Producer{
		ID:        uuid.NewString(),
		transport: transport,
		receiver:  receiver,
		consumers: make(map[string]*Consumer),
	}
	producer.logger = w.logger.WithFields(logrus.Fields{
		"producer_id":  producer.ID,
		"transport_id": transportID,
	})
	producer.events = w.newSink(producer.ID)

	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		receiver.Stop() //nolint:errcheck
		return "", ErrTransportClosed
	}
	w.producers[producer.ID] = producer
	w.mutex.Unlock()

	go w.readProducer(producer)

	producer.logger.Info("producer created")
	return producer.ID, nil
}

// readProducer is the forwarding loop: one goroutine per producer for
// the lifetime of the stream.
func (w *Worker) readProducer(producer *Producer) {
	defer w.recoverFatal("producer read loop")

	track := producer.receiver.Track()
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !producer.isClosed() {
				producer.logger.WithError(err).Warn("producer stream ended with error")
			}
			w.CloseProducer(producer.ID)
			return
		}

		if producer.isPaused() {
			// Keep draining so the receiver buffer doesn't back up, but
			// neither forward nor report levels for a muted microphone.
			continue
		}

		if level, ok := audioLevel(packet); ok {
			w.observer.observe(producer.ID, level)
		}
		producer.forward(packet)
	}
}

// audioLevel extracts the RFC 6464 level (0..127, equal to -dBov) from a
// packet, if the extension is present.
func audioLevel(packet *rtp.Packet) (uint8, bool) {
	payload := packet.Header.GetExtension(audioLevelExtensionID)
	if payload == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(payload); err != nil {
		return 0, false
	}
	return ext.Level, true
}

func (p *Producer) forward(packet *rtp.Packet) {
	p.mutex.Lock()
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, consumer := range p.consumers {
		consumers = append(consumers, consumer)
	}
	p.mutex.Unlock()

	for _, consumer := range consumers {
		consumer.write(packet)
	}
}

func (p *Producer) isPaused() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.paused
}

func (p *Producer) isClosed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.closed
}

func (p *Producer) attach(consumer *Consumer) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.consumers[consumer.ID] = consumer
}

func (p *Producer) detach(consumerID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.consumers, consumerID)
}

// PauseProducer stops forwarding and level reporting for a producer.
// The client keeps sending (or sends DTX silence); we drop it here.
func (w *Worker) PauseProducer(producerID string) error {
	return w.setProducerPaused(producerID, true)
}

// ResumeProducer re-enables forwarding for a paused producer.
func (w *Worker) ResumeProducer(producerID string) error {
	return w.setProducerPaused(producerID, false)
}

func (w *Worker) setProducerPaused(producerID string, paused bool) error {
	w.mutex.Lock()
	producer, ok := w.producers[producerID]
	w.mutex.Unlock()
	if !ok {
		return ErrUnknownProducer
	}

	producer.mutex.Lock()
	producer.paused = paused
	producer.mutex.Unlock()

	if paused {
		w.observer.forget(producerID)
	}
	producer.logger.WithField("paused", paused).Debug("producer pause state changed")
	return nil
}

// CloseProducer stops the stream and closes every consumer attached to
// it, emitting closure events for each. Idempotent.
func (w *Worker) CloseProducer(producerID string) {
	w.mutex.Lock()
	producer, ok := w.producers[producerID]
	if !ok {
		w.mutex.Unlock()
		return
	}
	delete(w.producers, producerID)
	w.mutex.Unlock()

	producer.mutex.Lock()
	if producer.closed {
		producer.mutex.Unlock()
		return
	}
	producer.closed = true
	consumers := make([]*Consumer, 0, len(producer.consumers))
	for _, consumer := range producer.consumers {
		consumers = append(consumers, consumer)
	}
	producer.mutex.Unlock()

	for _, consumer := range consumers {
		w.CloseConsumer(consumer.ID)
	}

	if err := producer.receiver.Stop(); err != nil {
		producer.logger.WithError(err).Debug("stopping RTP receiver")
	}
	w.observer.forget(producerID)

	producer.logger.Info("producer closed")
	w.emitClosure(producer.events, ProducerClosedEvent{ProducerID: producerID})
}
