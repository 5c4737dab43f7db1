package worker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/stagewire/stagewire/pkg/common"
)

// ConsumerParams is everything a client needs to start receiving a
// forwarded stream on its recv transport.
type ConsumerParams struct {
	ID            string                `json:"id"`
	ProducerID    string                `json:"producerId"`
	Kind          string                `json:"kind"`
	Paused        bool                  `json:"paused"`
	RTPParameters ConsumerRTPParameters `json:"rtpParameters"`
}

// ConsumerRTPParameters describes the stream as we will send it.
type ConsumerRTPParameters struct {
	SSRC        uint32                    `json:"ssrc"`
	PayloadType uint8                     `json:"payloadType"`
	Codec       webrtc.RTPCodecParameters `json:"codec"`
}

// Consumer relays one producer's stream onto one recv transport.
type Consumer struct {
	ID         string
	ProducerID string
	transport  *Transport
	sender     *webrtc.RTPSender
	track      *webrtc.TrackLocalStaticRTP

	mutex  sync.Mutex
	paused bool
	closed bool

	logger *logrus.Entry
	events *common.MessageSink[string, Event]
}

// CanConsume reports whether a client with the given capabilities could
// consume the producer. With an Opus-only engine this reduces to the
// producer existing and the client speaking Opus at 48 kHz.
func (w *Worker) CanConsume(producerID string, remote RTPCapabilities) bool {
	w.mutex.Lock()
	_, ok := w.producers[producerID]
	w.mutex.Unlock()
	return ok && supportsOpus(remote)
}

// Consume attaches a new consumer for the producer onto a recv
// transport. Consumers are created paused when requested, so a client
// can finish wiring its playback before the first packet arrives.
func (w *Worker) Consume(transportID, producerID string, paused bool) (ConsumerParams, error) {
	transport, err := w.transport(transportID)
	if err != nil {
		return ConsumerParams{}, err
	}
	if transport.Direction != DirectionRecv {
		return ConsumerParams{}, ErrWrongDirection
	}

	transport.mutex.Lock()
	connected, closed := transport.connected, transport.closed
	transport.mutex.Unlock()
	if closed {
		return ConsumerParams{}, ErrTransportClosed
	}
	if !connected {
		return ConsumerParams{}, ErrNotConnected
	}

	w.mutex.Lock()
	producer, ok := w.producers[producerID]
	w.mutex.Unlock()
	if !ok {
		return ConsumerParams{}, ErrUnknownProducer
	}

	consumerID := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(opusCodec().RTPCodecCapability, consumerID, producerID)
	if err != nil {
		return ConsumerParams{}, fmt.Errorf("creating local track: %w", err)
	}

	sender, err := w.api.NewRTPSender(track, transport.dtls)
	if err != nil {
		return ConsumerParams{}, fmt.Errorf("creating RTP sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err = sender.Send(sendParams); err != nil {
		return ConsumerParams{}, fmt.Errorf("starting RTP sender: %w", err)
	}

	consumer := &Consumer{
		ID:         consumerID,
		ProducerID: producerID,
		transport:  transport,
		sender:     sender,
		track:      track,
		paused:     paused,
	}
	consumer.logger = w.logger.WithFields(logrus.Fields{
		"consumer_id":  consumerID,
		"producer_id":  producerID,
		"transport_id": transportID,
	})
	consumer.events = w.newSink(consumerID)

	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		sender.Stop() //nolint:errcheck
		return ConsumerParams{}, ErrTransportClosed
	}
	w.consumers[consumerID] = consumer
	w.mutex.Unlock()

	producer.attach(consumer)
	go func() {
		defer w.recoverFatal("consumer RTCP loop")
		consumer.drainRTCP()
	}()

	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}

	consumer.logger.Info("consumer created")
	return ConsumerParams{
		ID:         consumerID,
		ProducerID: producerID,
		Kind:       "audio",
		Paused:     paused,
		RTPParameters: ConsumerRTPParameters{
			SSRC:        ssrc,
			PayloadType: uint8(opusCodec().PayloadType),
			Codec:       opusCodec(),
		},
	}, nil
}

// write relays one packet. The track binding rewrites SSRC and payload
// type to what the receiving side negotiated.
func (c *Consumer) write(packet *rtp.Packet) {
	c.mutex.Lock()
	skip := c.paused || c.closed
	c.mutex.Unlock()
	if skip {
		return
	}

	if err := c.track.WriteRTP(packet); err != nil {
		c.logger.WithError(err).Trace("dropping packet")
	}
}

// drainRTCP keeps the sender's RTCP path flowing so the interceptor
// chain sees receiver reports. Audio relay has no keyframe requests to
// honor, but loss reports are worth surfacing for operators chasing
// choppy audio.
func (c *Consumer) drainRTCP() {
	for {
		packets, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}

		for _, packet := range packets {
			report, ok := packet.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, reception := range report.Reports {
				if reception.FractionLost > 0 {
					c.logger.WithFields(logrus.Fields{
						"fraction_lost": reception.FractionLost,
						"jitter":        reception.Jitter,
					}).Debug("receiver reports packet loss")
				}
			}
		}
	}
}

// PauseConsumer stops relaying to this consumer without tearing it down.
func (w *Worker) PauseConsumer(consumerID string) error {
	return w.setConsumerPaused(consumerID, true)
}

// ResumeConsumer re-enables relaying.
func (w *Worker) ResumeConsumer(consumerID string) error {
	return w.setConsumerPaused(consumerID, false)
}

func (w *Worker) setConsumerPaused(consumerID string, paused bool) error {
	w.mutex.Lock()
	consumer, ok := w.consumers[consumerID]
	w.mutex.Unlock()
	if !ok {
		return ErrUnknownConsumer
	}

	consumer.mutex.Lock()
	consumer.paused = paused
	consumer.mutex.Unlock()

	consumer.logger.WithField("paused", paused).Debug("consumer pause state changed")
	return nil
}

// CloseConsumer detaches the consumer from its producer and stops the
// sender. Idempotent.
func (w *Worker) CloseConsumer(consumerID string) {
	w.mutex.Lock()
	consumer, ok := w.consumers[consumerID]
	if !ok {
		w.mutex.Unlock()
		return
	}
	delete(w.consumers, consumerID)
	producer := w.producers[consumer.ProducerID]
	w.mutex.Unlock()

	consumer.mutex.Lock()
	if consumer.closed {
		consumer.mutex.Unlock()
		return
	}
	consumer.closed = true
	consumer.mutex.Unlock()

	if producer != nil {
		producer.detach(consumerID)
	}
	if err := consumer.sender.Stop(); err != nil {
		consumer.logger.WithError(err).Debug("stopping RTP sender")
	}

	consumer.logger.Info("consumer closed")
	w.emitClosure(consumer.events, ConsumerClosedEvent{
		ConsumerID:  consumerID,
		ProducerID:  consumer.ProducerID,
		TransportID: consumer.transport.ID,
	})
}
