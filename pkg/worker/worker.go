package worker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/stagewire/stagewire/pkg/common"
)

var (
	ErrUnknownTransport = errors.New("unknown transport")
	ErrUnknownProducer  = errors.New("unknown producer")
	ErrUnknownConsumer  = errors.New("unknown consumer")
	ErrTransportClosed  = errors.New("transport is closed")
	ErrNotConnected     = errors.New("transport is not connected")
	ErrAlreadyConnected = errors.New("transport is already connected")
	ErrWrongDirection   = errors.New("operation not valid for this transport direction")
	ErrUnsupportedMedia = errors.New("unsupported media kind or codec")
)

// The RTP header extension id under which the media engine registers the
// RFC 6464 audio level extension. First registration gets id 1.
const audioLevelExtensionID = 1

const audioLevelExtensionURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// Configuration of the media worker.
type Config struct {
	// IP the RTC sockets bind to.
	ListenIP string
	// Public IP announced in ICE candidates. Falls back to ListenIP.
	AnnouncedIP string
	// UDP port range for RTC traffic. Zero disables the restriction.
	PortMin uint16
	PortMax uint16
	// Speaking detection threshold in dBov (negative).
	SpeakerThreshold int
	// Sampling interval of the active speaker observer.
	SpeakerInterval time.Duration
	// Deadline for ICE candidate gathering during transport creation.
	ICETimeout time.Duration
}

// RTPCapabilities describes what the worker can send and receive. Static
// once the worker is initialized; clients intersect it with their own.
type RTPCapabilities struct {
	Codecs           []webrtc.RTPCodecParameters `json:"codecs"`
	HeaderExtensions []string                    `json:"headerExtensions"`
}

// Worker owns all SFU state: transports, producers, consumers and the
// active speaker observer. Everything else in the system refers to these
// objects by id only.
type Worker struct {
	config Config
	api    *webrtc.API
	caps   RTPCapabilities
	logger *logrus.Entry

	mutex      sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	closed     bool

	events   chan common.Message[string, Event]
	observer *speakerObserver

	died     chan error
	diedOnce sync.Once
}

// New builds a worker with an Opus-only media engine, the audio level
// header extension, default interceptors and a setting engine carrying
// the configured listen/announced IPs and port range.
func New(config Config) (*Worker, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(opusCodec(), webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelExtensionURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, err
	}

	interceptors := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptors); err != nil {
		return nil, err
	}

	settings := webrtc.SettingEngine{}
	if announced := config.AnnouncedIP; announced != "" {
		settings.SetNAT1To1IPs([]string{announced}, webrtc.ICECandidateTypeHost)
	}
	if config.PortMin != 0 || config.PortMax != 0 {
		if err := settings.SetEphemeralUDPPortRange(config.PortMin, config.PortMax); err != nil {
			return nil, err
		}
	}

	worker := &Worker{
		config: config,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptors),
			webrtc.WithSettingEngine(settings),
		),
		caps: RTPCapabilities{
			Codecs:           []webrtc.RTPCodecParameters{opusCodec()},
			HeaderExtensions: []string{audioLevelExtensionURI},
		},
		logger:     logrus.WithField("component", "media_worker"),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		events:     make(chan common.Message[string, Event], 256),
		died:       make(chan error, 1),
	}
	worker.observer = newSpeakerObserver(config.SpeakerThreshold, config.SpeakerInterval)

	return worker, nil
}

// This system forwards Opus audio and nothing else.
func opusCodec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1;usedtx=1",
		},
		PayloadType: 111,
	}
}

// RTPCapabilities of the worker. Static once initialized.
func (w *Worker) RTPCapabilities() RTPCapabilities {
	return w.caps
}

// Events carries transport/producer/consumer closure notifications. The
// sender of each message is the id of the object the event is about.
func (w *Worker) Events() <-chan common.Message[string, Event] {
	return w.events
}

// Volumes is the output of the active speaker observer.
func (w *Worker) Volumes() <-chan VolumeEvent {
	return w.observer.Events()
}

// Died fires when the media stack hits an unrecoverable error. The
// process is expected to exit (or restart the worker and force every
// session to re-negotiate).
func (w *Worker) Died() <-chan error {
	return w.died
}

func (w *Worker) fatal(err error) {
	w.diedOnce.Do(func() {
		w.logger.WithError(err).Error("media worker died")
		w.died <- err
	})
}

// recoverFatal converts a panic on a media goroutine into worker death.
// The RTP loops process remote input; corrupted state there cannot be
// contained to one stream, so the whole worker goes down. Deferred at
// the top of every such goroutine.
func (w *Worker) recoverFatal(scope string) {
	if r := recover(); r != nil {
		w.fatal(fmt.Errorf("%s panicked: %v", scope, r))
	}
}

// Close tears down every transport (cascading producers and consumers)
// and stops the observer. Idempotent.
func (w *Worker) Close() {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return
	}
	w.closed = true
	ids := make([]string, 0, len(w.transports))
	for id := range w.transports {
		ids = append(ids, id)
	}
	w.mutex.Unlock()

	for _, id := range ids {
		w.CloseTransport(id)
	}
	w.observer.Close()
}

// newSink binds an event sink to one transport, producer or consumer.
// The sender identity lets the consumer of the stream attribute every
// event without trusting the payload.
func (w *Worker) newSink(id string) *common.MessageSink[string, Event] {
	return common.NewMessageSink(id, w.events)
}

// emitClosure sends an object's closure event and seals its sink:
// closure is the last thing an object ever says. The send never blocks;
// the routing core re-synchronizes from registry state anyway, so
// dropping one under extreme backlog is preferable to stalling an RTP
// goroutine.
func (w *Worker) emitClosure(sink *common.MessageSink[string, Event], event Event) {
	if !sink.TrySend(event) {
		w.logger.Warn("event queue full, dropping media worker event")
	}
	sink.Seal()
}

// supportsOpus reports whether the remote capabilities include an Opus
// codec compatible with ours.
func supportsOpus(remote RTPCapabilities) bool {
	for _, codec := range remote.Codecs {
		if strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) && codec.ClockRate == 48000 {
			return true
		}
	}
	return false
}
