package routing

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stagewire/stagewire/pkg/common"
	"github.com/stagewire/stagewire/pkg/registry"
	"github.com/stagewire/stagewire/pkg/worker"
)

var (
	ErrUnsupportedCodec = errors.New("producer cannot be consumed with these capabilities")
	ErrAlreadyConsuming = errors.New("a consumer for this pairing already exists")
	ErrNotNegotiating   = errors.New("no announced pairing for this producer")
)

// MediaWorker is the slice of the media stack the routing core drives.
// Narrow on purpose: tests replace it with a fake.
type MediaWorker interface {
	CanConsume(producerID string, remote worker.RTPCapabilities) bool
	Consume(transportID, producerID string, paused bool) (worker.ConsumerParams, error)
	PauseProducer(producerID string) error
	ResumeProducer(producerID string) error
	PauseConsumer(consumerID string) error
	ResumeConsumer(consumerID string) error
	CloseProducer(producerID string)
	CloseConsumer(consumerID string)
	CloseTransport(transportID string)
}

// consumerState is the lifecycle of one (producer, subscriber) pairing.
// Negotiating means the pairing was announced but the subscriber hasn't
// asked to consume yet. Closed pairings leave the table.
type consumerState int

const (
	stateNegotiating consumerState = iota
	stateActive
	statePaused
)

type pairKey struct {
	producerID   string
	subscriberID string
}

type pairEntry struct {
	state      consumerState
	consumerID string
	channelID  string
}

// Wire payloads for the events the routing core fans out.

type ProducerOpenedPayload struct {
	ProducerID string `json:"producerId"`
	ClientID   string `json:"clientId"`
	ChannelID  string `json:"channelId"`
}

type ProducerClosedPayload struct {
	ProducerID string `json:"producerId"`
	ChannelID  string `json:"channelId"`
}

type SpeakingPayload struct {
	ClientID  string `json:"clientId"`
	ChannelID string `json:"channelId"`
}

// Config of the routing core.
type Config struct {
	// How long a producer must stay quiet before clientStoppedSpeaking
	// goes out. Avoids flapping on natural speech pauses.
	SpeakingHoldOff time.Duration
}

// Core maintains the routing table: which producer is relayed to which
// subscriber, and under which channel's authority. It reconciles the
// table whenever producers, memberships or permissions change, and it
// translates the speaker observer's volumes into per-channel speaking
// events.
type Core struct {
	state  *registry.State
	media  MediaWorker
	config Config
	logger *logrus.Entry

	mutex sync.Mutex
	table map[pairKey]*pairEntry
	// Channels each client asked to speak into. The producer stays
	// paused until at least one is open.
	openMics map[string]map[string]struct{}
	speaking map[string]*speakerState

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	tasks    *common.Worker[func()]
}

func NewCore(state *registry.State, media MediaWorker, config Config) *Core {
	if config.SpeakingHoldOff == 0 {
		config.SpeakingHoldOff = 800 * time.Millisecond
	}
	return &Core{
		state:    state,
		media:    media,
		config:   config,
		logger:   logrus.WithField("component", "routing"),
		table:    make(map[pairKey]*pairEntry),
		openMics: make(map[string]map[string]struct{}),
		speaking: make(map[string]*speakerState),
		stop:     make(chan struct{}),
	}
}

// Start spawns the drains for the media worker's event and volume
// streams. Both feed one task worker, so closure handling and speaking
// fan-out are serialized on a single goroutine regardless of which
// stream they arrived on. Stop ends them; pairings themselves are torn
// down by the worker's own Close.
func (c *Core) Start(events <-chan common.Message[string, worker.Event], volumes <-chan worker.VolumeEvent) {
	c.tasks = common.StartWorker(common.WorkerConfig[func()]{
		QueueSize: 256,
		Timeout:   time.Minute,
		OnTask:    func(task func()) { task() },
	})

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stop:
				return
			case message := <-events:
				event := message.Content
				c.submit(func() { c.HandleWorkerEvent(event) })
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stop:
				return
			case event := <-volumes:
				c.submit(func() { c.HandleVolumes(event) })
			}
		}
	}()
}

// submit never blocks; a full queue drops the task, the next
// reconciliation pass repairs the table from registry state.
func (c *Core) submit(task func()) {
	if err := c.tasks.Send(task); err != nil {
		c.logger.WithError(err).Warn("dropping routing task")
	}
}

func (c *Core) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	if c.tasks != nil {
		c.tasks.Stop()
	}

	c.mutex.Lock()
	for _, state := range c.speaking {
		state.watchdog.Close()
	}
	c.speaking = make(map[string]*speakerState)
	c.mutex.Unlock()
}

// ProducerStarted announces a freshly registered producer to every
// permitted subscriber. Each pairing enters the table as Negotiating;
// the subscriber turns it Active with a consume request.
func (c *Core) ProducerStarted(producerID string) {
	pairings := c.state.ListenTargets(producerID)
	ownerID, err := c.state.ProducerOwner(producerID)
	if err != nil {
		return
	}

	c.mutex.Lock()
	announce := pairings[:0]
	for _, pairing := range pairings {
		key := pairKey{producerID, pairing.SubscriberID}
		if _, exists := c.table[key]; exists {
			continue
		}
		c.table[key] = &pairEntry{state: stateNegotiating, channelID: pairing.ChannelID}
		announce = append(announce, pairing)
	}
	c.mutex.Unlock()

	for _, pairing := range announce {
		c.state.DeliverTo(pairing.SubscriberID, "producerOpened", ProducerOpenedPayload{
			ProducerID: producerID,
			ClientID:   ownerID,
			ChannelID:  pairing.ChannelID,
		})
	}
	c.logger.WithFields(logrus.Fields{
		"producer_id": producerID,
		"pairings":    len(announce),
	}).Debug("producer announced")
}

// Consume turns an announced pairing into a live consumer. The pairing
// must be permitted right now (the table alone is not trusted, the
// registry is re-consulted) and the subscriber's capabilities must
// match the producer.
func (c *Core) Consume(subscriberID, transportID, producerID string, remote worker.RTPCapabilities) (worker.ConsumerParams, error) {
	pairing, err := c.state.EvaluateConsume(subscriberID, producerID)
	if err != nil {
		return worker.ConsumerParams{}, err
	}
	if !c.media.CanConsume(producerID, remote) {
		return worker.ConsumerParams{}, ErrUnsupportedCodec
	}

	key := pairKey{producerID, subscriberID}
	c.mutex.Lock()
	entry, exists := c.table[key]
	if exists && entry.state != stateNegotiating {
		c.mutex.Unlock()
		return worker.ConsumerParams{}, ErrAlreadyConsuming
	}
	c.mutex.Unlock()

	params, err := c.media.Consume(transportID, producerID, false)
	if err != nil {
		return worker.ConsumerParams{}, err
	}

	c.mutex.Lock()
	entry, exists = c.table[key]
	if !exists {
		entry = &pairEntry{}
		c.table[key] = entry
	}
	entry.state = stateActive
	entry.consumerID = params.ID
	entry.channelID = pairing.ChannelID
	c.mutex.Unlock()

	return params, nil
}

// SetConsumerPaused pauses or resumes the consumer of one pairing.
func (c *Core) SetConsumerPaused(subscriberID, producerID string, paused bool) error {
	key := pairKey{producerID, subscriberID}

	c.mutex.Lock()
	entry, exists := c.table[key]
	if !exists || entry.consumerID == "" {
		c.mutex.Unlock()
		return ErrNotNegotiating
	}
	consumerID := entry.consumerID
	if paused {
		entry.state = statePaused
	} else {
		entry.state = stateActive
	}
	c.mutex.Unlock()

	if paused {
		return c.media.PauseConsumer(consumerID)
	}
	return c.media.ResumeConsumer(consumerID)
}

// SyncClient reconciles everything that depends on one client's
// permissions and memberships: its producer's channel registrations and
// both sides of the routing table. Called after authorize,
// updatePermissions, addToChannel and removeFromChannel.
func (c *Core) SyncClient(clientID string) {
	producerID, _ := c.state.ClientProducer(clientID)
	if producerID != "" {
		_, removed, producerClosed, err := c.state.RefreshProducerChannels(clientID)
		if err == nil {
			if producerClosed {
				c.closeProducer(producerID, removed)
			} else {
				c.reconcileProducer(producerID)
			}
		}
	}

	c.reconcileSubscriber(clientID)
}

// reconcileProducer recomputes the permitted subscriber set of one
// producer and brings the table in line: announce new pairings, close
// ones that lost their channel.
func (c *Core) reconcileProducer(producerID string) {
	ownerID, err := c.state.ProducerOwner(producerID)
	if err != nil {
		return
	}
	permitted := make(map[string]registry.ConsumePairing)
	for _, pairing := range c.state.ListenTargets(producerID) {
		permitted[pairing.SubscriberID] = pairing
	}

	var toClose []closedPairing
	var toAnnounce []registry.ConsumePairing

	c.mutex.Lock()
	for key, entry := range c.table {
		if key.producerID != producerID {
			continue
		}
		if pairing, ok := permitted[key.subscriberID]; ok {
			entry.channelID = pairing.ChannelID
			delete(permitted, key.subscriberID)
		} else {
			toClose = append(toClose, closedPairing{key, *entry})
			delete(c.table, key)
		}
	}
	for _, pairing := range permitted {
		c.table[pairKey{producerID, pairing.SubscriberID}] = &pairEntry{
			state:     stateNegotiating,
			channelID: pairing.ChannelID,
		}
		toAnnounce = append(toAnnounce, pairing)
	}
	c.mutex.Unlock()

	for _, closed := range toClose {
		if closed.entry.consumerID != "" {
			c.media.CloseConsumer(closed.entry.consumerID)
		}
		c.state.DeliverTo(closed.key.subscriberID, "producerClosed", ProducerClosedPayload{
			ProducerID: producerID,
			ChannelID:  closed.entry.channelID,
		})
	}
	for _, pairing := range toAnnounce {
		c.state.DeliverTo(pairing.SubscriberID, "producerOpened", ProducerOpenedPayload{
			ProducerID: producerID,
			ClientID:   ownerID,
			ChannelID:  pairing.ChannelID,
		})
	}
}

// reconcileSubscriber does the same from the subscriber's side: close
// pairings it may no longer listen to, announce ones it newly may.
func (c *Core) reconcileSubscriber(subscriberID string) {
	permitted := make(map[string]registry.ConsumePairing)
	for _, pairing := range c.state.SubscriberProducers(subscriberID) {
		permitted[pairing.ProducerID] = pairing
	}

	var toClose []closedPairing
	var toAnnounce []registry.ConsumePairing

	c.mutex.Lock()
	for key, entry := range c.table {
		if key.subscriberID != subscriberID {
			continue
		}
		if pairing, ok := permitted[key.producerID]; ok {
			entry.channelID = pairing.ChannelID
			delete(permitted, key.producerID)
		} else {
			toClose = append(toClose, closedPairing{key, *entry})
			delete(c.table, key)
		}
	}
	for _, pairing := range permitted {
		c.table[pairKey{pairing.ProducerID, subscriberID}] = &pairEntry{
			state:     stateNegotiating,
			channelID: pairing.ChannelID,
		}
		toAnnounce = append(toAnnounce, pairing)
	}
	c.mutex.Unlock()

	for _, closed := range toClose {
		if closed.entry.consumerID != "" {
			c.media.CloseConsumer(closed.entry.consumerID)
		}
		c.state.DeliverTo(subscriberID, "producerClosed", ProducerClosedPayload{
			ProducerID: closed.key.producerID,
			ChannelID:  closed.entry.channelID,
		})
	}
	for _, pairing := range toAnnounce {
		ownerID, err := c.state.ProducerOwner(pairing.ProducerID)
		if err != nil {
			continue
		}
		c.state.DeliverTo(subscriberID, "producerOpened", ProducerOpenedPayload{
			ProducerID: pairing.ProducerID,
			ClientID:   ownerID,
			ChannelID:  pairing.ChannelID,
		})
	}
}

type closedPairing struct {
	key   pairKey
	entry pairEntry
}

// closeProducer removes every pairing of a producer, closes its media
// objects and tells the subscribers and the producer's channels.
func (c *Core) closeProducer(producerID string, channels []string) {
	var toClose []closedPairing

	c.mutex.Lock()
	for key, entry := range c.table {
		if key.producerID == producerID {
			toClose = append(toClose, closedPairing{key, *entry})
			delete(c.table, key)
		}
	}
	c.mutex.Unlock()

	// Consumers first, then the producer itself: a subscriber must
	// never see a live consumer of a producer that is already gone.
	for _, closed := range toClose {
		if closed.entry.consumerID != "" {
			c.media.CloseConsumer(closed.entry.consumerID)
		}
	}
	c.media.CloseProducer(producerID)

	for _, channelID := range channels {
		c.state.BroadcastToChannel(channelID, true, "producerClosed", ProducerClosedPayload{
			ProducerID: producerID,
			ChannelID:  channelID,
		})
	}
	c.logger.WithField("producer_id", producerID).Info("producer routing closed")
}

// ProducerClosed tears down a producer that ended for any reason:
// unregisters it, removes its pairings and fans out the closure.
func (c *Core) ProducerClosed(producerID string) {
	channels := c.state.UnregisterProducer(producerID)
	c.closeProducer(producerID, channels)
	c.stopSpeakingNow(producerID)
}

// ClientClosed cleans up after a disconnected client using the
// registry's close result: its transports (cascading its producer and
// consumers in the media stack), its routing entries on both sides and
// its speaking state.
func (c *Core) ClientClosed(result registry.CloseResult) {
	if result.ProducerID != "" {
		c.closeProducer(result.ProducerID, result.ProducerChannels)
		c.stopSpeakingNow(result.ProducerID)
	}

	c.mutex.Lock()
	for key := range c.table {
		if key.subscriberID == result.Client.ID {
			delete(c.table, key)
		}
	}
	delete(c.openMics, result.Client.ID)
	c.mutex.Unlock()

	// Transport teardown cascades any consumers still attached.
	if result.SendTransport != "" {
		c.media.CloseTransport(result.SendTransport)
	}
	if result.RecvTransport != "" {
		c.media.CloseTransport(result.RecvTransport)
	}
}

// HandleWorkerEvent reconciles the table after an asynchronous closure
// in the media stack (ICE failure, stream end).
func (c *Core) HandleWorkerEvent(event worker.Event) {
	switch event := event.(type) {
	case worker.ProducerClosedEvent:
		if _, err := c.state.ProducerOwner(event.ProducerID); err == nil {
			c.ProducerClosed(event.ProducerID)
		}
	case worker.ConsumerClosedEvent:
		c.mutex.Lock()
		for key, entry := range c.table {
			if entry.consumerID == event.ConsumerID {
				delete(c.table, key)
				break
			}
		}
		c.mutex.Unlock()
	case worker.TransportClosedEvent:
		// Producer/consumer closures on the transport arrive as their
		// own events; nothing further to reconcile here.
	}
}

// Pairings returns the current (producer, subscriber) pairs, for the
// admin surface and tests.
func (c *Core) Pairings() []registry.ConsumePairing {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	pairings := make([]registry.ConsumePairing, 0, len(c.table))
	for key, entry := range c.table {
		pairings = append(pairings, registry.ConsumePairing{
			ProducerID:   key.producerID,
			SubscriberID: key.subscriberID,
			ChannelID:    entry.channelID,
		})
	}
	return pairings
}
