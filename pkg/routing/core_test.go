package routing_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagewire/stagewire/pkg/common"
	"github.com/stagewire/stagewire/pkg/permission"
	"github.com/stagewire/stagewire/pkg/registry"
	"github.com/stagewire/stagewire/pkg/routing"
	"github.com/stagewire/stagewire/pkg/worker"
)

type deliveredEvent struct {
	event   string
	payload any
}

type fakeSession struct {
	id string

	mu     sync.Mutex
	events []deliveredEvent
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Deliver(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, deliveredEvent{event, payload})
}

func (s *fakeSession) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (s *fakeSession) waitFor(t *testing.T, event string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.count(event) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %q never delivered", event)
}

type fakeMedia struct {
	mu              sync.Mutex
	canConsume      bool
	nextConsumer    int
	consumed        []string
	closedProducers []string
	closedConsumers []string
	closedTrans     []string
	pausedProducers []string
	resumedProds    []string
}

func newFakeMedia() *fakeMedia { return &fakeMedia{canConsume: true} }

func (m *fakeMedia) CanConsume(string, worker.RTPCapabilities) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canConsume
}

func (m *fakeMedia) Consume(transportID, producerID string, paused bool) (worker.ConsumerParams, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextConsumer++
	id := fmt.Sprintf("consumer-%d", m.nextConsumer)
	m.consumed = append(m.consumed, id)
	return worker.ConsumerParams{ID: id, ProducerID: producerID, Kind: "audio", Paused: paused}, nil
}

func (m *fakeMedia) PauseProducer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pausedProducers = append(m.pausedProducers, id)
	return nil
}

func (m *fakeMedia) ResumeProducer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumedProds = append(m.resumedProds, id)
	return nil
}

func (m *fakeMedia) PauseConsumer(string) error  { return nil }
func (m *fakeMedia) ResumeConsumer(string) error { return nil }

func (m *fakeMedia) CloseProducer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedProducers = append(m.closedProducers, id)
}

func (m *fakeMedia) CloseConsumer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedConsumers = append(m.closedConsumers, id)
}

func (m *fakeMedia) CloseTransport(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedTrans = append(m.closedTrans, id)
}

// fixture is the S1 state: an admin and an authorized client, both
// members of the system channel.
type fixture struct {
	state *registry.State
	media *fakeMedia
	core  *routing.Core

	adminID       string
	adminSession  *fakeSession
	clientID      string
	clientSession *fakeSession
}

func mainOnly() permission.Matrix {
	return permission.Matrix{
		SpeakTo:  map[string]bool{registry.SystemChannelID: true},
		ListenTo: map[string]bool{registry.SystemChannelID: true},
	}
}

func newFixture(t *testing.T, holdOff time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		state:         registry.NewState(),
		media:         newFakeMedia(),
		adminSession:  &fakeSession{id: "session-admin"},
		clientSession: &fakeSession{id: "session-client"},
	}
	f.core = routing.NewCore(f.state, f.media, routing.Config{SpeakingHoldOff: holdOff})

	f.adminID = f.state.ConnectAdmin("admin", f.adminSession).Client.ID

	f.clientID = f.state.Connect("bob", f.clientSession).Client.ID
	_, err := f.state.Authorize(f.clientID, []string{registry.SystemChannelID}, mainOnly())
	require.NoError(t, err)

	return f
}

func (f *fixture) produce(t *testing.T, clientID, producerID string) {
	t.Helper()
	_, err := f.state.RegisterProducer(clientID, producerID)
	require.NoError(t, err)
	f.core.ProducerStarted(producerID)
}

func TestHappyPathPairings(t *testing.T) {
	f := newFixture(t, time.Hour)

	f.produce(t, f.adminID, "producer-admin")
	f.produce(t, f.clientID, "producer-client")

	// Each side got the other's producer announced, never its own.
	assert.Equal(t, 1, f.adminSession.count("producerOpened"))
	assert.Equal(t, 1, f.clientSession.count("producerOpened"))

	_, err := f.core.Consume(f.clientID, "transport-b-recv", "producer-admin", worker.RTPCapabilities{})
	require.NoError(t, err)
	_, err = f.core.Consume(f.adminID, "transport-a-recv", "producer-client", worker.RTPCapabilities{})
	require.NoError(t, err)

	pairings := f.core.Pairings()
	assert.Len(t, pairings, 2)
}

func TestConsumeDuplicateFails(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.produce(t, f.adminID, "producer-admin")

	_, err := f.core.Consume(f.clientID, "transport", "producer-admin", worker.RTPCapabilities{})
	require.NoError(t, err)
	_, err = f.core.Consume(f.clientID, "transport", "producer-admin", worker.RTPCapabilities{})
	assert.ErrorIs(t, err, routing.ErrAlreadyConsuming)
	assert.Len(t, f.core.Pairings(), 1)
}

func TestConsumeUnknownProducer(t *testing.T) {
	f := newFixture(t, time.Hour)

	_, err := f.core.Consume(f.clientID, "transport", "no-such-producer", worker.RTPCapabilities{})
	assert.ErrorIs(t, err, registry.ErrProducerNotFound)
	assert.Empty(t, f.core.Pairings())
}

func TestConsumeUnsupportedCapabilities(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.produce(t, f.adminID, "producer-admin")
	f.media.canConsume = false

	_, err := f.core.Consume(f.clientID, "transport", "producer-admin", worker.RTPCapabilities{})
	assert.ErrorIs(t, err, routing.ErrUnsupportedCodec)
	assert.Empty(t, f.media.consumed)
}

func TestSpeakRevocationClosesProducerOnly(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.produce(t, f.adminID, "producer-admin")
	f.produce(t, f.clientID, "producer-client")

	_, err := f.core.Consume(f.clientID, "transport-b", "producer-admin", worker.RTPCapabilities{})
	require.NoError(t, err)
	_, err = f.core.Consume(f.adminID, "transport-a", "producer-client", worker.RTPCapabilities{})
	require.NoError(t, err)

	require.NoError(t, f.state.UpdatePermissions(f.clientID, permission.Patch{
		SpeakTo: map[string]bool{registry.SystemChannelID: false},
	}))
	f.core.SyncClient(f.clientID)

	// The client's producer is gone and the admin heard about it.
	assert.Contains(t, f.media.closedProducers, "producer-client")
	assert.Equal(t, 1, f.adminSession.count("producerClosed"))

	// The client's own consumer of the admin's producer survives.
	pairings := f.core.Pairings()
	require.Len(t, pairings, 1)
	assert.Equal(t, "producer-admin", pairings[0].ProducerID)
	assert.Equal(t, f.clientID, pairings[0].SubscriberID)
}

func TestListenRevocationClosesConsumer(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.produce(t, f.adminID, "producer-admin")

	_, err := f.core.Consume(f.clientID, "transport-b", "producer-admin", worker.RTPCapabilities{})
	require.NoError(t, err)

	require.NoError(t, f.state.UpdatePermissions(f.clientID, permission.Patch{
		ListenTo: map[string]bool{registry.SystemChannelID: false},
	}))
	f.core.SyncClient(f.clientID)

	assert.Len(t, f.media.closedConsumers, 1)
	assert.Equal(t, 1, f.clientSession.count("producerClosed"))
	assert.Empty(t, f.core.Pairings())
}

func TestDisconnectCascade(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.produce(t, f.adminID, "producer-admin")
	f.produce(t, f.clientID, "producer-client")

	require.NoError(t, f.state.SetTransports(f.clientID, "transport-b-send", "transport-b-recv"))
	_, err := f.core.Consume(f.clientID, "transport-b-recv", "producer-admin", worker.RTPCapabilities{})
	require.NoError(t, err)
	_, err = f.core.Consume(f.adminID, "transport-a-recv", "producer-client", worker.RTPCapabilities{})
	require.NoError(t, err)

	result := f.state.CloseClient(f.clientID)
	f.core.ClientClosed(result)

	assert.Contains(t, f.media.closedProducers, "producer-client")
	assert.Contains(t, f.media.closedTrans, "transport-b-send")
	assert.Contains(t, f.media.closedTrans, "transport-b-recv")
	assert.Equal(t, 1, f.adminSession.count("producerClosed"))
	assert.Empty(t, f.core.Pairings())
}

func TestStartDrainsWorkerStreams(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.produce(t, f.clientID, "producer-client")

	events := make(chan common.Message[string, worker.Event], 4)
	volumes := make(chan worker.VolumeEvent, 4)
	f.core.Start(events, volumes)
	defer f.core.Stop()

	volumes <- worker.VolumeEvent{
		Volumes: []worker.ProducerVolume{{ProducerID: "producer-client", Volume: -20}},
	}
	f.adminSession.waitFor(t, "clientSpeaking")

	events <- common.Message[string, worker.Event]{
		Sender:  "producer-client",
		Content: worker.ProducerClosedEvent{ProducerID: "producer-client"},
	}
	f.adminSession.waitFor(t, "producerClosed")
	assert.Empty(t, f.core.Pairings())
}

func TestWorkerProducerClosedEvent(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.produce(t, f.clientID, "producer-client")

	f.core.HandleWorkerEvent(worker.ProducerClosedEvent{ProducerID: "producer-client"})

	assert.Equal(t, 1, f.adminSession.count("producerClosed"))
	assert.Empty(t, f.core.Pairings())
	_, err := f.state.ProducerOwner("producer-client")
	assert.ErrorIs(t, err, registry.ErrProducerNotFound)
}

func TestSpeakingFanOutWithHoldOff(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	f.produce(t, f.clientID, "producer-client")

	f.core.HandleVolumes(worker.VolumeEvent{
		Volumes: []worker.ProducerVolume{{ProducerID: "producer-client", Volume: -20}},
	})
	assert.Equal(t, 1, f.adminSession.count("clientSpeaking"))

	// Repeated volume events while speaking do not repeat the event.
	f.core.HandleVolumes(worker.VolumeEvent{
		Volumes: []worker.ProducerVolume{{ProducerID: "producer-client", Volume: -25}},
	})
	assert.Equal(t, 1, f.adminSession.count("clientSpeaking"))

	// Silence: after the hold-off the stop event goes out.
	f.adminSession.waitFor(t, "clientStoppedSpeaking")
}

func TestProducerCloseStopsSpeakingImmediately(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.produce(t, f.clientID, "producer-client")

	f.core.HandleVolumes(worker.VolumeEvent{
		Volumes: []worker.ProducerVolume{{ProducerID: "producer-client", Volume: -20}},
	})
	require.Equal(t, 1, f.adminSession.count("clientSpeaking"))

	f.core.ProducerClosed("producer-client")
	assert.Equal(t, 1, f.adminSession.count("clientStoppedSpeaking"))
}

func TestStartStopSpeakingGatesProducer(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.produce(t, f.clientID, "producer-client")

	f.core.StartSpeaking(f.clientID, registry.SystemChannelID)
	assert.Equal(t, []string{"producer-client"}, f.media.resumedProds)

	// A channel without speak right is ignored.
	f.core.StartSpeaking(f.adminID, "no-such-channel")
	assert.Empty(t, f.media.pausedProducers)

	f.core.StopSpeaking(f.clientID, registry.SystemChannelID)
	assert.Equal(t, []string{"producer-client"}, f.media.pausedProducers)
}
