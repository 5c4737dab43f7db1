package registry_test

import (
	"testing"

	"github.com/stagewire/stagewire/pkg/permission"
	"github.com/stagewire/stagewire/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession collects delivered events for assertions.
type fakeSession struct {
	id     string
	events []string
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Deliver(event string, payload any) {
	f.events = append(f.events, event)
}

func mainGrant() permission.Matrix {
	return permission.Matrix{
		SpeakTo:  map[string]bool{registry.SystemChannelID: true},
		ListenTo: map[string]bool{registry.SystemChannelID: true},
	}
}

func TestNewState_SystemChannelExists(t *testing.T) {
	state := registry.NewState()

	channels := state.SnapshotChannels()
	require.Len(t, channels, 1)
	assert.Equal(t, registry.SystemChannelID, channels[0].ID)
}

func TestDeleteChannel_SystemChannelProtected(t *testing.T) {
	state := registry.NewState()

	_, err := state.DeleteChannel(registry.SystemChannelID)
	assert.ErrorIs(t, err, registry.ErrProtectedChannel)
	assert.Len(t, state.SnapshotChannels(), 1)
}

func TestCreateChannel_DuplicateName(t *testing.T) {
	state := registry.NewState()

	_, err := state.CreateChannel("Stage", "stage talkback")
	require.NoError(t, err)
	_, err = state.CreateChannel("Stage", "again")
	assert.ErrorIs(t, err, registry.ErrDuplicateChannelName)
}

func TestUpdateChannel_RenameKeepsUniqueness(t *testing.T) {
	state := registry.NewState()

	stage, err := state.CreateChannel("Stage", "")
	require.NoError(t, err)

	name := "Main"
	_, err = state.UpdateChannel(stage.ID, &name, nil)
	assert.ErrorIs(t, err, registry.ErrDuplicateChannelName)

	name = "Stage Left"
	updated, err := state.UpdateChannel(stage.ID, &name, nil)
	require.NoError(t, err)
	assert.Equal(t, "Stage Left", updated.Name)
}

func TestConnect_StartsPendingAndOutsideChannels(t *testing.T) {
	state := registry.NewState()

	result := state.Connect("bob", &fakeSession{id: "s1"})
	assert.Equal(t, "pending", result.Client.Status)
	assert.Empty(t, result.Client.Channels)

	// A pending client never appears in any channel's members.
	members, err := state.ChannelMembers(registry.SystemChannelID)
	require.NoError(t, err)
	assert.NotContains(t, members, result.Client.ID)

	pending := state.PendingClients()
	require.Len(t, pending, 1)
	assert.Equal(t, result.Client.ID, pending[0].ID)
}

func TestAuthorize_SeedsMembershipAndSettings(t *testing.T) {
	state := registry.NewState()
	bob := state.Connect("bob", &fakeSession{id: "s1"}).Client

	result, err := state.Authorize(bob.ID, []string{registry.SystemChannelID}, mainGrant())
	require.NoError(t, err)
	assert.Equal(t, "active", result.Client.Status)
	assert.Equal(t, []string{registry.SystemChannelID}, result.Channels)

	settings, err := state.GetChannelSettings(bob.ID, registry.SystemChannelID)
	require.NoError(t, err)
	assert.False(t, settings.Muted)
	assert.Equal(t, 1.0, settings.Volume)

	assert.Empty(t, state.PendingClients())
}

func TestAuthorize_UnknownChannel(t *testing.T) {
	state := registry.NewState()
	bob := state.Connect("bob", &fakeSession{id: "s1"}).Client

	_, err := state.Authorize(bob.ID, []string{"no-such"}, mainGrant())
	assert.ErrorIs(t, err, registry.ErrChannelNotFound)

	// Still pending, nothing half-applied.
	pending := state.PendingClients()
	require.Len(t, pending, 1)
	assert.Equal(t, "pending", pending[0].Status)
}

func TestAuthorizeThenReject_SecondCallNotFound(t *testing.T) {
	state := registry.NewState()
	bob := state.Connect("bob", &fakeSession{id: "s1"}).Client

	_, err := state.Authorize(bob.ID, []string{registry.SystemChannelID}, mainGrant())
	require.NoError(t, err)

	_, err = state.Reject(bob.ID)
	assert.ErrorIs(t, err, registry.ErrClientNotFound)
}

func TestReject_Twice(t *testing.T) {
	state := registry.NewState()
	bob := state.Connect("bob", &fakeSession{id: "s1"}).Client

	_, err := state.Reject(bob.ID)
	require.NoError(t, err)
	_, err = state.Reject(bob.ID)
	assert.ErrorIs(t, err, registry.ErrClientNotFound)
}

func TestSetChannelMute_Idempotent(t *testing.T) {
	state := registry.NewState()
	bob := activeClient(t, state, "bob")

	require.NoError(t, state.SetChannelMute(bob, registry.SystemChannelID, true))
	require.NoError(t, state.SetChannelMute(bob, registry.SystemChannelID, true))

	settings, err := state.GetChannelSettings(bob, registry.SystemChannelID)
	require.NoError(t, err)
	assert.True(t, settings.Muted)
}

func TestSetChannelVolume_Clamped(t *testing.T) {
	state := registry.NewState()
	bob := activeClient(t, state, "bob")

	require.NoError(t, state.SetChannelVolume(bob, registry.SystemChannelID, -0.5))
	settings, _ := state.GetChannelSettings(bob, registry.SystemChannelID)
	assert.Equal(t, 0.0, settings.Volume)

	require.NoError(t, state.SetChannelVolume(bob, registry.SystemChannelID, 1.5))
	settings, _ = state.GetChannelSettings(bob, registry.SystemChannelID)
	assert.Equal(t, 1.0, settings.Volume)
}

func TestSettings_DefinedOnlyForMembers(t *testing.T) {
	state := registry.NewState()
	bob := activeClient(t, state, "bob")
	stage, err := state.CreateChannel("Stage", "")
	require.NoError(t, err)

	assert.ErrorIs(t, state.SetChannelMute(bob, stage.ID, true), registry.ErrNotMember)

	added, err := state.AddToChannel(bob, stage.ID)
	require.NoError(t, err)
	assert.True(t, added)
	require.NoError(t, state.SetChannelMute(bob, stage.ID, true))

	removed, err := state.RemoveFromChannel(bob, stage.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = state.GetChannelSettings(bob, stage.ID)
	assert.ErrorIs(t, err, registry.ErrNotMember)
}

func TestAddRemoveChannel_RestoresMatrix(t *testing.T) {
	state := registry.NewState()
	bob := activeClient(t, state, "bob")
	stage, err := state.CreateChannel("Stage", "")
	require.NoError(t, err)

	before, err := state.GetClient(bob)
	require.NoError(t, err)

	_, err = state.AddToChannel(bob, stage.ID)
	require.NoError(t, err)
	_, err = state.RemoveFromChannel(bob, stage.ID)
	require.NoError(t, err)

	after, err := state.GetClient(bob)
	require.NoError(t, err)
	assert.Equal(t, before.Channels, after.Channels)
}

func TestRegisterProducer_RequiresSpeakRight(t *testing.T) {
	state := registry.NewState()
	bob := state.Connect("bob", &fakeSession{id: "s1"}).Client.ID
	_, err := state.Authorize(bob, []string{registry.SystemChannelID}, permission.Matrix{
		ListenTo: map[string]bool{registry.SystemChannelID: true},
	})
	require.NoError(t, err)

	_, err = state.RegisterProducer(bob, "prod-1")
	assert.ErrorIs(t, err, registry.ErrNoSpeakPermission)
	assert.Empty(t, state.ProducerChannels("prod-1"))
}

func TestRegisterProducer_RegistersIntoAllSpeakChannels(t *testing.T) {
	state := registry.NewState()
	stage, err := state.CreateChannel("Stage", "")
	require.NoError(t, err)

	bob := state.Connect("bob", &fakeSession{id: "s1"}).Client.ID
	grant := permission.Matrix{
		SpeakTo:  map[string]bool{registry.SystemChannelID: true, stage.ID: true},
		ListenTo: map[string]bool{registry.SystemChannelID: true},
	}
	_, err = state.Authorize(bob, []string{registry.SystemChannelID, stage.ID}, grant)
	require.NoError(t, err)

	channels, err := state.RegisterProducer(bob, "prod-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{registry.SystemChannelID, stage.ID}, channels)

	owner, err := state.ProducerOwner("prod-1")
	require.NoError(t, err)
	assert.Equal(t, bob, owner)
}

func TestRegisterProducer_SecondProducerConflicts(t *testing.T) {
	state := registry.NewState()
	bob := activeClient(t, state, "bob")

	_, err := state.RegisterProducer(bob, "prod-1")
	require.NoError(t, err)

	_, err = state.RegisterProducer(bob, "prod-2")
	assert.ErrorIs(t, err, registry.ErrProducerExists)

	// The first producer is untouched, the second never entered any
	// channel, and closing the client leaves no orphan behind.
	owner, err := state.ProducerOwner("prod-1")
	require.NoError(t, err)
	assert.Equal(t, bob, owner)
	assert.Empty(t, state.ProducerChannels("prod-2"))

	result := state.CloseClient(bob)
	assert.Equal(t, "prod-1", result.ProducerID)
	_, err = state.ProducerOwner("prod-1")
	assert.ErrorIs(t, err, registry.ErrProducerNotFound)
	assert.Empty(t, state.ProducerChannels("prod-1"))
}

func TestRefreshProducerChannels_RevocationClosesProducer(t *testing.T) {
	state := registry.NewState()
	bob := activeClient(t, state, "bob")

	_, err := state.RegisterProducer(bob, "prod-1")
	require.NoError(t, err)

	no := false
	require.NoError(t, state.UpdatePermissions(bob, permission.Patch{
		SpeakTo: map[string]bool{registry.SystemChannelID: no},
	}))

	added, removed, closed, err := state.RefreshProducerChannels(bob)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, []string{registry.SystemChannelID}, removed)
	assert.True(t, closed)

	_, err = state.ProducerOwner("prod-1")
	assert.ErrorIs(t, err, registry.ErrProducerNotFound)
}

func TestEvaluateConsume(t *testing.T) {
	state := registry.NewState()
	alice := activeClient(t, state, "alice")
	bob := activeClient(t, state, "bob")

	_, err := state.RegisterProducer(alice, "prod-a")
	require.NoError(t, err)

	pairing, err := state.EvaluateConsume(bob, "prod-a")
	require.NoError(t, err)
	assert.Equal(t, registry.SystemChannelID, pairing.ChannelID)

	// The owner never consumes its own producer.
	_, err = state.EvaluateConsume(alice, "prod-a")
	assert.ErrorIs(t, err, registry.ErrNotMember)

	// Unknown producers are reported as such.
	_, err = state.EvaluateConsume(bob, "prod-nope")
	assert.ErrorIs(t, err, registry.ErrProducerNotFound)
}

func TestListenTargets_SkipsRevokedListeners(t *testing.T) {
	state := registry.NewState()
	alice := activeClient(t, state, "alice")
	bob := activeClient(t, state, "bob")
	carol := activeClient(t, state, "carol")

	_, err := state.RegisterProducer(alice, "prod-a")
	require.NoError(t, err)

	no := false
	require.NoError(t, state.UpdatePermissions(carol, permission.Patch{
		ListenTo: map[string]bool{registry.SystemChannelID: no},
	}))

	targets := state.ListenTargets("prod-a")
	require.Len(t, targets, 1)
	assert.Equal(t, bob, targets[0].SubscriberID)
}

func TestCloseClient_CascadesAndIsIdempotent(t *testing.T) {
	state := registry.NewState()
	bob := activeClient(t, state, "bob")

	_, err := state.RegisterProducer(bob, "prod-b")
	require.NoError(t, err)
	require.NoError(t, state.SetTransports(bob, "send-t", "recv-t"))

	result := state.CloseClient(bob)
	assert.Equal(t, []string{registry.SystemChannelID}, result.Channels)
	assert.Equal(t, "prod-b", result.ProducerID)
	assert.Equal(t, []string{registry.SystemChannelID}, result.ProducerChannels)
	assert.Equal(t, "send-t", result.SendTransport)
	assert.Equal(t, "recv-t", result.RecvTransport)

	members, err := state.ChannelMembers(registry.SystemChannelID)
	require.NoError(t, err)
	assert.NotContains(t, members, bob)

	// Second close is a no-op.
	again := state.CloseClient(bob)
	assert.Empty(t, again.Channels)
	assert.Empty(t, again.ProducerID)
}

func TestConnect_RemembersAuthorizedIdentity(t *testing.T) {
	state := registry.NewState()
	bob := activeClient(t, state, "bob")
	require.NoError(t, state.SetChannelMute(bob, registry.SystemChannelID, true))

	state.CloseClient(bob)

	result := state.Connect("bob", &fakeSession{id: "s2"})
	assert.Equal(t, "active", result.Client.Status)
	assert.Equal(t, bob, result.Client.ID)
	assert.Equal(t, []string{registry.SystemChannelID}, result.RejoinedChannels)

	// Settings survive the round trip.
	settings, err := state.GetChannelSettings(bob, registry.SystemChannelID)
	require.NoError(t, err)
	assert.True(t, settings.Muted)
}

func TestDeleteChannel_DetachesMembersAndProducers(t *testing.T) {
	state := registry.NewState()
	stage, err := state.CreateChannel("Stage", "")
	require.NoError(t, err)

	bob := state.Connect("bob", &fakeSession{id: "s1"}).Client.ID
	grant := permission.Matrix{SpeakTo: map[string]bool{stage.ID: true}}
	_, err = state.Authorize(bob, []string{stage.ID}, grant)
	require.NoError(t, err)
	_, err = state.RegisterProducer(bob, "prod-b")
	require.NoError(t, err)

	result, err := state.DeleteChannel(stage.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob}, result.Members)
	assert.Equal(t, []string{"prod-b"}, result.Producers)

	snapshot, err := state.GetClient(bob)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Channels)
}

func TestBroadcastToChannel_ListenersOnly(t *testing.T) {
	state := registry.NewState()

	listener := &fakeSession{id: "s-listener"}
	deaf := &fakeSession{id: "s-deaf"}

	alice := state.Connect("alice", listener).Client.ID
	_, err := state.Authorize(alice, []string{registry.SystemChannelID}, mainGrant())
	require.NoError(t, err)

	bob := state.Connect("bob", deaf).Client.ID
	_, err = state.Authorize(bob, []string{registry.SystemChannelID}, permission.Matrix{
		SpeakTo: map[string]bool{registry.SystemChannelID: true},
	})
	require.NoError(t, err)

	state.BroadcastToChannel(registry.SystemChannelID, true, "clientSpeaking", nil)

	assert.Equal(t, []string{"clientSpeaking"}, listener.events)
	assert.Empty(t, deaf.events)
}

// activeClient enrolls and authorizes a client into the system channel
// with both rights.
func activeClient(t *testing.T, state *registry.State, name string) string {
	t.Helper()

	client := state.Connect(name, &fakeSession{id: "session-" + name}).Client
	require.Equal(t, "pending", client.Status)

	_, err := state.Authorize(client.ID, []string{registry.SystemChannelID}, mainGrant())
	require.NoError(t, err)
	return client.ID
}
