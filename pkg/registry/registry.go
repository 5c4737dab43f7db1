package registry

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/stagewire/stagewire/pkg/permission"
)

// The system channel is created at startup and can never be deleted, so
// the registry always contains at least one channel. Its identifier is
// stable across restarts.
const SystemChannelID = "main"

var (
	ErrChannelNotFound      = errors.New("channel not found")
	ErrClientNotFound       = errors.New("client not found")
	ErrProducerNotFound     = errors.New("producer not found")
	ErrProducerExists       = errors.New("client already has a producer")
	ErrProtectedChannel     = errors.New("the system channel cannot be deleted")
	ErrDuplicateChannelName = errors.New("channel name already in use")
	ErrNotMember            = errors.New("client is not a member of the channel")
	ErrNoSpeakPermission    = errors.New("client may not speak in any of its channels")
)

// SessionHandle is the live signaling connection of a client. The registry
// only ever enqueues events on it; delivery is the signaling layer's
// business. Implementations must not block.
type SessionHandle interface {
	ID() string
	Deliver(event string, payload any)
}

// State is the shared in-memory registry of channels and clients. All
// methods serialize on one mutex; each exported method is one atomic
// mutation or query, and none of them performs I/O or calls into the
// media worker while holding the lock.
type State struct {
	mu sync.Mutex

	channels     map[string]*Channel
	channelNames map[string]string // name -> id

	clients    map[string]*Client
	pending    []string // client ids, FIFO
	remembered map[string]*remembered

	producerOwners map[string]string // producer id -> client id

	logger *logrus.Entry
}

// A previously authorized identity, kept so that a re-connecting client
// with the same display name can be promoted back without a second admin
// round trip.
type remembered struct {
	clientID    string
	channels    []string
	permissions permission.Matrix
	settings    map[string]ChannelSettings
}

// NewState creates a registry holding only the system channel.
func NewState() *State {
	state := &State{
		channels:       make(map[string]*Channel),
		channelNames:   make(map[string]string),
		clients:        make(map[string]*Client),
		remembered:     make(map[string]*remembered),
		producerOwners: make(map[string]string),
		logger:         logrus.WithField("component", "registry"),
	}

	system := &Channel{
		ID:          SystemChannelID,
		Name:        "Main",
		Description: "System channel",
		Members:     make(map[string]struct{}),
		Producers:   make(map[string]struct{}),
	}
	state.channels[system.ID] = system
	state.channelNames[system.Name] = system.ID

	return state
}
