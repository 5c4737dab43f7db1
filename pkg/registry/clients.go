package registry

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stagewire/stagewire/pkg/permission"
	"golang.org/x/exp/slices"
)

// Status of a client within its lifecycle.
type Status int

const (
	// StatusPending: authenticated against the server secret, waiting for
	// an admin decision.
	StatusPending Status = iota
	// StatusActive: authorized, full participant.
	StatusActive
	// StatusClosed: disconnected or rejected.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelSettings is what this client wants to hear from one channel.
// Pure listen preference: it never touches producer state on the server.
type ChannelSettings struct {
	Muted  bool    `json:"muted"`
	Volume float64 `json:"volume"`
}

func defaultChannelSettings() ChannelSettings {
	return ChannelSettings{Muted: false, Volume: 1.0}
}

// Client record. Owned by the registry; the public surface only ever
// hands out snapshots.
type Client struct {
	ID          string
	DisplayName string
	Session     SessionHandle
	Admin       bool
	Status      Status
	Channels    []string // join order
	Permissions permission.Matrix
	Settings    map[string]ChannelSettings

	// Media attachments, ids only. The media worker owns the objects.
	SendTransport string
	RecvTransport string
	Producer      string
}

// ClientSnapshot is the sanitized view of a client.
type ClientSnapshot struct {
	ID          string   `json:"clientId"`
	DisplayName string   `json:"displayName"`
	Admin       bool     `json:"admin"`
	Status      string   `json:"status"`
	Channels    []string `json:"channels"`
}

func (c *Client) snapshot() ClientSnapshot {
	return ClientSnapshot{
		ID:          c.ID,
		DisplayName: c.DisplayName,
		Admin:       c.Admin,
		Status:      c.Status.String(),
		Channels:    slices.Clone(c.Channels),
	}
}

// detachChannel drops every per-channel association. Caller holds the lock.
func (c *Client) detachChannel(channelID string) {
	if i := slices.Index(c.Channels, channelID); i >= 0 {
		c.Channels = slices.Delete(c.Channels, i, i+1)
	}
	delete(c.Settings, channelID)
	c.Permissions.ForgetChannel(channelID)
}

// ConnectResult describes the outcome of a new connection.
type ConnectResult struct {
	Client ClientSnapshot
	// Channels the client was re-joined to (remembered identity only).
	RejoinedChannels []string
}

// Connect enrolls a new client for the presented display name. A
// remembered identity (same display name, authorized before) is promoted
// straight back to active with its previous channels and permissions;
// anybody else starts out pending, queued for an admin decision.
func (s *State) Connect(displayName string, session SessionHandle) ConnectResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if known, ok := s.remembered[displayName]; ok {
		delete(s.remembered, displayName)
		return s.restoreLocked(known, displayName, session)
	}

	client := &Client{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Session:     session,
		Status:      StatusPending,
		Settings:    make(map[string]ChannelSettings),
	}
	s.clients[client.ID] = client
	s.pending = append(s.pending, client.ID)

	s.logger.WithFields(logrus.Fields{
		"client_id":    client.ID,
		"display_name": displayName,
	}).Info("client enrolled as pending")

	return ConnectResult{Client: client.snapshot()}
}

// ConnectAdmin enrolls an admin-authenticated client, active immediately
// with full speak/listen rights.
func (s *State) ConnectAdmin(displayName string, session SessionHandle) ConnectResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	client := &Client{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Session:     session,
		Admin:       true,
		Status:      StatusActive,
		Permissions: permission.Matrix{SpeakToAll: true, ListenToAll: true},
		Settings:    make(map[string]ChannelSettings),
	}
	s.clients[client.ID] = client

	// Admins join the system channel right away.
	joined := s.joinLocked(client, SystemChannelID)

	s.logger.WithFields(logrus.Fields{
		"client_id":    client.ID,
		"display_name": displayName,
	}).Info("admin client connected")

	result := ConnectResult{Client: client.snapshot()}
	if joined {
		result.RejoinedChannels = []string{SystemChannelID}
	}
	return result
}

func (s *State) restoreLocked(known *remembered, displayName string, session SessionHandle) ConnectResult {
	client := &Client{
		ID:          known.clientID,
		DisplayName: displayName,
		Session:     session,
		Status:      StatusActive,
		Permissions: known.permissions,
		Settings:    make(map[string]ChannelSettings),
	}
	s.clients[client.ID] = client

	var rejoined []string
	for _, channelID := range known.channels {
		if _, stillThere := s.channels[channelID]; !stillThere {
			continue
		}
		if s.joinLocked(client, channelID) {
			rejoined = append(rejoined, channelID)
		}
		if settings, ok := known.settings[channelID]; ok {
			client.Settings[channelID] = settings
		}
	}

	s.logger.WithFields(logrus.Fields{
		"client_id":    client.ID,
		"display_name": displayName,
	}).Info("remembered client re-activated")

	return ConnectResult{Client: client.snapshot(), RejoinedChannels: rejoined}
}

// joinLocked adds a client to a channel and seeds the default settings.
// Idempotent. Caller holds the lock.
func (s *State) joinLocked(client *Client, channelID string) bool {
	channel, ok := s.channels[channelID]
	if !ok {
		return false
	}
	if _, member := channel.Members[client.ID]; member {
		return false
	}

	channel.Members[client.ID] = struct{}{}
	client.Channels = append(client.Channels, channelID)
	if _, ok := client.Settings[channelID]; !ok {
		client.Settings[channelID] = defaultChannelSettings()
	}
	return true
}

// leaveLocked removes a client from a channel along with its settings.
// The permission matrix is left alone: rights for channels the client is
// not a member of are inert. Caller holds the lock.
func (s *State) leaveLocked(client *Client, channelID string) bool {
	channel, ok := s.channels[channelID]
	if !ok {
		return false
	}
	if _, member := channel.Members[client.ID]; !member {
		return false
	}

	delete(channel.Members, client.ID)
	if i := slices.Index(client.Channels, channelID); i >= 0 {
		client.Channels = slices.Delete(client.Channels, i, i+1)
	}
	delete(client.Settings, channelID)
	return true
}

// AuthorizeResult describes what an authorization set up.
type AuthorizeResult struct {
	Client   ClientSnapshot
	Channels []string
}

// Authorize promotes a pending client to active with the given channel
// set and permission grant. Unknown client ids (including clients already
// authorized or rejected) surface as not found.
func (s *State) Authorize(clientID string, channels []string, grant permission.Matrix) (AuthorizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok || client.Status != StatusPending {
		return AuthorizeResult{}, ErrClientNotFound
	}
	for _, channelID := range channels {
		if _, ok := s.channels[channelID]; !ok {
			return AuthorizeResult{}, ErrChannelNotFound
		}
	}

	s.dropPendingLocked(clientID)
	client.Status = StatusActive
	client.Permissions = grant.Clone()

	result := AuthorizeResult{Channels: make([]string, 0, len(channels))}
	for _, channelID := range channels {
		if s.joinLocked(client, channelID) {
			result.Channels = append(result.Channels, channelID)
		}
	}
	result.Client = client.snapshot()

	s.logger.WithField("client_id", clientID).Info("client authorized")
	return result, nil
}

// Reject drops a pending client. The second call for the same id reports
// not found, as does rejecting an already authorized client.
func (s *State) Reject(clientID string) (ClientSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok || client.Status != StatusPending {
		return ClientSnapshot{}, ErrClientNotFound
	}

	s.dropPendingLocked(clientID)
	client.Status = StatusClosed
	delete(s.clients, clientID)

	s.logger.WithField("client_id", clientID).Info("pending client rejected")
	return client.snapshot(), nil
}

func (s *State) dropPendingLocked(clientID string) {
	if i := slices.Index(s.pending, clientID); i >= 0 {
		s.pending = slices.Delete(s.pending, i, i+1)
	}
}

// PendingClients lists the pending queue in arrival order.
func (s *State) PendingClients() []ClientSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := make([]ClientSnapshot, 0, len(s.pending))
	for _, clientID := range s.pending {
		if client, ok := s.clients[clientID]; ok {
			snapshots = append(snapshots, client.snapshot())
		}
	}
	return snapshots
}

// GetClient returns the snapshot of one client.
func (s *State) GetClient(clientID string) (ClientSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return ClientSnapshot{}, ErrClientNotFound
	}
	return client.snapshot(), nil
}

// SnapshotClients lists all known clients sorted by display name.
func (s *State) SnapshotClients() []ClientSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := make([]ClientSnapshot, 0, len(s.clients))
	for _, client := range s.clients {
		snapshots = append(snapshots, client.snapshot())
	}
	slices.SortFunc(snapshots, func(a, b ClientSnapshot) bool {
		if a.DisplayName != b.DisplayName {
			return a.DisplayName < b.DisplayName
		}
		return a.ID < b.ID
	})
	return snapshots
}

// UpdatePermissions applies a permission patch to an active client.
func (s *State) UpdatePermissions(clientID string, patch permission.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}

	client.Permissions = client.Permissions.Apply(patch)
	return nil
}

// AddToChannel joins a client to a channel. Idempotent; reports whether
// the membership is new.
func (s *State) AddToChannel(clientID, channelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return false, ErrClientNotFound
	}
	if _, ok := s.channels[channelID]; !ok {
		return false, ErrChannelNotFound
	}
	return s.joinLocked(client, channelID), nil
}

// RemoveFromChannel removes a client from a channel. Reports whether the
// client actually was a member.
func (s *State) RemoveFromChannel(clientID, channelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return false, ErrClientNotFound
	}
	if _, ok := s.channels[channelID]; !ok {
		return false, ErrChannelNotFound
	}
	return s.leaveLocked(client, channelID), nil
}

// SetChannelMute records the client's mute preference for a channel it is
// a member of.
func (s *State) SetChannelMute(clientID, channelID string, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	settings, ok := client.Settings[channelID]
	if !ok {
		return ErrNotMember
	}

	settings.Muted = muted
	client.Settings[channelID] = settings
	return nil
}

// SetChannelVolume records the client's volume preference for a channel
// it is a member of. Values are clamped to [0, 1].
func (s *State) SetChannelVolume(clientID, channelID string, volume float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	settings, ok := client.Settings[channelID]
	if !ok {
		return ErrNotMember
	}

	settings.Volume = clampVolume(volume)
	client.Settings[channelID] = settings
	return nil
}

func clampVolume(volume float64) float64 {
	if volume < 0 {
		return 0
	}
	if volume > 1 {
		return 1
	}
	return volume
}

// GetChannelSettings returns the client's settings for one channel.
func (s *State) GetChannelSettings(clientID, channelID string) (ChannelSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return ChannelSettings{}, ErrClientNotFound
	}
	settings, ok := client.Settings[channelID]
	if !ok {
		return ChannelSettings{}, ErrNotMember
	}
	return settings, nil
}

// SetTransports records the media transport ids owned by a client.
// Empty strings leave the respective slot untouched.
func (s *State) SetTransports(clientID, sendTransport, recvTransport string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	if sendTransport != "" {
		client.SendTransport = sendTransport
	}
	if recvTransport != "" {
		client.RecvTransport = recvTransport
	}
	return nil
}

// Transports returns the transport ids owned by a client.
func (s *State) Transports(clientID string) (sendTransport, recvTransport string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return "", "", ErrClientNotFound
	}
	return client.SendTransport, client.RecvTransport, nil
}

// CloseResult lists everything a client close detached, for cascades.
type CloseResult struct {
	Client ClientSnapshot
	// Channels the client was removed from.
	Channels []string
	// The client's producer, if any, and the channels it was registered in.
	ProducerID       string
	ProducerChannels []string
	// Transports owned by the client.
	SendTransport string
	RecvTransport string
	WasPending    bool
}

// CloseClient removes a client from the registry, detaching memberships
// and producer registrations. Authorized identities are remembered for
// later re-connection. Closing an unknown (or already closed) client is a
// no-op.
func (s *State) CloseClient(clientID string) CloseResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return CloseResult{}
	}

	result := CloseResult{
		SendTransport: client.SendTransport,
		RecvTransport: client.RecvTransport,
		WasPending:    client.Status == StatusPending,
	}

	// Settings are detached channel by channel below, keep a copy for the
	// remembered identity.
	settings := make(map[string]ChannelSettings, len(client.Settings))
	for channelID, channelSettings := range client.Settings {
		settings[channelID] = channelSettings
	}

	if client.Producer != "" {
		result.ProducerID = client.Producer
		result.ProducerChannels = s.unregisterProducerLocked(client.Producer)
	}

	for _, channelID := range slices.Clone(client.Channels) {
		if s.leaveLocked(client, channelID) {
			result.Channels = append(result.Channels, channelID)
		}
	}

	s.dropPendingLocked(clientID)

	if client.Status == StatusActive && !client.Admin {
		s.remembered[client.DisplayName] = &remembered{
			clientID:    client.ID,
			channels:    result.Channels,
			permissions: client.Permissions,
			settings:    settings,
		}
	}

	client.Status = StatusClosed
	client.Session = nil
	delete(s.clients, clientID)

	result.Client = client.snapshot()
	s.logger.WithField("client_id", clientID).Info("client closed")
	return result
}
