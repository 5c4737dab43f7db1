package registry

import (
	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// Channel is a named bus with a member set. Producers registered here are
// the ones whose owners currently hold a speak right in the channel.
type Channel struct {
	ID          string
	Name        string
	Description string
	Members     map[string]struct{}
	Producers   map[string]struct{}
}

// ChannelSnapshot is the sanitized view handed out over the wire and to
// the admin surface. It never exposes the internal sets.
type ChannelSnapshot struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Members     int    `json:"members"`
}

func (c *Channel) snapshot() ChannelSnapshot {
	return ChannelSnapshot{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Members:     len(c.Members),
	}
}

// DeleteChannelResult lists what a channel deletion detached, so that the
// caller can cascade producer/consumer closure and event fan-out.
type DeleteChannelResult struct {
	Snapshot  ChannelSnapshot
	Members   []string
	Producers []string
}

// CreateChannel adds a channel with a fresh id. Names are unique.
func (s *State) CreateChannel(name, description string) (ChannelSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.channelNames[name]; taken {
		return ChannelSnapshot{}, ErrDuplicateChannelName
	}

	channel := &Channel{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Members:     make(map[string]struct{}),
		Producers:   make(map[string]struct{}),
	}
	s.channels[channel.ID] = channel
	s.channelNames[name] = channel.ID

	s.logger.WithField("channel_id", channel.ID).Info("channel created")
	return channel.snapshot(), nil
}

// UpdateChannel changes name and/or description. Nil fields stay as-is.
func (s *State) UpdateChannel(id string, name, description *string) (ChannelSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.channels[id]
	if !ok {
		return ChannelSnapshot{}, ErrChannelNotFound
	}

	if name != nil && *name != channel.Name {
		if _, taken := s.channelNames[*name]; taken {
			return ChannelSnapshot{}, ErrDuplicateChannelName
		}
		delete(s.channelNames, channel.Name)
		channel.Name = *name
		s.channelNames[channel.Name] = id
	}
	if description != nil {
		channel.Description = *description
	}

	return channel.snapshot(), nil
}

// DeleteChannel removes a channel and detaches all members: their
// membership entry, user settings and per-channel permission entries for
// the channel are dropped. The system channel is protected.
func (s *State) DeleteChannel(id string) (DeleteChannelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == SystemChannelID {
		return DeleteChannelResult{}, ErrProtectedChannel
	}
	channel, ok := s.channels[id]
	if !ok {
		return DeleteChannelResult{}, ErrChannelNotFound
	}

	result := DeleteChannelResult{Snapshot: channel.snapshot()}
	for memberID := range channel.Members {
		if client, ok := s.clients[memberID]; ok {
			client.detachChannel(id)
		}
		result.Members = append(result.Members, memberID)
	}
	for producerID := range channel.Producers {
		result.Producers = append(result.Producers, producerID)
	}

	delete(s.channelNames, channel.Name)
	delete(s.channels, id)

	s.logger.WithField("channel_id", id).Info("channel deleted")
	return result, nil
}

// GetChannel returns the sanitized snapshot of one channel.
func (s *State) GetChannel(id string) (ChannelSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.channels[id]
	if !ok {
		return ChannelSnapshot{}, ErrChannelNotFound
	}
	return channel.snapshot(), nil
}

// SnapshotChannels lists all channels sorted by name.
func (s *State) SnapshotChannels() []ChannelSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := make([]ChannelSnapshot, 0, len(s.channels))
	for _, channel := range s.channels {
		snapshots = append(snapshots, channel.snapshot())
	}
	slices.SortFunc(snapshots, func(a, b ChannelSnapshot) bool { return a.Name < b.Name })
	return snapshots
}

// ChannelMembers returns the member ids of a channel.
func (s *State) ChannelMembers(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}

	members := make([]string, 0, len(channel.Members))
	for memberID := range channel.Members {
		members = append(members, memberID)
	}
	slices.Sort(members)
	return members, nil
}
