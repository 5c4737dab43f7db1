package registry

import (
	"github.com/sirupsen/logrus"
	"github.com/stagewire/stagewire/pkg/permission"
	"golang.org/x/exp/slices"
)

// RegisterProducer records a client's producer and registers it into
// every channel the client is a member of and may speak in. A client
// without a speak right anywhere must not produce at all, and a client
// holds at most one producer: a second registration is a conflict, not
// a silent replacement that would orphan the first.
func (s *State) RegisterProducer(clientID, producerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	if client.Producer != "" {
		return nil, ErrProducerExists
	}

	channels := s.speakChannelsLocked(client)
	if len(channels) == 0 {
		return nil, ErrNoSpeakPermission
	}

	client.Producer = producerID
	s.producerOwners[producerID] = clientID
	for _, channelID := range channels {
		s.channels[channelID].Producers[producerID] = struct{}{}
	}

	s.logger.WithFields(logrus.Fields{
		"client_id":   clientID,
		"producer_id": producerID,
	}).Info("producer registered")
	return channels, nil
}

// UnregisterProducer removes a producer from every channel and from its
// owner. Returns the channels it was registered in.
func (s *State) UnregisterProducer(producerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unregisterProducerLocked(producerID)
}

func (s *State) unregisterProducerLocked(producerID string) []string {
	var channels []string
	for channelID, channel := range s.channels {
		if _, ok := channel.Producers[producerID]; ok {
			delete(channel.Producers, producerID)
			channels = append(channels, channelID)
		}
	}
	slices.Sort(channels)

	if ownerID, ok := s.producerOwners[producerID]; ok {
		delete(s.producerOwners, producerID)
		if owner, ok := s.clients[ownerID]; ok && owner.Producer == producerID {
			owner.Producer = ""
		}
	}

	return channels
}

// RefreshProducerChannels recomputes the channel registration of a
// client's producer after its permissions or memberships changed.
// Returns the channel sets the producer was added to and removed from;
// closed reports that no channel is left and the producer must go away.
func (s *State) RefreshProducerChannels(clientID string) (added, removed []string, closed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, nil, false, ErrClientNotFound
	}
	if client.Producer == "" {
		return nil, nil, false, nil
	}

	producerID := client.Producer
	desired := s.speakChannelsLocked(client)

	for channelID, channel := range s.channels {
		_, registered := channel.Producers[producerID]
		wanted := slices.Contains(desired, channelID)
		switch {
		case wanted && !registered:
			channel.Producers[producerID] = struct{}{}
			added = append(added, channelID)
		case !wanted && registered:
			delete(channel.Producers, producerID)
			removed = append(removed, channelID)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)

	if len(desired) == 0 {
		delete(s.producerOwners, producerID)
		client.Producer = ""
		return added, removed, true, nil
	}
	return added, removed, false, nil
}

func (s *State) speakChannelsLocked(client *Client) []string {
	var channels []string
	for _, channelID := range client.Channels {
		if client.Permissions.Allows(channelID, permission.Speak) {
			channels = append(channels, channelID)
		}
	}
	return channels
}

// MayProduceIn reports whether a client is a member of the channel with
// a speak right there.
func (s *State) MayProduceIn(clientID, channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok || client.Status != StatusActive {
		return false
	}
	if !slices.Contains(client.Channels, channelID) {
		return false
	}
	return client.Permissions.Allows(channelID, permission.Speak)
}

// ProducerOwner resolves a producer to its owning client.
func (s *State) ProducerOwner(producerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ownerID, ok := s.producerOwners[producerID]
	if !ok {
		return "", ErrProducerNotFound
	}
	return ownerID, nil
}

// ProducerChannels lists the channels a producer is registered in.
func (s *State) ProducerChannels(producerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var channels []string
	for channelID, channel := range s.channels {
		if _, ok := channel.Producers[producerID]; ok {
			channels = append(channels, channelID)
		}
	}
	slices.Sort(channels)
	return channels
}

// ClientProducer returns the producer id of a client, empty if none.
func (s *State) ClientProducer(clientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return "", ErrClientNotFound
	}
	return client.Producer, nil
}

// ConsumePairing is a permitted (producer, subscriber) relay pairing and
// the channel that permits it.
type ConsumePairing struct {
	ProducerID   string
	SubscriberID string
	ChannelID    string
}

// EvaluateConsume checks whether a subscriber may consume a producer:
// there must be a channel the producer is registered in where the
// subscriber is a member with a listen right. The producer's owner never
// consumes itself.
func (s *State) EvaluateConsume(subscriberID, producerID string) (ConsumePairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluateConsumeLocked(subscriberID, producerID)
}

func (s *State) evaluateConsumeLocked(subscriberID, producerID string) (ConsumePairing, error) {
	ownerID, ok := s.producerOwners[producerID]
	if !ok {
		return ConsumePairing{}, ErrProducerNotFound
	}
	subscriber, ok := s.clients[subscriberID]
	if !ok {
		return ConsumePairing{}, ErrClientNotFound
	}
	if ownerID == subscriberID || subscriber.Status != StatusActive {
		return ConsumePairing{}, ErrNotMember
	}

	for _, channelID := range subscriber.Channels {
		channel := s.channels[channelID]
		if _, registered := channel.Producers[producerID]; !registered {
			continue
		}
		if subscriber.Permissions.Allows(channelID, permission.Listen) {
			return ConsumePairing{
				ProducerID:   producerID,
				SubscriberID: subscriberID,
				ChannelID:    channelID,
			}, nil
		}
	}

	return ConsumePairing{}, ErrNotMember
}

// ListenTargets lists every permitted pairing for a producer: all active
// clients that are members with a listen right in at least one channel
// the producer is registered in.
func (s *State) ListenTargets(producerID string) []ConsumePairing {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pairings []ConsumePairing
	for clientID := range s.clients {
		if pairing, err := s.evaluateConsumeLocked(clientID, producerID); err == nil {
			pairings = append(pairings, pairing)
		}
	}
	slices.SortFunc(pairings, func(a, b ConsumePairing) bool { return a.SubscriberID < b.SubscriberID })
	return pairings
}

// SubscriberProducers lists every producer a client is currently allowed
// to consume.
func (s *State) SubscriberProducers(subscriberID string) []ConsumePairing {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pairings []ConsumePairing
	for producerID := range s.producerOwners {
		if pairing, err := s.evaluateConsumeLocked(subscriberID, producerID); err == nil {
			pairings = append(pairings, pairing)
		}
	}
	slices.SortFunc(pairings, func(a, b ConsumePairing) bool { return a.ProducerID < b.ProducerID })
	return pairings
}
