package registry

import "github.com/stagewire/stagewire/pkg/permission"

// Event fan-out helpers. These enqueue on session handles while holding
// the registry lock, which keeps the per-channel event order identical
// for every subscriber; session handles only buffer, they never block.

// DeliverTo enqueues an event on one client's session, if it has one.
func (s *State) DeliverTo(clientID, event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if client, ok := s.clients[clientID]; ok && client.Session != nil {
		client.Session.Deliver(event, payload)
	}
}

// BroadcastToChannel enqueues an event on every member of a channel.
// When listenersOnly is set, members without a listen right are skipped.
func (s *State) BroadcastToChannel(channelID string, listenersOnly bool, event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.channels[channelID]
	if !ok {
		return
	}

	for memberID := range channel.Members {
		client, ok := s.clients[memberID]
		if !ok || client.Session == nil {
			continue
		}
		if listenersOnly && !client.Permissions.Allows(channelID, permission.Listen) {
			continue
		}
		client.Session.Deliver(event, payload)
	}
}

// BroadcastToAdmins enqueues an event on every connected admin session.
func (s *State) BroadcastToAdmins(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, client := range s.clients {
		if client.Admin && client.Session != nil {
			client.Session.Deliver(event, payload)
		}
	}
}

// BroadcastToActive enqueues an event on every active session. Used for
// directory-level events (channel created/updated/deleted) that every
// participant needs for display purposes.
func (s *State) BroadcastToActive(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, client := range s.clients {
		if client.Status == StatusActive && client.Session != nil {
			client.Session.Deliver(event, payload)
		}
	}
}
