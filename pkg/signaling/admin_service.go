package signaling

import (
	"github.com/sirupsen/logrus"
	"github.com/stagewire/stagewire/pkg/permission"
	"github.com/stagewire/stagewire/pkg/registry"
)

// The HTTP admin surface drives the same operations as the admin
// requests on the socket. Both go through these methods so registry
// mutation, routing reconciliation and event fan-out stay in one place.

func (h *Hub) Channels() []registry.ChannelSnapshot {
	return h.state.SnapshotChannels()
}

func (h *Hub) CreateChannel(name, description string) (registry.ChannelSnapshot, error) {
	snapshot, err := h.state.CreateChannel(name, description)
	if err != nil {
		return registry.ChannelSnapshot{}, err
	}
	h.state.BroadcastToActive("channelCreated", channelEvent{Channel: snapshot})
	return snapshot, nil
}

func (h *Hub) UpdateChannel(id string, name, description *string) (registry.ChannelSnapshot, error) {
	snapshot, err := h.state.UpdateChannel(id, name, description)
	if err != nil {
		return registry.ChannelSnapshot{}, err
	}
	h.state.BroadcastToActive("channelUpdated", channelEvent{Channel: snapshot})
	return snapshot, nil
}

func (h *Hub) DeleteChannel(id string) error {
	result, err := h.state.DeleteChannel(id)
	if err != nil {
		return err
	}

	// Producers that lived in the channel may have lost their last speak
	// channel; members' routing entries may be stale either way.
	for _, memberID := range result.Members {
		h.core.SyncClient(memberID)
	}
	h.state.BroadcastToActive("channelDeleted", channelDeletedEvent{ChannelID: id})
	return nil
}

func (h *Hub) Clients() []registry.ClientSnapshot {
	return h.state.SnapshotClients()
}

func (h *Hub) Pending() []registry.ClientSnapshot {
	return h.state.PendingClients()
}

func (h *Hub) Authorize(clientID string, channels []string, grant permission.Matrix) error {
	result, err := h.state.Authorize(clientID, channels, grant)
	if err != nil {
		return err
	}

	h.mutex.Lock()
	session := h.sessions[clientID]
	h.mutex.Unlock()
	if session != nil {
		session.promote()
	}

	h.state.DeliverTo(clientID, "authorized", authorizedEvent{
		Channels:    result.Channels,
		Permissions: grant,
	})
	h.announceJoins(clientID, result.Client.DisplayName, result.Channels)
	h.core.SyncClient(clientID)

	h.logger.WithFields(logrus.Fields{
		"client_id": clientID,
		"channels":  result.Channels,
	}).Info("pending client authorized")
	return nil
}

func (h *Hub) Reject(clientID string) error {
	if _, err := h.state.Reject(clientID); err != nil {
		return err
	}

	// The registry no longer knows the client at this point, so the
	// farewell goes straight to the session before the socket closes.
	h.mutex.Lock()
	session := h.sessions[clientID]
	h.mutex.Unlock()
	if session != nil {
		session.Deliver("rejected", nil)
		session.Close()
	}
	return nil
}
