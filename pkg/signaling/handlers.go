package signaling

import (
	"github.com/stagewire/stagewire/pkg/registry"
	"github.com/stagewire/stagewire/pkg/worker"
)

func (h *Hub) handleAuthenticate(session *Session, request *Request) outcome {
	if session.authState() != authNew {
		return fail(newError(KindConflict, "session already authenticated"))
	}
	payload, err := decode[authenticatePayload](request)
	if err != nil {
		return fail(err)
	}
	if payload.DisplayName == "" {
		return fail(newError(KindBadRequest, "displayName is required"))
	}
	if !secretMatches(payload.ServerSecret, h.config.ServerSecret) {
		return fail(newError(KindUnauthorized, "invalid server secret"))
	}

	result := h.state.Connect(payload.DisplayName, session)
	clientID := result.Client.ID
	h.bindSession(session, clientID)

	if result.Client.Status == registry.StatusActive.String() {
		// A remembered identity skips the pending queue.
		session.setAuth(authActive, clientID, false)
		h.announceJoins(clientID, payload.DisplayName, result.RejoinedChannels)
		h.core.SyncClient(clientID)
	} else {
		session.setAuth(authPending, clientID, false)
		h.state.BroadcastToAdmins("pendingClient", pendingClientEvent{
			ClientID:    clientID,
			DisplayName: payload.DisplayName,
		})
	}

	return succeed(authenticateResult{
		ClientID: clientID,
		Token:    session.token,
		Status:   result.Client.Status,
		Channels: result.RejoinedChannels,
	})
}

func (h *Hub) handleAdminAuthenticate(session *Session, request *Request) outcome {
	if session.authState() != authNew {
		return fail(newError(KindConflict, "session already authenticated"))
	}
	payload, err := decode[adminAuthenticatePayload](request)
	if err != nil {
		return fail(err)
	}
	if payload.DisplayName == "" {
		return fail(newError(KindBadRequest, "displayName is required"))
	}
	if !secretMatches(payload.ServerSecret, h.config.ServerSecret) ||
		!secretMatches(payload.AdminSecret, h.config.AdminSecret) {
		return fail(newError(KindUnauthorized, "invalid secret"))
	}

	result := h.state.ConnectAdmin(payload.DisplayName, session)
	clientID := result.Client.ID
	h.bindSession(session, clientID)
	session.setAuth(authActive, clientID, true)
	h.announceJoins(clientID, payload.DisplayName, result.RejoinedChannels)

	return succeed(authenticateResult{
		ClientID: clientID,
		Token:    session.token,
		Status:   result.Client.Status,
		Admin:    true,
		Channels: result.RejoinedChannels,
	})
}

func (h *Hub) handleCreateTransport(session *Session, request *Request) outcome {
	payload, err := decode[createTransportPayload](request)
	if err != nil {
		return fail(err)
	}

	var direction worker.Direction
	switch payload.Direction {
	case "send":
		direction = worker.DirectionSend
	case "recv", "receive":
		direction = worker.DirectionRecv
	default:
		return fail(newError(KindBadRequest, "direction must be send or receive"))
	}

	clientID := session.boundClient()
	previousSend, previousRecv, err := h.state.Transports(clientID)
	if err != nil {
		return fail(err)
	}

	params, err := h.media.CreateTransport(direction)
	if err != nil {
		return fail(err)
	}

	if direction == worker.DirectionSend {
		err = h.state.SetTransports(clientID, params.ID, "")
	} else {
		err = h.state.SetTransports(clientID, "", params.ID)
	}
	if err != nil {
		h.media.CloseTransport(params.ID)
		return fail(err)
	}

	// Re-negotiation replaces the transport for this direction; the old
	// one would otherwise linger until the session closes.
	previous := previousSend
	if direction == worker.DirectionRecv {
		previous = previousRecv
	}
	if previous != "" {
		h.media.CloseTransport(previous)
	}

	return outcome{
		result:  params,
		discard: func() { h.media.CloseTransport(params.ID) },
	}
}

func (h *Hub) handleConnectTransport(request *Request) outcome {
	payload, err := decode[connectTransportPayload](request)
	if err != nil {
		return fail(err)
	}
	if err := h.media.ConnectTransport(payload.TransportID, payload.DTLSParameters); err != nil {
		return fail(err)
	}
	return succeed(nil)
}

func (h *Hub) handleProduce(session *Session, request *Request) outcome {
	payload, err := decode[producePayload](request)
	if err != nil {
		return fail(err)
	}
	clientID := session.boundClient()

	producerID, err := h.media.Produce(payload.TransportID, worker.ProduceParams{
		Kind:          payload.Kind,
		RTPParameters: payload.RTPParameters,
	})
	if err != nil {
		return fail(err)
	}

	if _, err := h.state.RegisterProducer(clientID, producerID); err != nil {
		// No speak right anywhere, or the client already has a producer:
		// the new stream must not exist at all.
		h.media.CloseProducer(producerID)
		return fail(err)
	}
	h.core.ProducerStarted(producerID)

	return outcome{
		result: produceResult{ProducerID: producerID},
		discard: func() {
			h.state.UnregisterProducer(producerID)
			h.media.CloseProducer(producerID)
		},
	}
}

func (h *Hub) handleConsume(session *Session, request *Request) outcome {
	payload, err := decode[consumePayload](request)
	if err != nil {
		return fail(err)
	}

	params, err := h.core.Consume(session.boundClient(), payload.TransportID, payload.ProducerID, payload.RTPCapabilities)
	if err != nil {
		return fail(err)
	}

	return outcome{
		result:  params,
		discard: func() { h.media.CloseConsumer(params.ID) },
	}
}

func (h *Hub) handleConsumerPause(session *Session, request *Request, paused bool) outcome {
	payload, err := decode[consumerPausePayload](request)
	if err != nil {
		return fail(err)
	}
	if err := h.core.SetConsumerPaused(session.boundClient(), payload.ProducerID, paused); err != nil {
		return fail(err)
	}
	return succeed(nil)
}

func (h *Hub) handleSpeaking(session *Session, request *Request) outcome {
	payload, err := decode[speakingPayload](request)
	if err != nil {
		return fail(err)
	}

	// Advisory: an unpermitted channel is ignored, not failed.
	if request.Event == "startSpeaking" {
		h.core.StartSpeaking(session.boundClient(), payload.ChannelID)
	} else {
		h.core.StopSpeaking(session.boundClient(), payload.ChannelID)
	}
	return succeed(nil)
}

func (h *Hub) handleChannelMute(session *Session, request *Request) outcome {
	payload, err := decode[channelMutePayload](request)
	if err != nil {
		return fail(err)
	}
	if err := h.state.SetChannelMute(session.boundClient(), payload.ChannelID, payload.Muted); err != nil {
		return fail(err)
	}
	return succeed(nil)
}

func (h *Hub) handleChannelVolume(session *Session, request *Request) outcome {
	payload, err := decode[channelVolumePayload](request)
	if err != nil {
		return fail(err)
	}
	if err := h.state.SetChannelVolume(session.boundClient(), payload.ChannelID, payload.Volume); err != nil {
		return fail(err)
	}
	return succeed(nil)
}

func (h *Hub) handleCreateChannel(request *Request) outcome {
	payload, err := decode[createChannelPayload](request)
	if err != nil {
		return fail(err)
	}
	if payload.Name == "" {
		return fail(newError(KindBadRequest, "name is required"))
	}

	snapshot, err := h.CreateChannel(payload.Name, payload.Description)
	if err != nil {
		return fail(err)
	}
	return succeed(snapshot)
}

func (h *Hub) handleUpdateChannel(request *Request) outcome {
	payload, err := decode[updateChannelPayload](request)
	if err != nil {
		return fail(err)
	}

	snapshot, err := h.UpdateChannel(payload.ChannelID, payload.Name, payload.Description)
	if err != nil {
		return fail(err)
	}
	return succeed(snapshot)
}

func (h *Hub) handleDeleteChannel(request *Request) outcome {
	payload, err := decode[deleteChannelPayload](request)
	if err != nil {
		return fail(err)
	}

	if err := h.DeleteChannel(payload.ChannelID); err != nil {
		return fail(err)
	}
	return succeed(nil)
}

func (h *Hub) handleAuthorizePending(request *Request) outcome {
	payload, err := decode[authorizePendingPayload](request)
	if err != nil {
		return fail(err)
	}

	if err := h.Authorize(payload.ClientID, payload.Channels, payload.Permissions); err != nil {
		return fail(err)
	}
	return succeed(nil)
}

func (h *Hub) handleRejectPending(request *Request) outcome {
	payload, err := decode[rejectPendingPayload](request)
	if err != nil {
		return fail(err)
	}

	if err := h.Reject(payload.ClientID); err != nil {
		return fail(err)
	}
	return succeed(nil)
}

func (h *Hub) handleUpdatePermissions(request *Request) outcome {
	payload, err := decode[updatePermissionsPayload](request)
	if err != nil {
		return fail(err)
	}

	if err := h.state.UpdatePermissions(payload.ClientID, payload.Permissions); err != nil {
		return fail(err)
	}
	h.core.SyncClient(payload.ClientID)
	return succeed(nil)
}

func (h *Hub) handleAddToChannel(request *Request) outcome {
	payload, err := decode[channelMembershipPayload](request)
	if err != nil {
		return fail(err)
	}

	joined, err := h.state.AddToChannel(payload.ClientID, payload.ChannelID)
	if err != nil {
		return fail(err)
	}
	if joined {
		client, _ := h.state.GetClient(payload.ClientID)
		h.announceJoins(payload.ClientID, client.DisplayName, []string{payload.ChannelID})
		h.core.SyncClient(payload.ClientID)
	}
	return succeed(nil)
}

func (h *Hub) handleRemoveFromChannel(request *Request) outcome {
	payload, err := decode[channelMembershipPayload](request)
	if err != nil {
		return fail(err)
	}

	left, err := h.state.RemoveFromChannel(payload.ClientID, payload.ChannelID)
	if err != nil {
		return fail(err)
	}
	if left {
		client, _ := h.state.GetClient(payload.ClientID)
		h.state.BroadcastToChannel(payload.ChannelID, false, "clientLeftChannel", membershipEvent{
			ClientID:    payload.ClientID,
			DisplayName: client.DisplayName,
			ChannelID:   payload.ChannelID,
		})
		h.core.SyncClient(payload.ClientID)
	}
	return succeed(nil)
}

// announceJoins fans out clientJoinedChannel for each channel. The new
// member is among the recipients, which doubles as its confirmation.
func (h *Hub) announceJoins(clientID, displayName string, channels []string) {
	for _, channelID := range channels {
		h.state.BroadcastToChannel(channelID, false, "clientJoinedChannel", membershipEvent{
			ClientID:    clientID,
			DisplayName: displayName,
			ChannelID:   channelID,
		})
	}
}
