package signaling

import (
	"github.com/stagewire/stagewire/pkg/permission"
	"github.com/stagewire/stagewire/pkg/registry"
	"github.com/stagewire/stagewire/pkg/worker"
)

// Request payloads, named after the request they belong to.

type authenticatePayload struct {
	DisplayName  string `json:"displayName"`
	ServerSecret string `json:"serverSecret"`
}

type adminAuthenticatePayload struct {
	DisplayName  string `json:"displayName"`
	ServerSecret string `json:"serverSecret"`
	AdminSecret  string `json:"adminSecret"`
}

type createTransportPayload struct {
	Direction string `json:"direction"`
}

type connectTransportPayload struct {
	TransportID    string               `json:"transportId"`
	DTLSParameters worker.ConnectParams `json:"dtlsParameters"`
}

type producePayload struct {
	TransportID   string                       `json:"transportId"`
	Kind          string                       `json:"kind"`
	RTPParameters worker.ProducerRTPParameters `json:"rtpParameters"`
}

type consumePayload struct {
	TransportID     string                 `json:"transportId"`
	ProducerID      string                 `json:"producerId"`
	RTPCapabilities worker.RTPCapabilities `json:"rtpCapabilities"`
}

type consumerPausePayload struct {
	ProducerID string `json:"producerId"`
}

type speakingPayload struct {
	ChannelID string `json:"channelId"`
}

type channelMutePayload struct {
	ChannelID string `json:"channelId"`
	Muted     bool   `json:"muted"`
}

type channelVolumePayload struct {
	ChannelID string  `json:"channelId"`
	Volume    float64 `json:"volume"`
}

type createChannelPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateChannelPayload struct {
	ChannelID   string  `json:"channelId"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type deleteChannelPayload struct {
	ChannelID string `json:"channelId"`
}

type authorizePendingPayload struct {
	ClientID    string            `json:"clientId"`
	Channels    []string          `json:"channels"`
	Permissions permission.Matrix `json:"permissions"`
}

type rejectPendingPayload struct {
	ClientID string `json:"clientId"`
}

type updatePermissionsPayload struct {
	ClientID    string           `json:"clientId"`
	Permissions permission.Patch `json:"permissions"`
}

type channelMembershipPayload struct {
	ClientID  string `json:"clientId"`
	ChannelID string `json:"channelId"`
}

// Results.

type authenticateResult struct {
	ClientID string `json:"clientId"`
	Token    string `json:"token"`
	Status   string `json:"status"`
	Admin    bool   `json:"admin"`
	// Channels the client is (back) in; empty for fresh pending clients.
	Channels []string `json:"channels,omitempty"`
}

type produceResult struct {
	ProducerID string `json:"producerId"`
}

// Event payloads the hub fans out (the routing core has its own).

type pendingClientEvent struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
}

type authorizedEvent struct {
	Channels    []string          `json:"channels"`
	Permissions permission.Matrix `json:"permissions"`
}

type membershipEvent struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
	ChannelID   string `json:"channelId"`
}

type channelEvent struct {
	Channel registry.ChannelSnapshot `json:"channel"`
}

type channelDeletedEvent struct {
	ChannelID string `json:"channelId"`
}
