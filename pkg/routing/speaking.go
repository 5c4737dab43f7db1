package routing

import (
	"github.com/sirupsen/logrus"
	"github.com/stagewire/stagewire/pkg/common"
	"github.com/stagewire/stagewire/pkg/worker"
)

// speakerState tracks one currently speaking producer. The watchdog
// implements the hold-off: it re-arms on every volume event naming the
// producer and fires clientStoppedSpeaking once it stops being fed.
type speakerState struct {
	clientID string
	channels []string
	watchdog *common.Watchdog
}

// StartSpeaking opens a client's mic towards a channel. The producer is
// resumed once at least one channel is open. Advisory per the protocol:
// a request for a channel without speak right is ignored, not failed.
func (c *Core) StartSpeaking(clientID, channelID string) {
	producerID, err := c.state.ClientProducer(clientID)
	if err != nil || producerID == "" {
		return
	}
	if !c.state.MayProduceIn(clientID, channelID) {
		return
	}

	c.mutex.Lock()
	mics, ok := c.openMics[clientID]
	if !ok {
		mics = make(map[string]struct{})
		c.openMics[clientID] = mics
	}
	mics[channelID] = struct{}{}
	first := len(mics) == 1
	c.mutex.Unlock()

	if first {
		if err := c.media.ResumeProducer(producerID); err != nil {
			c.logger.WithError(err).WithField("client_id", clientID).Warn("resuming producer")
		}
	}
}

// StopSpeaking closes a client's mic towards a channel; the producer is
// paused again when no channel is left open.
func (c *Core) StopSpeaking(clientID, channelID string) {
	producerID, err := c.state.ClientProducer(clientID)
	if err != nil || producerID == "" {
		return
	}

	c.mutex.Lock()
	mics := c.openMics[clientID]
	delete(mics, channelID)
	last := len(mics) == 0
	c.mutex.Unlock()

	if last {
		if err := c.media.PauseProducer(producerID); err != nil {
			c.logger.WithError(err).WithField("client_id", clientID).Warn("pausing producer")
		}
	}
}

// HandleVolumes translates one observer sample into speaking events.
// Producers named in the event that weren't speaking get a
// clientSpeaking fan-out; ones that go missing long enough for their
// hold-off watchdog to expire get clientStoppedSpeaking.
func (c *Core) HandleVolumes(event worker.VolumeEvent) {
	for _, volume := range event.Volumes {
		producerID := volume.ProducerID

		c.mutex.Lock()
		state, known := c.speaking[producerID]
		c.mutex.Unlock()

		if known {
			state.watchdog.Notify()
			continue
		}

		clientID, err := c.state.ProducerOwner(producerID)
		if err != nil {
			continue
		}
		channels := c.state.ProducerChannels(producerID)

		state = &speakerState{clientID: clientID, channels: channels}
		state.watchdog = common.NewWatchdog(c.config.SpeakingHoldOff, func() {
			c.expireSpeaker(producerID)
		})

		c.mutex.Lock()
		c.speaking[producerID] = state
		c.mutex.Unlock()

		c.fanOutSpeaking("clientSpeaking", state)
		c.logger.WithFields(logrus.Fields{
			"client_id": clientID,
			"volume":    volume.Volume,
		}).Debug("client started speaking")
	}
}

// expireSpeaker is the watchdog callback: the hold-off elapsed without
// the producer showing up in a volume event.
func (c *Core) expireSpeaker(producerID string) {
	c.mutex.Lock()
	state, ok := c.speaking[producerID]
	delete(c.speaking, producerID)
	c.mutex.Unlock()
	if !ok {
		return
	}

	c.fanOutSpeaking("clientStoppedSpeaking", state)
	c.logger.WithField("client_id", state.clientID).Debug("client stopped speaking")
}

// stopSpeakingNow drops a producer's speaking state without waiting for
// the hold-off. Used when the producer is closed outright.
func (c *Core) stopSpeakingNow(producerID string) {
	c.mutex.Lock()
	state, ok := c.speaking[producerID]
	delete(c.speaking, producerID)
	c.mutex.Unlock()
	if !ok {
		return
	}

	state.watchdog.Close()
	c.fanOutSpeaking("clientStoppedSpeaking", state)
}

// Speaking events go to members that can actually hear the speaker.
func (c *Core) fanOutSpeaking(event string, state *speakerState) {
	for _, channelID := range state.channels {
		c.state.BroadcastToChannel(channelID, true, event, SpeakingPayload{
			ClientID:  state.clientID,
			ChannelID: channelID,
		})
	}
}
