package worker

// Event is a closure notification from the media stack. The routing
// core drains these and reconciles registry state accordingly.
type Event interface {
	isWorkerEvent()
}

// TransportClosedEvent fires after a transport and everything on it has
// been torn down, whether by request or by ICE failure.
type TransportClosedEvent struct {
	TransportID string
	ProducerIDs []string
	ConsumerIDs []string
}

// ProducerClosedEvent fires when an incoming stream ends.
type ProducerClosedEvent struct {
	ProducerID string
}

// ConsumerClosedEvent fires when a relay leg is torn down.
type ConsumerClosedEvent struct {
	ConsumerID  string
	ProducerID  string
	TransportID string
}

func (TransportClosedEvent) isWorkerEvent() {}
func (ProducerClosedEvent) isWorkerEvent()  {}
func (ConsumerClosedEvent) isWorkerEvent()  {}
