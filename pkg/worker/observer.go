package worker

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// ProducerVolume is one producer's loudness in dBov (0 is digital full
// scale, -127 is silence).
type ProducerVolume struct {
	ProducerID string `json:"producerId"`
	Volume     int    `json:"volume"`
}

// VolumeEvent reports who is speaking, loudest first. An empty Volumes
// slice means everyone went quiet.
type VolumeEvent struct {
	Volumes []ProducerVolume `json:"volumes"`
}

type observation struct {
	// Loudest level seen in the current window, as the RFC 6464 value
	// (0..127, equal to -dBov; smaller is louder).
	level uint8
	seen  bool
}

// speakerObserver samples per-producer audio levels on a fixed interval
// and turns them into a stream of volume events. Producers feed it from
// their RTP loops; a single goroutine does the aggregation.
type speakerObserver struct {
	threshold int
	interval  time.Duration

	mutex   sync.Mutex
	current map[string]*observation

	events    chan VolumeEvent
	stop      chan struct{}
	stopOnce  sync.Once
	wasActive bool
}

func newSpeakerObserver(threshold int, interval time.Duration) *speakerObserver {
	if threshold == 0 {
		threshold = -70
	}
	if interval == 0 {
		interval = 800 * time.Millisecond
	}

	observer := &speakerObserver{
		threshold: threshold,
		interval:  interval,
		current:   make(map[string]*observation),
		events:    make(chan VolumeEvent, 16),
		stop:      make(chan struct{}),
	}
	go observer.run()
	return observer
}

func (o *speakerObserver) Events() <-chan VolumeEvent {
	return o.events
}

// observe records one packet's level. Called from producer RTP loops.
func (o *speakerObserver) observe(producerID string, level uint8) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	entry, ok := o.current[producerID]
	if !ok {
		entry = &observation{level: level}
		o.current[producerID] = entry
	}
	if !entry.seen || level < entry.level {
		entry.level = level
	}
	entry.seen = true
}

// forget drops a producer from the sampling window, so a closed or
// paused producer can't linger in the next event.
func (o *speakerObserver) forget(producerID string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	delete(o.current, producerID)
}

func (o *speakerObserver) Close() {
	o.stopOnce.Do(func() { close(o.stop) })
}

func (o *speakerObserver) run() {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			if event, emit := o.sample(); emit {
				select {
				case o.events <- event:
				default:
					// A slow consumer loses a sample, never blocks RTP.
				}
			}
		}
	}
}

// sample closes the current window: producers that were heard above the
// threshold become the event, everyone's window resets. Silence is
// reported once per transition, not on every quiet tick.
func (o *speakerObserver) sample() (VolumeEvent, bool) {
	o.mutex.Lock()
	var volumes []ProducerVolume
	for producerID, entry := range o.current {
		if !entry.seen {
			delete(o.current, producerID)
			continue
		}
		if volume := -int(entry.level); volume >= o.threshold {
			volumes = append(volumes, ProducerVolume{ProducerID: producerID, Volume: volume})
		}
		entry.seen = false
	}
	o.mutex.Unlock()

	// Loudest first, id as tie-breaker so the order is stable.
	slices.SortFunc(volumes, func(a, b ProducerVolume) bool {
		if a.Volume != b.Volume {
			return a.Volume > b.Volume
		}
		return a.ProducerID < b.ProducerID
	})

	active := len(volumes) > 0
	emit := active || o.wasActive
	o.wasActive = active
	return VolumeEvent{Volumes: volumes}, emit
}
