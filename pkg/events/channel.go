package events

import "github.com/duskmarket/escrowcore/pkg/logging"

// ChannelSink publishes onto a buffered channel for a single in-process
// consumer (tests, a CLI tailing events, an internal subscriber). A
// full buffer drops the event rather than blocking the publisher.
type ChannelSink struct {
	ch  chan Event
	log *logging.Logger
}

// NewChannelSink creates a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{
		ch:  make(chan Event, buffer),
		log: logging.GetDefault().Component("events"),
	}
}

// Events returns the channel to range over.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Publish implements Sink.
func (s *ChannelSink) Publish(e Event) {
	select {
	case s.ch <- e:
	default:
		s.log.Warn("event channel full, dropping event", "type", e.Type, "escrow_id", e.EscrowID)
	}
}

// Close releases the channel. Callers must stop publishing before
// calling Close.
func (s *ChannelSink) Close() {
	close(s.ch)
}

// MultiSink fans one Publish out to every wrapped Sink.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}
