package events

import "testing"

func TestChannelSinkDeliversPublishedEvent(t *testing.T) {
	sink := NewChannelSink(1)
	sink.Publish(Event{Type: TypeEscrowReady, EscrowID: "e1", Data: EscrowReady{}})

	select {
	case got := <-sink.Events():
		if got.Type != TypeEscrowReady || got.EscrowID != "e1" {
			t.Errorf("Events() = %+v, want EscrowReady for e1", got)
		}
	default:
		t.Fatal("expected a buffered event, channel was empty")
	}
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	sink := NewChannelSink(1)
	sink.Publish(Event{Type: TypeEscrowReady, EscrowID: "e1"})
	sink.Publish(Event{Type: TypeEscrowFunded, EscrowID: "e2"}) // should be dropped, not block

	got := <-sink.Events()
	if got.EscrowID != "e1" {
		t.Errorf("first delivered event = %s, want e1", got.EscrowID)
	}
	select {
	case extra := <-sink.Events():
		t.Errorf("unexpected second event delivered: %+v", extra)
	default:
	}
}

type recordingSink struct {
	received []Event
}

func (r *recordingSink) Publish(e Event) {
	r.received = append(r.received, e)
}

func TestMultiSinkFansOutToEveryWrappedSink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	multi := MultiSink{a, b}

	multi.Publish(Event{Type: TypeEscrowCreated, EscrowID: "e1"})

	if len(a.received) != 1 || len(b.received) != 1 {
		t.Fatalf("a.received=%d b.received=%d, want 1 and 1", len(a.received), len(b.received))
	}
}
