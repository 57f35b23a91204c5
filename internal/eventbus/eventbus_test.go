package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: "job.started", Data: "cleanup"})
	select {
	case e := <-ch:
		if e.Type != "job.started" || e.Data != "cleanup" {
			t.Errorf("got event %+v", e)
		}
		if e.Time.IsZero() {
			t.Error("Publish did not stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"}) // buffer full: dropped

	if e := <-ch; e.Type != "one" {
		t.Errorf("first event = %q, want one", e.Type)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected second event %q", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent
	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: "after"}) // must not panic
}

func TestMultipleSubscribers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(1)
	ch2, unsub2 := b.Subscribe(1)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: "fanout"})
	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "fanout" {
				t.Errorf("subscriber %d got %q", i, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}
