package eventbus

import "testing"

func TestPublishDropsForSlowSubscribers(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeCycle, Data: 1})
	b.Publish(Event{Type: TypeCycle, Data: 2})

	e := <-ch
	if e.Data != 1 || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %+v", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: TypeOutcome})
}
