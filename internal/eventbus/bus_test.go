package eventbus

import "testing"

func TestPublishFanOutAndDrop(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: DeliverySent})
	b.Publish(Event{Type: DeliveryFailed}) // dropped for a (buffer 1)

	if e := <-a; e.Type != DeliverySent || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
	if len(c) != 2 {
		t.Fatalf("c buffered %d events, want 2", len(c))
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: DeliverySent})
	if _, ok := <-a; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
}
