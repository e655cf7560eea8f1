// koban/notify/notify_test.go
package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func recvEvent(t *testing.T, ch chan []byte) Event {
	t.Helper()
	select {
	case data := <-ch:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Failed to decode event: %v", err)
		}
		return ev
	default:
		t.Fatal("Expected a buffered event, channel was empty")
		return Event{}
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	ch, cancel := bus.Subscribe("b")
	defer cancel()
	other, cancelOther := bus.Subscribe("g")
	defer cancelOther()

	bus.Publish(Event{Type: ThreadCreated, BoardID: "b", ThreadID: 1})

	ev := recvEvent(t, ch)
	if ev.Type != ThreadCreated || ev.BoardID != "b" || ev.ThreadID != 1 {
		t.Errorf("Unexpected event: %+v", ev)
	}

	select {
	case <-other:
		t.Error("Subscriber to another board must not receive the event")
	default:
	}
}

func TestBusWildcardSubscriber(t *testing.T) {
	bus := newTestBus()

	all, cancel := bus.Subscribe("")
	defer cancel()

	bus.Publish(Event{Type: PostCreated, BoardID: "b", ThreadID: 1, PostID: 2})
	bus.Publish(Event{Type: ThreadRetired, BoardID: "g", ThreadID: 9})

	first := recvEvent(t, all)
	second := recvEvent(t, all)
	if first.BoardID != "b" || second.BoardID != "g" {
		t.Errorf("Wildcard subscriber should see both boards, got %q then %q",
			first.BoardID, second.BoardID)
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := newTestBus()

	ch, cancel := bus.Subscribe("b")
	defer cancel()

	// Overfill the subscriber buffer; publishing must not block.
	for i := 0; i < cap(ch)+10; i++ {
		bus.Publish(Event{Type: PostCreated, BoardID: "b", ThreadID: 1, PostID: int64(i)})
	}
	if len(ch) != cap(ch) {
		t.Errorf("Buffered %d events, want a full channel of %d", len(ch), cap(ch))
	}
}

func TestBusPublishAll(t *testing.T) {
	bus := newTestBus()

	ch, cancel := bus.Subscribe("b")
	defer cancel()

	outbox := []Event{
		{Type: ThreadRetired, BoardID: "b", ThreadID: 3},
		{Type: ThreadCreated, BoardID: "b", ThreadID: 4},
	}
	bus.PublishAll(outbox)

	if got := recvEvent(t, ch); got.Type != ThreadRetired {
		t.Errorf("First drained event = %q, want %q", got.Type, ThreadRetired)
	}
	if got := recvEvent(t, ch); got.Type != ThreadCreated {
		t.Errorf("Second drained event = %q, want %q", got.Type, ThreadCreated)
	}
}

func TestBusCancelRemovesSubscriber(t *testing.T) {
	bus := newTestBus()

	_, cancel := bus.Subscribe("b")
	cancel()

	// Publishing to a cancelled subscriber must not panic on the closed channel.
	bus.Publish(Event{Type: ThreadCreated, BoardID: "b", ThreadID: 1})
}
