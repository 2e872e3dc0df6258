package chat

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/4xmen/chatline/internal/models"
)

func TestTypingBurstEmitsOneStartAndOneStop(t *testing.T) {
	h := newHarness(t)
	h.mountAndJoin(t)

	h.session.Keystroke("c1")
	h.clock.Advance(500 * time.Millisecond)
	h.session.Keystroke("c1")
	h.clock.Advance(500 * time.Millisecond)
	h.session.Keystroke("c1")

	if got := h.socket.typingEvents(); !reflect.DeepEqual(got, []string{"start:c1"}) {
		t.Fatalf("events after burst = %v", got)
	}
	if n := h.clock.pending(); n != 1 {
		t.Fatalf("pending timers = %d, want 1", n)
	}

	h.clock.Advance(DefaultTypingIdle - time.Millisecond)
	if got := h.socket.typingEvents(); len(got) != 1 {
		t.Fatalf("stop sent before the idle period: %v", got)
	}

	h.clock.Advance(time.Millisecond)
	want := []string{"start:c1", "stop:c1"}
	if got := h.socket.typingEvents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	// a new burst starts again
	h.session.Keystroke("c1")
	if got := h.socket.typingEvents(); len(got) != 3 || got[2] != "start:c1" {
		t.Fatalf("events after second burst = %v", got)
	}
}

func TestTypingIsPerConversation(t *testing.T) {
	h := newHarness(t)
	h.mountAndJoin(t)

	h.session.Keystroke("c1")
	h.clock.Advance(time.Second)
	h.session.Keystroke("c2")
	h.clock.Advance(DefaultTypingIdle - time.Second)

	want := []string{"start:c1", "start:c2", "stop:c1"}
	if got := h.socket.typingEvents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestSuccessfulSendStopsTyping(t *testing.T) {
	h := newHarness(t)
	h.mountAndJoin(t)
	h.socket.send = func(conv, content string, _ models.MessageType) (models.WireMessage, error) {
		return wireMsg("srv-1", "u1", content), nil
	}

	h.session.Keystroke("c1")
	if _, err := h.session.SendMessage(context.Background(), "c1", "hi", models.MessageText); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	want := []string{"start:c1", "stop:c1"}
	if got := h.socket.typingEvents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	h.clock.Advance(DefaultTypingIdle)
	if got := h.socket.typingEvents(); len(got) != 2 {
		t.Fatalf("stale timer fired: %v", got)
	}
}

func TestUnmountCancelsTypingTimers(t *testing.T) {
	h := newHarness(t)
	h.mountAndJoin(t)

	h.session.Keystroke("c1")
	h.session.Keystroke("c2")
	if err := h.session.Unmount(); err != nil {
		t.Fatalf("Unmount returned error: %v", err)
	}
	if n := h.clock.pending(); n != 0 {
		t.Fatalf("pending timers after unmount = %d", n)
	}

	h.clock.Advance(time.Minute)
	if got := h.socket.typingEvents(); len(got) != 2 {
		t.Fatalf("events after unmount = %v", got)
	}

	h.session.Keystroke("c1")
	if got := h.socket.typingEvents(); len(got) != 2 {
		t.Fatalf("keystroke while unmounted emitted: %v", got)
	}
}

func TestTypingDebouncerStaleExpiry(t *testing.T) {
	clock := newFakeClock()
	var events []string
	d := newTypingDebouncer(clock, time.Second,
		func(id string) { events = append(events, "start:"+id) },
		func(id string) { events = append(events, "stop:"+id) },
	)

	d.Keystroke("c1")
	d.expire("c1", 0)
	if !d.Active("c1") {
		t.Fatal("expiry from an older generation ended the burst")
	}

	d.Stop("c1")
	d.Stop("c1")
	d.Forget("c2")
	want := []string{"start:c1", "stop:c1"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}
