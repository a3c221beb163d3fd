package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func note(event string) Notification {
	return Notification{Event: event, Timestamp: time.Now()}
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	agents := b.Subscribe("agent:")
	defer b.Unsubscribe(agents)
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.Notify(AgentRoom("a1"), note(EventAgentHeartbeat))
	b.Notify(RoomDashboard, note(EventTaskCreated))

	if ev := recv(t, agents); ev.Room != "agent:a1" || ev.Notification.Event != EventAgentHeartbeat {
		t.Fatalf("unexpected event %+v", ev)
	}
	expectNone(t, agents)
	recv(t, all)
	recv(t, all)
}

func TestBus_ExactRooms(t *testing.T) {
	b := New()
	sub := b.SubscribeRooms(TaskRoom("t1"))
	defer b.Unsubscribe(sub)

	b.Notify(TaskRoom("t10"), note(EventTaskUpdated))
	expectNone(t, sub)

	b.Notify(TaskRoom("t1"), note(EventTaskUpdated))
	recv(t, sub)

	sub.Join(RoomDashboard, ConversationRoom("c1"))
	if got := sub.Rooms(); len(got) != 3 || got[0] != "conversation:c1" || got[1] != "dashboard" {
		t.Fatalf("rooms = %v", got)
	}
	sub.Leave(TaskRoom("t1"))
	b.Notify(TaskRoom("t1"), note(EventTaskUpdated))
	expectNone(t, sub)
	b.Notify(RoomDashboard, note(EventSystemAlert))
	if ev := recv(t, sub); ev.Notification.Event != EventSystemAlert {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestBus_NonBlockingCountsDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Notify(RoomDashboard, note(EventTaskCreated))
	}
	if len(sub.Ch()) != defaultBufferSize {
		t.Fatalf("buffered %d events, want %d", len(sub.Ch()), defaultBufferSize)
	}
	if b.Dropped() != 10 {
		t.Fatalf("dropped = %d, want 10", b.Dropped())
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_SubscribeContextRemovesOnCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.SubscribeContext(ctx, "")
	cancel()
	deadline := time.Now().Add(time.Second)
	for b.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_ConcurrentNotify(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines, perGoroutine = 10, 5
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Notify(RoomDashboard, note(EventAgentHeartbeat))
			}
		}()
	}
	wg.Wait()
	if got := len(sub.Ch()); got != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", got, goroutines*perGoroutine)
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	var n Notifier = &r
	n.Notify(TaskRoom("t"), note(EventTaskCreated))
	n.Notify(RoomDashboard, note(EventTaskAssigned))
	if len(r.Events()) != 2 || len(r.Named(EventTaskAssigned)) != 1 {
		t.Fatalf("unexpected recording %+v", r.Events())
	}
	r.Reset()
	if len(r.Events()) != 0 {
		t.Fatal("reset did not clear")
	}
	Nop{}.Notify(RoomDashboard, note(EventSystemAlert))
}
