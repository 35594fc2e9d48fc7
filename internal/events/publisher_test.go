package events

import (
	"sync"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	before := time.Now()
	event := NewEvent(EventTransitionApplied, "proj-1", "t_abc", TransitionData{TaskID: 7, ToStatus: "Done"})
	after := time.Now()

	if event.Type != EventTransitionApplied {
		t.Errorf("expected type %s, got %s", EventTransitionApplied, event.Type)
	}
	if event.ProjectID != "proj-1" || event.Namespace != "t_abc" {
		t.Errorf("unexpected identifiers %s/%s", event.ProjectID, event.Namespace)
	}
	if event.Time.Before(before) || event.Time.After(after) {
		t.Errorf("event time %v not between %v and %v", event.Time, before, after)
	}
}

func TestMemoryPublisher_PublishAndSubscribe(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("proj-1")
	pub.Publish(NewEvent(EventTaskArchived, "proj-1", "t_abc", TaskData{TaskID: 3}))

	select {
	case received := <-ch:
		if received.Type != EventTaskArchived {
			t.Errorf("expected type %s, got %s", EventTaskArchived, received.Type)
		}
		data, ok := received.Data.(TaskData)
		if !ok || data.TaskID != 3 {
			t.Errorf("unexpected data %#v", received.Data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestMemoryPublisher_ProjectIsolation(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch1 := pub.Subscribe("proj-1")
	ch2 := pub.Subscribe("proj-2")
	all := pub.Subscribe(AllProjects)

	pub.Publish(NewEvent(EventProjectCreated, "proj-1", "t_one", nil))

	select {
	case <-ch1:
	case <-time.After(100 * time.Millisecond):
		t.Error("proj-1 subscriber missed its event")
	}
	select {
	case e := <-ch2:
		t.Errorf("proj-2 subscriber received foreign event %v", e)
	case <-time.After(20 * time.Millisecond):
	}
	select {
	case <-all:
	case <-time.After(100 * time.Millisecond):
		t.Error("AllProjects subscriber missed the event")
	}
}

func TestMemoryPublisher_Unsubscribe(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("proj-1")
	if pub.SubscriberCount("proj-1") != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	pub.Unsubscribe("proj-1", ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if pub.ProjectCount() != 0 {
		t.Errorf("expected no projects with subscribers, got %d", pub.ProjectCount())
	}
}

func TestMemoryPublisher_Close(t *testing.T) {
	pub := NewMemoryPublisher()
	ch := pub.Subscribe("proj-1")
	pub.Close()
	pub.Close() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	late := pub.Subscribe("proj-1")
	if _, ok := <-late; ok {
		t.Error("subscribing after close should return a closed channel")
	}
	pub.Publish(NewEvent(EventProjectDeleted, "proj-1", "", nil))
}

func TestMemoryPublisher_NonBlockingPublish(t *testing.T) {
	pub := NewMemoryPublisher(WithBufferSize(1))
	defer pub.Close()

	ch := pub.Subscribe("proj-1")
	done := make(chan struct{})
	go func() {
		for range 10 {
			pub.Publish(NewEvent(EventTaskCreated, "proj-1", "", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("buffer holds %d events, want 1", len(ch))
	}
	if got := pub.Dropped(); got != 9 {
		t.Errorf("dropped = %d, want 9", got)
	}
}

func TestMemoryPublisher_TypeFilter(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	transitions := pub.Subscribe("proj-1", EventTransitionApplied)
	everything := pub.Subscribe("proj-1")

	pub.Publish(NewEvent(EventTaskCreated, "proj-1", "t_abc", TaskData{TaskID: 1}))
	pub.Publish(NewEvent(EventTransitionApplied, "proj-1", "t_abc", TransitionData{TaskID: 1, ToStatus: "Done"}))

	if len(transitions) != 1 {
		t.Fatalf("filtered subscriber holds %d events, want 1", len(transitions))
	}
	if e := <-transitions; e.Type != EventTransitionApplied {
		t.Errorf("filtered subscriber got %s", e.Type)
	}
	if len(everything) != 2 {
		t.Errorf("unfiltered subscriber holds %d events, want 2", len(everything))
	}
	if pub.Dropped() != 0 {
		t.Errorf("filtered-out events must not count as dropped")
	}
}

func TestMemoryPublisher_Concurrent(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := pub.Subscribe("proj-1")
			pub.Unsubscribe("proj-1", ch)
		}()
		go func() {
			defer wg.Done()
			pub.Publish(NewEvent(EventTaskCreated, "proj-1", "", nil))
		}()
	}
	wg.Wait()
}

func TestNopPublisher(t *testing.T) {
	pub := NewNopPublisher()
	ch := pub.Subscribe("proj-1")
	if _, ok := <-ch; ok {
		t.Error("nop subscription should be closed")
	}
	pub.Publish(NewEvent(EventTaskCreated, "proj-1", "", nil))
	pub.Unsubscribe("proj-1", ch)
	pub.Close()
}
