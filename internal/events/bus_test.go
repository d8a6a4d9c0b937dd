package events

import (
	"testing"
	"time"
)

func TestPublishSubscribeAll(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe("")
	defer unsub()

	bus.Publish(NewEvent(TaskStarted, "run1", "a", nil))

	select {
	case ev := <-ch:
		if ev.Type != TaskStarted || ev.RunID != "run1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeFiltersByRunID(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe("run1")
	defer unsub()

	bus.Publish(NewEvent(TaskStarted, "run2", "a", nil))
	bus.Publish(NewEvent(TaskStarted, "run1", "b", nil))

	select {
	case ev := <-ch:
		if ev.RunID != "run1" {
			t.Fatalf("expected run1 event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestULIDsAreSortableByTime(t *testing.T) {
	e1 := NewEvent(TaskStarted, "r", "a", nil)
	time.Sleep(2 * time.Millisecond)
	e2 := NewEvent(TaskCompleted, "r", "a", nil)
	if e1.ID >= e2.ID {
		t.Fatalf("expected e1.ID < e2.ID lexically, got %s >= %s", e1.ID, e2.ID)
	}
}

func TestToWireMapsSeverity(t *testing.T) {
	ev := NewEvent(TaskCompleted, "run1", "a", map[string]any{"name": "build", "outcome": "failed"})
	wire := ToWire(ev)
	if wire.Severity != "error" {
		t.Fatalf("expected error severity for failed outcome, got %s", wire.Severity)
	}
	if wire.Type != "ci_task_completed" {
		t.Fatalf("unexpected wire type: %s", wire.Type)
	}
}
