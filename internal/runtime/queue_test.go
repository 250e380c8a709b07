package runtime

import "testing"

func TestEventQueue_Coalescing(t *testing.T) {
	q := newEventQueue(10)
	q.push("t1")
	q.push("t2")
	q.push("t1") // moves t1 behind t2

	if got := q.len(); got != 2 {
		t.Fatalf("len: got %d, want 2", got)
	}
	first, _ := q.pop()
	second, _ := q.pop()
	if first != "t2" || second != "t1" {
		t.Fatalf("order: got [%s %s], want [t2 t1]", first, second)
	}
	if _, ok := q.pop(); ok {
		t.Fatalf("pop on empty queue returned an entry")
	}
}

func TestEventQueue_DropHead(t *testing.T) {
	q := newEventQueue(3)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		q.push(id)
	}
	if got := q.len(); got != 3 {
		t.Fatalf("len: got %d, want 3", got)
	}
	var got []string
	for {
		id, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, id)
	}
	want := []string{"c", "d", "e"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("survivors: got %v, want %v", got, want)
		}
	}
}

func TestEventQueue_MinimumCapacity(t *testing.T) {
	q := newEventQueue(0)
	q.push("a")
	q.push("b")
	if got := q.len(); got != 1 {
		t.Fatalf("len with capacity 1: got %d, want 1", got)
	}
	id, _ := q.pop()
	if id != "b" {
		t.Fatalf("survivor: got %s, want b", id)
	}
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue(10)
	q.push("a")
	q.close()
	if got := q.len(); got != 0 {
		t.Fatalf("len after close: got %d, want 0", got)
	}
	if q.push("b") {
		t.Fatalf("push after close succeeded")
	}
}
