package pool

import (
	"testing"

	"github.com/krater-dev/krater/executor"
)

func enqueue(q *jobQueue, id string, pri executor.Priority, seq uint64) {
	q.push(&queued{
		job: executor.Job{ID: id, Priority: pri},
		seq: seq,
	})
}

func TestQueuePopsHighestPriorityFirst(t *testing.T) {
	var q jobQueue
	enqueue(&q, "low", executor.PriorityLow, 1)
	enqueue(&q, "high", executor.PriorityHigh, 2)
	enqueue(&q, "normal", executor.PriorityNormal, 3)

	for _, want := range []string{"high", "normal", "low"} {
		got := q.pop()
		if got == nil || got.job.ID != want {
			t.Fatalf("pop = %v, want %s", got, want)
		}
	}
	if q.pop() != nil {
		t.Error("empty queue must pop nil")
	}
}

func TestQueueKeepsSubmissionOrderWithinBand(t *testing.T) {
	var q jobQueue
	enqueue(&q, "first", executor.PriorityNormal, 1)
	enqueue(&q, "second", executor.PriorityNormal, 2)
	enqueue(&q, "third", executor.PriorityNormal, 3)

	for _, want := range []string{"first", "second", "third"} {
		if got := q.pop(); got.job.ID != want {
			t.Fatalf("pop = %s, want %s", got.job.ID, want)
		}
	}
}

func TestQueueRemoveByID(t *testing.T) {
	var q jobQueue
	enqueue(&q, "a", executor.PriorityNormal, 1)
	enqueue(&q, "b", executor.PriorityNormal, 2)
	enqueue(&q, "c", executor.PriorityNormal, 3)

	if item := q.remove("b"); item == nil || item.job.ID != "b" {
		t.Fatalf("remove returned %v", item)
	}
	if item := q.remove("b"); item != nil {
		t.Error("second remove of same id must return nil")
	}

	for _, want := range []string{"a", "c"} {
		if got := q.pop(); got.job.ID != want {
			t.Fatalf("pop after remove = %s, want %s", got.job.ID, want)
		}
	}
}
