package pool

import (
	"container/heap"
	"time"

	"github.com/krater-dev/krater/executor"
)

// queued is a job waiting for a free unit, together with everything
// needed to resolve it later.
type queued struct {
	job        executor.Job
	sink       executor.Sink
	result     chan error
	stuckAfter time.Duration

	seq   uint64
	index int
}

// jobQueue orders pending jobs by priority band, then by submission
// order within a band. The sequence number breaks ties so two jobs of
// equal priority never reorder.
type jobQueue []*queued

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].job.Priority != q[j].job.Priority {
		return q[i].job.Priority > q[j].job.Priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	item := x.(*queued)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

func (q *jobQueue) push(item *queued) { heap.Push(q, item) }

func (q *jobQueue) pop() *queued {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*queued)
}

// remove takes the job with the given id out of the queue, if present.
func (q *jobQueue) remove(jobID string) *queued {
	for _, item := range *q {
		if item.job.ID == jobID {
			heap.Remove(q, item.index)
			return item
		}
	}
	return nil
}
