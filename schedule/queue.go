package schedule

import (
	"container/heap"
	"time"

	"github.com/teranos/sluice/coordinator"
)

// readyQueue orders a job's dispatchable tasks by sequence number.
type readyQueue []coordinator.Task

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return q[i].Seq < q[j].Seq }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)        { *q = append(*q, x.(coordinator.Task)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	*q = old[:n-1]
	return t
}

func (q *readyQueue) push(t coordinator.Task) { heap.Push(q, t) }
func (q *readyQueue) pop() coordinator.Task   { return heap.Pop(q).(coordinator.Task) }
func (q readyQueue) peek() coordinator.Task   { return q[0] }

type delayed struct {
	task    coordinator.Task
	readyAt time.Time
}

// delayQueue holds retries until their backoff elapses, earliest first.
type delayQueue []delayed

func (q delayQueue) Len() int { return len(q) }
func (q delayQueue) Less(i, j int) bool {
	if q[i].readyAt.Equal(q[j].readyAt) {
		return q[i].task.Seq < q[j].task.Seq
	}
	return q[i].readyAt.Before(q[j].readyAt)
}
func (q delayQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *delayQueue) Push(x any)   { *q = append(*q, x.(delayed)) }
func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	d := old[n-1]
	*q = old[:n-1]
	return d
}

func (q *delayQueue) push(t coordinator.Task, at time.Time) { heap.Push(q, delayed{task: t, readyAt: at}) }
func (q *delayQueue) pop() coordinator.Task                 { return heap.Pop(q).(delayed).task }
func (q delayQueue) peek() delayed                          { return q[0] }
