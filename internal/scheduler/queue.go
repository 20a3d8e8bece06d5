package scheduler

// taskQueue is a container/heap ordered by priority (high first), then
// stage, then submission order.
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if pa, pb := a.Priority(), b.Priority(); pa != pb {
		return pa > pb
	}
	if a.key.Stage != b.key.Stage {
		return a.key.Stage < b.key.Stage
	}
	return a.seq < b.seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*Task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

func (q taskQueue) peek() *Task {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
