package orchestrator

import "github.com/google/uuid"

// fifo is an ordered queue of execution ids for one priority class.
type fifo struct {
	ids []uuid.UUID
}

func (q *fifo) push(id uuid.UUID) {
	q.ids = append(q.ids, id)
}

// pushFront returns id to the head of the queue, used when a dispatch is
// rolled back so FIFO order holds.
func (q *fifo) pushFront(id uuid.UUID) {
	q.ids = append([]uuid.UUID{id}, q.ids...)
}

func (q *fifo) peek() (uuid.UUID, bool) {
	if len(q.ids) == 0 {
		return uuid.Nil, false
	}
	return q.ids[0], true
}

func (q *fifo) pop() (uuid.UUID, bool) {
	if len(q.ids) == 0 {
		return uuid.Nil, false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true
}

// remove deletes id from the queue, preserving order.
func (q *fifo) remove(id uuid.UUID) bool {
	for i, v := range q.ids {
		if v == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

func (q *fifo) len() int {
	return len(q.ids)
}
