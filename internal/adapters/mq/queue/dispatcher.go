package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Dispatcher hands encoded jobs to a Queue and returns a delivery handle.
type Dispatcher struct {
	q     Queue
	newID func() string
}

// NewDispatcher wraps q.
func NewDispatcher(q Queue) *Dispatcher {
	return &Dispatcher{q: q, newID: uuid.NewString}
}

// Enqueue pushes payload for taskID. The handle is unique per delivery.
func (d *Dispatcher) Enqueue(ctx context.Context, taskID string, payload []byte) (string, error) {
	if err := d.q.Enqueue(ctx, NewJob(taskID, payload, nil)); err != nil {
		return "", fmt.Errorf("enqueue task %s: %w", taskID, err)
	}
	return d.newID(), nil
}
