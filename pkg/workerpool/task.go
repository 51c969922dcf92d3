package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Task represents a unit of work
type Task struct {
	ID      string                          // Unique task identifier
	Fn      func(ctx context.Context) error // Task function
	Ctx     context.Context                 // Task context for cancellation
	Created time.Time                       // Task creation timestamp

	// done is called exactly once with the task outcome
	done func(error)
}

var taskCounter atomic.Uint64

func generateTaskID() string {
	id := taskCounter.Add(1)
	return fmt.Sprintf("task-%d", id)
}

func newTask(ctx context.Context, fn func(ctx context.Context) error, done func(error)) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Task{
		ID:      generateTaskID(),
		Fn:      fn,
		Ctx:     ctx,
		Created: time.Now(),
		done:    done,
	}
}
