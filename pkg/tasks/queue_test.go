package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueRunsInOrder(t *testing.T) {
	q := NewQueue(16)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Submit("step", func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
	}
	q.Close()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "serial worker preserves submission order")
}

func TestQueueSwallowsErrors(t *testing.T) {
	q := NewQueue(4)
	var ran atomic.Bool
	q.Submit("failing", func(ctx context.Context) error {
		return errors.New("boom")
	})
	q.Submit("after", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	q.Close()
	assert.True(t, ran.Load(), "a failed task does not stop the queue")
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q := NewQueue(4)
	q.Close()
	q.Submit("late", func(ctx context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	q.Close()
}
