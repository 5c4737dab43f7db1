package common_test

import (
	"testing"
	"time"

	"github.com/stagewire/stagewire/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_ProcessesTasksInOrder(t *testing.T) {
	received := make(chan int, 16)
	w := common.StartWorker(common.WorkerConfig[int]{
		QueueSize: 16,
		Timeout:   time.Minute,
		OnTask:    func(task int) { received <- task },
	})
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Send(i))
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, <-received)
	}
}

func TestWorker_SendAfterStop(t *testing.T) {
	w := common.StartWorker(common.WorkerConfig[int]{
		QueueSize: 1,
		Timeout:   time.Minute,
		OnTask:    func(int) {},
	})

	w.Stop()
	w.Stop() // idempotent

	assert.ErrorIs(t, w.Send(1), common.ErrWorkerClosed)
}

func TestWorker_TooBusy(t *testing.T) {
	block := make(chan struct{})
	w := common.StartWorker(common.WorkerConfig[int]{
		QueueSize: 1,
		Timeout:   time.Minute,
		OnTask:    func(int) { <-block },
	})
	defer close(block)
	defer w.Stop()

	// First task may start executing, second fills the queue; after that
	// the worker must report backpressure rather than block.
	_ = w.Send(1)
	_ = w.Send(2)
	err := w.Send(3)
	if err == nil {
		err = w.Send(4)
	}
	assert.ErrorIs(t, err, common.ErrWorkerTooBusy)
}

func TestWorker_OnIdle(t *testing.T) {
	idle := make(chan struct{}, 1)
	w := common.StartWorker(common.WorkerConfig[int]{
		QueueSize: 1,
		Timeout:   10 * time.Millisecond,
		OnIdle: func() {
			select {
			case idle <- struct{}{}:
			default:
			}
		},
		OnTask: func(int) {},
	})
	defer w.Stop()

	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback never fired")
	}
}
