package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

func TestDeliveryQueue_FIFO(t *testing.T) {
	q := NewDeliveryQueue("c1", 16)
	for i := 1; i <= 10; i++ {
		require.NoError(t, q.Enqueue(&protocol.Envelope{Seq: uint64(i)}))
	}
	assert.Equal(t, 10, q.Len())
	assert.Equal(t, 16, q.Cap())

	ctx, cancel := context.WithCancel(context.Background())
	var got []uint64
	err := q.Drain(ctx, func(env *protocol.Envelope) error {
		got = append(got, env.Seq)
		if len(got) == 10 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

func TestDeliveryQueue_Full(t *testing.T) {
	q := NewDeliveryQueue("c1", 2)
	require.NoError(t, q.Enqueue(&protocol.Envelope{Seq: 1}))
	require.NoError(t, q.Enqueue(&protocol.Envelope{Seq: 2}))

	err := q.Enqueue(&protocol.Envelope{Seq: 3})
	assert.ErrorIs(t, err, merr.ErrConnQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestDeliveryQueue_Closed(t *testing.T) {
	q := NewDeliveryQueue("c1", 2)
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Enqueue(&protocol.Envelope{}), merr.ErrConnClosed)
	err := q.Drain(context.Background(), func(*protocol.Envelope) error { return nil })
	assert.ErrorIs(t, err, merr.ErrConnClosed)
}

func TestDeliveryQueue_CancelStopsImmediately(t *testing.T) {
	q := NewDeliveryQueue("c1", 8)
	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(&protocol.Envelope{}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	drained := 0
	err := q.Drain(ctx, func(*protocol.Envelope) error {
		drained++
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, drained)
	assert.Equal(t, 7, q.Len())
}

func TestDeliveryQueue_SingleDrainer(t *testing.T) {
	q := NewDeliveryQueue("c1", 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Drain(ctx, func(*protocol.Envelope) error {
			close(started)
			return nil
		})
	}()
	require.NoError(t, q.Enqueue(&protocol.Envelope{}))
	<-started

	err := q.Drain(ctx, func(*protocol.Envelope) error { return nil })
	assert.ErrorIs(t, err, merr.ErrConnDrainBusy)

	cancel()
	wg.Wait()
}

func TestDeliveryQueue_ConcurrentEnqueue(t *testing.T) {
	const producers, perProducer = 8, 100
	q := NewDeliveryQueue("c1", producers*perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, q.Enqueue(&protocol.Envelope{}))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, producers*perProducer, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n := 0
	_ = q.Drain(ctx, func(*protocol.Envelope) error {
		n++
		if n == producers*perProducer {
			q.Close()
		}
		return nil
	})
	assert.Equal(t, producers*perProducer, n)
}
