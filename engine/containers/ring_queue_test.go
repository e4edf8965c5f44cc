package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingQueueFIFO(t *testing.T) {
	q := NewRingQueue[int](4)
	assert.True(t, q.IsEmpty())

	for i := 1; i <= 4; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	assert.True(t, q.IsFull())
	assert.Equal(t, 4, q.Len())

	for i := 1; i <= 4; i++ {
		v, err := q.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.True(t, q.IsEmpty())
}

func TestRingQueueBounds(t *testing.T) {
	q := NewRingQueue[string](1)
	require.NoError(t, q.Enqueue("a"))
	assert.ErrorIs(t, q.Enqueue("b"), ErrQueueFull)

	_, err := q.Dequeue()
	require.NoError(t, err)
	_, err = q.Dequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
	_, err = q.Peek()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestRingQueueWrapsAround(t *testing.T) {
	q := NewRingQueue[int](3)
	for round := 0; round < 5; round++ {
		require.NoError(t, q.Enqueue(round))
		require.NoError(t, q.Enqueue(round+100))
		v, err := q.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, round, v)
		v, err = q.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, round+100, v)
	}
}

func TestRingQueuePeekDoesNotConsume(t *testing.T) {
	q := NewRingQueue[int](2)
	require.NoError(t, q.Enqueue(7))
	v, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, q.Len())
}
