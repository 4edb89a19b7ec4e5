package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMempoolGetRelease(t *testing.T) {
	pool := NewMempool(2, 64)
	assert.Equal(t, 2, pool.Free())

	a, err := pool.Get([]byte{1, 2, 3}, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, a.Data())
	assert.Equal(t, int64(10), a.Timestamp())
	assert.Equal(t, 1, pool.Free())

	b, err := pool.Get([]byte{4}, 11)
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Free())

	_, err = pool.Get([]byte{5}, 12)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, uint64(1), pool.Exhausted())

	a.Release()
	b.Release()
	assert.Equal(t, 2, pool.Free())
}

func TestMbufClone(t *testing.T) {
	pool := NewMempool(1, 64)
	a, err := pool.Get([]byte{1}, 0)
	require.NoError(t, err)

	b := a.Clone()
	assert.Equal(t, int32(2), a.Refs())
	a.Release()
	assert.Equal(t, 0, pool.Free(), "buffer must stay out of the pool while referenced")
	b.Release()
	assert.Equal(t, 1, pool.Free())
}

func TestMempoolTruncates(t *testing.T) {
	pool := NewMempool(1, 4)
	long := []byte{1, 2, 3, 4, 5, 6}
	a, err := pool.Get(long, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, a.Len())
	assert.Equal(t, 6, a.WireLen())
	a.Release()
}
