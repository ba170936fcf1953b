package pipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/vfs"
)

func TestEventStream_PublishDeliversToSubscriber(t *testing.T) {
	t.Parallel()

	es := NewEventStream()
	ops := es.Subscribe(4)

	es.Publish([]byte("cpu0:ready"))

	buf := make([]byte, 32)
	n, err := ops.Read(nil, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "cpu0:ready", string(buf[:n]))
}

func TestEventStream_ReadEmptyIsEAGAIN(t *testing.T) {
	t.Parallel()

	es := NewEventStream()
	ops := es.Subscribe(4)

	_, err := ops.Read(nil, make([]byte, 8), 0)
	assert.ErrorIs(t, err, errno.EAGAIN)
}

func TestEventStream_BroadcastsToEverySubscriber(t *testing.T) {
	t.Parallel()

	es := NewEventStream()
	a := es.Subscribe(4)
	b := es.Subscribe(4)

	es.Publish([]byte("x"))

	for _, ops := range []*vfs.Ops{a, b} {
		buf := make([]byte, 4)
		n, err := ops.Read(nil, buf, 0)
		require.NoError(t, err)
		assert.Equal(t, "x", string(buf[:n]))
	}
}

func TestEventStream_DropsOldestWhenSlowSubscriberFalledBehind(t *testing.T) {
	t.Parallel()

	es := NewEventStream()
	ops := es.Subscribe(2)

	es.Publish([]byte("1"))
	es.Publish([]byte("2"))
	es.Publish([]byte("3")) // subscriber capacity is 2, "1" is dropped

	buf := make([]byte, 4)

	n, _ := ops.Read(nil, buf, 0)
	assert.Equal(t, "2", string(buf[:n]))

	n, _ = ops.Read(nil, buf, 0)
	assert.Equal(t, "3", string(buf[:n]))
}

func TestEventStream_CloseRemovesSubscriber(t *testing.T) {
	t.Parallel()

	es := NewEventStream()
	ops := es.Subscribe(4)

	require.NoError(t, ops.Close(nil))
	assert.Empty(t, es.subscribers)

	es.Publish([]byte("after-close")) // must not panic touching a removed subscriber
}

func TestEventStream_PollReportsReadiness(t *testing.T) {
	t.Parallel()

	es := NewEventStream()
	ops := es.Subscribe(4)

	q, ready := ops.Poll(nil, vfs.PollIn)
	assert.NotNil(t, q)
	assert.Zero(t, ready)

	es.Publish([]byte("e"))

	q, ready = ops.Poll(nil, vfs.PollIn)
	assert.Nil(t, q)
	assert.Equal(t, vfs.PollIn, ready)
}
