package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/vfs"
)

func TestShareTable_ShareThenClaim(t *testing.T) {
	t.Parallel()

	s := NewShareTable()
	th := sched.NewThread(1, nil, 0, 64)

	f := &vfs.File{}
	s.Share(42, f)

	got, err := s.Claim(th, 42, time.Second)
	require.NoError(t, err)
	assert.Same(t, f, got)
}

func TestShareTable_ClaimBeforeShareBlocksThenWakes(t *testing.T) {
	t.Parallel()

	s := NewShareTable()
	th := sched.NewThread(1, nil, 0, 64)

	f := &vfs.File{}
	done := make(chan *vfs.File, 1)
	errs := make(chan error, 1)

	go func() {
		got, err := s.Claim(th, 7, time.Second)
		done <- got
		errs <- err
	}()

	waitUntilBlocked(t, th)

	s.Share(7, f)

	select {
	case got := <-done:
		assert.Same(t, f, got)
		assert.NoError(t, <-errs)
	case <-time.After(time.Second):
		t.Fatal("claim never returned")
	}
}

func TestShareTable_ClaimTimesOut(t *testing.T) {
	t.Parallel()

	s := NewShareTable()
	th := sched.NewThread(1, nil, 0, 64)

	_, err := s.Claim(th, 99, 10*time.Millisecond)
	assert.ErrorIs(t, err, errno.ETIMEDOUT)
}

func TestShareTable_ClaimConsumesShareOnce(t *testing.T) {
	t.Parallel()

	s := NewShareTable()
	th := sched.NewThread(1, nil, 0, 64)

	f := &vfs.File{}
	s.Share(5, f)

	_, err := s.Claim(th, 5, time.Second)
	require.NoError(t, err)

	_, err = s.Claim(th, 5, 10*time.Millisecond)
	assert.ErrorIs(t, err, errno.ETIMEDOUT)
}

func waitUntilBlocked(t *testing.T, th *sched.Thread) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if th.State() == sched.Blocked {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatal("thread never reached blocked state")
}
