package ioring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSqe_MarshalRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewSqe(OpRead, FlagLink, 0xdeadbeef)
	s.Arg0, s.Arg1, s.Arg2, s.Arg3 = 3, 7, 64, IOOffCur

	b, err := s.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, SqeSize)

	var got Sqe

	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, s, got)
}

func TestCqe_MarshalRoundTrip(t *testing.T) {
	t.Parallel()

	c := Cqe{Op: OpWrite, UserData: 42, Result: 5}

	b, err := c.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, CqeSize)

	var got Cqe

	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, c, got)
}

func TestSqe_LoadSaveRegisterRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewSqe(OpNop, 0, 0)

	_, ok := s.LoadRegister(2)
	assert.False(t, ok, "default slot has no register")

	s.SetLoadRegister(2, 5)

	reg, ok := s.LoadRegister(2)
	require.True(t, ok)
	assert.Equal(t, 5, reg)

	// setting one slot must not disturb its neighbors
	_, ok = s.LoadRegister(1)
	assert.False(t, ok)
	_, ok = s.LoadRegister(3)
	assert.False(t, ok)

	s.SetSaveRegister(6)

	reg, ok = s.SaveRegister()
	require.True(t, ok)
	assert.Equal(t, 6, reg)
}
