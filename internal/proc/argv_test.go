package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/errno"
)

func TestEncodeDecodeArgv_RoundTrip(t *testing.T) {
	t.Parallel()

	argv := []string{"/bin/init", "-v", "--root=/"}

	buf, err := EncodeArgv(argv)
	require.NoError(t, err)

	got, err := DecodeArgv(buf)
	require.NoError(t, err)
	assert.Equal(t, argv, got)
}

func TestEncodeArgv_Empty(t *testing.T) {
	t.Parallel()

	buf, err := EncodeArgv(nil)
	require.NoError(t, err)

	got, err := DecodeArgv(buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEncodeArgv_TooLargeIsEINVAL(t *testing.T) {
	t.Parallel()

	big := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		big = append(big, string(make([]byte, MaxArgvBytes)))
	}

	_, err := EncodeArgv(big)
	assert.ErrorIs(t, err, errno.EINVAL)
}

func TestDecodeArgv_TruncatedPointerTableIsEFAULT(t *testing.T) {
	t.Parallel()

	_, err := DecodeArgv([]byte{1, 2, 3})
	assert.ErrorIs(t, err, errno.EFAULT)
}

func TestDecodeArgv_DanglingPointerIsEFAULT(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 16)
	buf[0] = 0xff // first pointer entry points far past the buffer
	_, err := DecodeArgv(buf)
	assert.ErrorIs(t, err, errno.EFAULT)
}
