package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/log"
)

func TestStatCmd_RunPrintsEachCPUNode(t *testing.T) {
	t.Parallel()

	s := Stat()

	fs := s.FlagSet()
	require.NoError(t, fs.Parse([]string{"-cpus", "2"}))

	var out bytes.Buffer

	code := s.Run(context.Background(), nil, &out, log.DefaultLogger())
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "sys:/stat/cpu/0")
	assert.Contains(t, out.String(), "sys:/stat/cpu/1")
}

func TestStatCmd_UsageMentionsStatPath(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	s := Stat()
	require.NoError(t, s.Usage(&out))
	assert.Contains(t, out.String(), "/stat/cpu")
}
