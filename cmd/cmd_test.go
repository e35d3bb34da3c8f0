package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cli := NewCLI()

	sigma, err := cli.Flags().GetFloat32("sigma")
	require.NoError(t, err)
	assert.Equal(t, float32(0.6), sigma)

	stride, err := cli.Flags().GetInt("upsample-stride")
	require.NoError(t, err)
	assert.Equal(t, 256, stride)

	reduced, err := cli.Flags().GetBool("reduced-precision")
	require.NoError(t, err)
	assert.False(t, reduced)
}

func TestRequiredFlags(t *testing.T) {
	cli := NewCLI()
	cli.SetArgs([]string{"--output", t.TempDir()})
	assert.Error(t, cli.Execute())
}
