//go:build !windows

package oscmd

import (
	"context"
	"testing"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_Success(t *testing.T) {
	out, err := NewExecRunner().Run(context.Background(), "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "hello", out.Combined())
}

func TestExecRunner_NonZeroExitIsNotAnError(t *testing.T) {
	out, err := NewExecRunner().Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "oops", out.Combined())
}

func TestExecRunner_NotFound(t *testing.T) {
	_, err := NewExecRunner().Run(context.Background(), "definitely-not-a-command-hsu")
	require.Error(t, err)
	assert.True(t, errors.IsUnavailableError(err))
}

func TestExecRunner_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewExecRunner().Run(ctx, "sleep", "5")
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err))
}
