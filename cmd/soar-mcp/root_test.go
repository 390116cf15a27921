package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-security-go/internal/cli"
)

func TestMissingPlatformURLIsConfigError(t *testing.T) {
	t.Setenv("SOAR_URL", "")
	t.Setenv("SOAR_APP_KEY", "key")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--env-file", ""})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.ErrorContains(t, err, "SOAR_URL")
	assert.Equal(t, cli.ExitConfig, cli.ExitCode(err))
}
