package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigureLogging(t *testing.T) {
	require.NoError(t, ConfigureLogging("debug", "development"))
	require.NoError(t, ConfigureLogging("", "production"))
	require.NoError(t, ConfigureLogging("warn", ""))
}
