package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

func TestRun_Subcommands(t *testing.T) {
	t.Run("missing subcommand", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		err := run(nil, &stdout, &stderr)
		require.Error(t, err)
		assert.Contains(t, stderr.String(), "Usage: iotmon")
	})

	t.Run("help", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		require.NoError(t, run([]string{"help"}, &stdout, &stderr))
		assert.Contains(t, stdout.String(), "monitor-events")
	})

	t.Run("unknown subcommand", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		err := run([]string{"hub-show"}, &stdout, &stderr)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hub-show")
	})

	t.Run("subcommand help is not an error", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		require.NoError(t, run([]string{"validate-messages", "--help"}, &stdout, &stderr))
		assert.Contains(t, stderr.String(), "--simulate-errors")
	})
}

func TestRun_ConfigurationErrors(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"no target", []string{"monitor-events"}},
		{"both targets", []string{"monitor-events", "--login", "Endpoint=sb://ns/;SharedAccessKeyName=a;SharedAccessKey=b", "--app-id", "app", "--token", "t"}},
		{"negative timeout", []string{"monitor-events", "--login", "Endpoint=sb://ns/;SharedAccessKeyName=a;SharedAccessKey=b;EntityPath=e", "--timeout", "-1"}},
		{"empty consumer group", []string{"validate-messages", "--login", "Endpoint=sb://ns/;SharedAccessKeyName=a;SharedAccessKey=b;EntityPath=e", "--consumer-group", ""}},
		{"device-show without app", []string{"device-show", "--device-id", "dev1"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(tc.args, &stdout, &stderr)

			var cfgErr *types.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}
}

func TestRun_InvalidLoginIsAnAuthError(t *testing.T) {
	var stdout, stderr bytes.Buffer

	err := run([]string{"monitor-events", "--login", "HostName=hub.azure-devices.net;SharedAccessKeyName=a;SharedAccessKey=b"}, &stdout, &stderr)

	var authErr *types.AuthResolutionError
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.Contains(t, stderr.String(), "Session summary")
}
