package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want logrus.Level
	}{
		{name: "fallback", args: nil, want: logrus.PanicLevel},
		{name: "verbose", args: []string{"--verbose"}, want: logrus.DebugLevel},
		{name: "log level wins over verbose", args: []string{"--verbose", "--log-level", "warn"}, want: logrus.WarnLevel},
		{name: "error", args: []string{"--log-level", "error"}, want: logrus.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := configureLogger(newFlagCommand(t, tt.args...), "verbose", logrus.PanicLevel)
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestConfigureLogger_InvalidLevel(t *testing.T) {
	_, err := configureLogger(newFlagCommand(t, "--log-level", "loud"), "verbose", logrus.InfoLevel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level: loud")
}
