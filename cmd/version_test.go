package cmd

import (
	"bytes"
	"github.com/kairo0916/ai-exho-discord-bot/exho"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := exho.Version
	originalCommitSHA := exho.CommitSHA
	originalBuildTime := exho.BuildTime

	t.Cleanup(
		func() {
			exho.Version = originalVersion
			exho.CommitSHA = originalCommitSHA
			exho.BuildTime = originalBuildTime
			versionCmd.SetOut(nil)
		},
	)

	exho.Version = "1.0.0"
	exho.CommitSHA = "abc123"
	exho.BuildTime = "2025-06-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	assert.Equal(
		t,
		"version=1.0.0 commit=abc123 built: 2025-06-01T12:00:00Z",
		out.String(),
	)
}
