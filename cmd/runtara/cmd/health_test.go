package cmd

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestHealthCommand(t *testing.T) {
	resetViper()
	startTestServer(t)

	output := runCommand(t, "health")
	if !strings.Contains(output, "healthy") {
		t.Errorf("expected healthy status, got: %s", output)
	}
	if !strings.Contains(output, "test") {
		t.Errorf("expected plane version, got: %s", output)
	}
}

func TestHealthCommand_Unreachable(t *testing.T) {
	resetViper()
	viper.Set("addr", "127.0.0.1:1")
	viper.Set("plaintext", true)

	output := runCommand(t, "health")
	if !strings.Contains(output, "Health check failed") {
		t.Errorf("expected failure message, got: %s", output)
	}
}
