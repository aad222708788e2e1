package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

// writeTestBinary drops a fake workflow binary into a temp dir.
func writeTestBinary(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// imageIDFromOutput extracts the image id from register output.
func imageIDFromOutput(t *testing.T, output string) string {
	t.Helper()
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "Image ID:") {
			fields := strings.Fields(line)
			return fields[len(fields)-1]
		}
	}
	t.Fatalf("no image id in output: %s", output)
	return ""
}

func TestImageRegisterCommand(t *testing.T) {
	resetViper()
	startTestServer(t)

	bin := writeTestBinary(t, "order-saga", []byte("#!/bin/sh\necho hi\n"))
	output := runCommand(t, "image", "register", "--file", bin)

	if !strings.Contains(output, "Image registered") {
		t.Errorf("expected registration confirmation, got: %s", output)
	}
	if !strings.Contains(output, "order-saga") {
		t.Errorf("expected binary name as default image name, got: %s", output)
	}
	if imageIDFromOutput(t, output) == "" {
		t.Errorf("expected image id in output, got: %s", output)
	}
}

func TestImageRegisterCommand_DedupesIdenticalBinary(t *testing.T) {
	resetViper()
	startTestServer(t)

	bin := writeTestBinary(t, "order-saga", []byte("same bytes"))
	first := imageIDFromOutput(t, runCommand(t, "image", "register", "--file", bin))
	second := imageIDFromOutput(t, runCommand(t, "image", "register", "--file", bin))

	if first != second {
		t.Errorf("identical binary produced different image ids: %s vs %s", first, second)
	}
}

func TestImageRegisterCommand_StreamsLargeBinary(t *testing.T) {
	resetViper()
	startTestServer(t)

	// Above the single-frame threshold, so the upload takes the chunked path.
	large := bytes.Repeat([]byte("x"), (1<<20)+512)
	bin := writeTestBinary(t, "big-workflow", large)

	output := runCommand(t, "image", "register", "--file", bin)
	if !strings.Contains(output, "Image registered") {
		t.Errorf("expected registration confirmation, got: %s", output)
	}
}

func TestImageRegisterCommand_MissingTenant(t *testing.T) {
	resetViper()
	startTestServer(t)
	viper.Set("tenant", "")

	bin := writeTestBinary(t, "order-saga", []byte("bin"))
	output := runCommand(t, "image", "register", "--file", bin)

	if !strings.Contains(output, "Tenant id not set") {
		t.Errorf("expected tenant hint, got: %s", output)
	}
}

func TestImageListCommand(t *testing.T) {
	resetViper()
	startTestServer(t)

	bin := writeTestBinary(t, "order-saga", []byte("bin"))
	runCommand(t, "image", "register", "--file", bin, "--name", "order-saga")

	output := runCommand(t, "image", "list")
	if !strings.Contains(output, "order-saga") {
		t.Errorf("expected registered image in listing, got: %s", output)
	}
	if !strings.Contains(output, "1 total") {
		t.Errorf("expected total count, got: %s", output)
	}
}

func TestImageListCommand_Empty(t *testing.T) {
	resetViper()
	startTestServer(t)

	output := runCommand(t, "image", "list")
	if !strings.Contains(output, "No images registered") {
		t.Errorf("expected empty listing message, got: %s", output)
	}
}

func TestImageDeleteCommand(t *testing.T) {
	resetViper()
	startTestServer(t)

	bin := writeTestBinary(t, "order-saga", []byte("bin"))
	id := imageIDFromOutput(t, runCommand(t, "image", "register", "--file", bin))

	output := runCommand(t, "image", "delete", id)
	if !strings.Contains(output, "deleted") {
		t.Errorf("expected deletion confirmation, got: %s", output)
	}

	output = runCommand(t, "image", "list")
	if !strings.Contains(output, "No images registered") {
		t.Errorf("expected empty listing after delete, got: %s", output)
	}
}
