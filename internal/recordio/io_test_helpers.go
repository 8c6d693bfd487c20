package recordio

import (
	"os"
	"testing"
)

// readFile reads path and fails the test on error, for asserting on a
// writer's output content.
func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
