package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestConfigurationErrorBranching(t *testing.T) {
	base := Configuration("unit %q must specify a source", "derived")
	wrapped := fmt.Errorf("run failed: %w", base)

	var cfgErr *ConfigurationError
	if !errors.As(wrapped, &cfgErr) {
		t.Fatalf("expected ConfigurationError through wrapping")
	}
	var stErr *StorageError
	if errors.As(wrapped, &stErr) {
		t.Fatalf("unexpected StorageError match")
	}
}

func TestStorageErrorCarriesContext(t *testing.T) {
	cause := errors.New("disk full")
	err := &StorageError{Unit: "fusion-1", Source: "weather", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("cause not unwrapped")
	}
	msg := err.Error()
	for _, want := range []string{"fusion-1", "weather", "disk full"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestQueueErrorUnwraps(t *testing.T) {
	cause := errors.New("store closed")
	err := &QueueError{Queue: "uploads", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("cause not unwrapped")
	}
}
