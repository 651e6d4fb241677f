package fusion

import (
	"context"
	"errors"
	"testing"

	"github.com/twinstack/loom/internal/errdefs"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	p := &Producer{
		Config:  UnitConfig{Name: "sensor"},
		Collect: func(context.Context) ([]byte, error) { return nil, nil },
	}
	if err := reg.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := reg.Register(p); err == nil {
		t.Fatal("duplicate name accepted")
	} else {
		var cerr *errdefs.ConfigurationError
		if !errors.As(err, &cerr) {
			t.Fatalf("want ConfigurationError, got %v", err)
		}
	}

	if err := reg.Register(&Producer{Config: UnitConfig{}}); err == nil {
		t.Fatal("unnamed unit accepted")
	}

	got, ok := reg.Get("sensor")
	if !ok || got.Kind() != KindProducer {
		t.Fatalf("lookup failed: %v %v", got, ok)
	}
	if _, ok := reg.Get("nope"); ok {
		t.Fatal("phantom unit")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "sensor" {
		t.Fatalf("names: %v", names)
	}
}
