package exchange

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"tradeforge/pkg/types"
)

// fakeExchange implements Exchange for registry tests.
type fakeExchange struct {
	Exchange
	name           string
	disconnects    atomic.Int32
	disconnectHang time.Duration
}

func (f *fakeExchange) Name() string { return f.name }

func (f *fakeExchange) Disconnect(ctx context.Context) error {
	if f.disconnectHang > 0 {
		select {
		case <-time.After(f.disconnectHang):
		case <-ctx.Done():
		}
	}
	f.disconnects.Add(1)
	return nil
}

func (f *fakeExchange) StreamProtocol() StreamProtocol { return nil }

func (f *fakeExchange) Capabilities() types.Capabilities { return types.Capabilities{} }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistryCreateCachesByFingerprint(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())

	var built atomic.Int32
	err := r.Register("fake", func(creds Credentials) (Exchange, error) {
		built.Add(1)
		return &fakeExchange{name: "fake"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	credsA := Credentials{APIKey: "a", Secret: "s"}
	credsB := Credentials{APIKey: "b", Secret: "s"}

	first, err := r.Create("fake", credsA)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Create("fake", credsA)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("same credentials should reuse the cached instance")
	}
	if built.Load() != 1 {
		t.Errorf("factory called %d times, want 1", built.Load())
	}

	if _, err := r.Create("fake", credsB); err != nil {
		t.Fatal(err)
	}
	if built.Load() != 2 {
		t.Errorf("different credentials should build a new instance, factory calls = %d", built.Load())
	}
}

func TestRegistryUnknownVenue(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())
	if _, err := r.Create("nope", Credentials{}); err == nil {
		t.Error("expected error for unknown venue")
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())
	factory := func(Credentials) (Exchange, error) { return &fakeExchange{}, nil }
	if err := r.Register("dup", factory); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("dup", factory); err == nil {
		t.Error("expected error on duplicate registration")
	}
}

func TestRegistryShutdownAllDisconnectsEverything(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())

	adapters := []*fakeExchange{{name: "a"}, {name: "b"}}
	idx := 0
	_ = r.Register("multi", func(creds Credentials) (Exchange, error) {
		a := adapters[idx]
		idx++
		return a, nil
	})

	if _, err := r.Create("multi", Credentials{APIKey: "1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("multi", Credentials{APIKey: "2"}); err != nil {
		t.Fatal(err)
	}

	r.ShutdownAll(context.Background(), time.Second)

	for _, a := range adapters {
		if a.disconnects.Load() != 1 {
			t.Errorf("adapter %s disconnects = %d, want 1", a.name, a.disconnects.Load())
		}
	}
}

func TestRegistryShutdownAbandonsLaggard(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())
	_ = r.Register("slow", func(Credentials) (Exchange, error) {
		return &fakeExchange{name: "slow", disconnectHang: 10 * time.Second}, nil
	})
	if _, err := r.Create("slow", Credentials{}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	r.ShutdownAll(context.Background(), 100*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("ShutdownAll took %v, laggard was not abandoned", elapsed)
	}
}

func TestCredentialsFingerprint(t *testing.T) {
	t.Parallel()
	a := Credentials{APIKey: "k", Secret: "s"}
	b := Credentials{APIKey: "k", Secret: "s"}
	c := Credentials{APIKey: "k", Secret: "other"}
	d := Credentials{APIKey: "k", Secret: "s", Sandbox: true}

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical credentials should share a fingerprint")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("different secrets should not share a fingerprint")
	}
	if a.Fingerprint() == d.Fingerprint() {
		t.Error("sandbox flag should change the fingerprint")
	}
}
