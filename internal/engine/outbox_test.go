package engine

import (
	"path/filepath"
	"testing"
	"time"

	"tradeforge/pkg/types"
)

func entry(clientID string, ts time.Time) OutboxEntry {
	return OutboxEntry{
		ClientID: clientID,
		Venue:    "mock",
		Symbol:   "BTC/USDT",
		Side:     types.BUY,
		Type:     types.OrderTypeLimit,
		Price:    d("20000"),
		Quantity: d("0.1"),
		Ts:       ts,
	}
}

func TestOutboxSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "outbox.json")
	o, err := OpenOutbox(path)
	if err != nil {
		t.Fatalf("OpenOutbox: %v", err)
	}

	now := time.Now().Round(0)
	if err := o.Record(entry("a", now)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := o.Record(entry("b", now.Add(time.Second))); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := o.Clear("a"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	reopened, err := OpenOutbox(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	pending := reopened.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].ClientID != "b" {
		t.Errorf("pending entry = %q, want b", pending[0].ClientID)
	}
	if !pending[0].Quantity.Equal(d("0.1")) {
		t.Errorf("quantity round trip = %s", pending[0].Quantity)
	}
}

func TestOutboxPendingOrderedOldestFirst(t *testing.T) {
	t.Parallel()

	o, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.json"))
	if err != nil {
		t.Fatalf("OpenOutbox: %v", err)
	}

	now := time.Now()
	o.Record(entry("newest", now))
	o.Record(entry("oldest", now.Add(-time.Hour)))
	o.Record(entry("middle", now.Add(-time.Minute)))

	pending := o.Pending()
	want := []string{"oldest", "middle", "newest"}
	for i, w := range want {
		if pending[i].ClientID != w {
			t.Errorf("pending[%d] = %q, want %q", i, pending[i].ClientID, w)
		}
	}
}

func TestOutboxClearUnknownIsNoOp(t *testing.T) {
	t.Parallel()

	o, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.json"))
	if err != nil {
		t.Fatalf("OpenOutbox: %v", err)
	}
	if err := o.Clear("ghost"); err != nil {
		t.Fatalf("Clear of unknown ID: %v", err)
	}
}
