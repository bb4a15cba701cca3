// outbox.go is the persistent record of placements in flight.
//
// Every order gets an outbox entry written to disk before the adapter
// call, so a crash between send and acknowledgement leaves evidence:
// on restart any surviving entry marks a placement whose outcome must
// be reconciled against the venue before anything new is sent for that
// intent.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/pkg/types"
)

// OutboxEntry records one not-yet-acknowledged placement.
type OutboxEntry struct {
	ClientID string          `json:"client_id"`
	Venue    string          `json:"venue"`
	Symbol   types.Symbol    `json:"symbol"`
	Side     types.Side      `json:"side"`
	Type     types.OrderType `json:"type"`
	Price    decimal.Decimal `json:"price,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
	Ts       time.Time       `json:"ts"`
}

// Outbox persists pending placements as one JSON file, rewritten
// atomically on every change.
type Outbox struct {
	mu      sync.Mutex
	path    string
	entries map[string]OutboxEntry
}

// OpenOutbox loads (or initializes) the outbox at path.
func OpenOutbox(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("outbox directory: %w", err)
	}
	o := &Outbox{path: path, entries: make(map[string]OutboxEntry)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return o, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	var entries []OutboxEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode outbox: %w", err)
	}
	for _, e := range entries {
		o.entries[e.ClientID] = e
	}
	return o, nil
}

// Record persists the entry before its placement is sent.
func (o *Outbox) Record(e OutboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[e.ClientID] = e
	return o.flush()
}

// Clear removes a resolved placement. Clearing an unknown ID is a
// no-op.
func (o *Outbox) Clear(clientID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.entries[clientID]; !ok {
		return nil
	}
	delete(o.entries, clientID)
	return o.flush()
}

// Pending returns the unresolved entries, oldest first.
func (o *Outbox) Pending() []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboxEntry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts.Before(out[j].Ts) })
	return out
}

func (o *Outbox) flush() error {
	entries := make([]OutboxEntry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode outbox: %w", err)
	}

	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	if err := os.Rename(tmp, o.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace outbox: %w", err)
	}
	return nil
}
