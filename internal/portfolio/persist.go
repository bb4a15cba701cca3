// persist.go stores the portfolio snapshot as JSON on disk.
//
// Saves are atomic: the snapshot is written to a temp file in the same
// directory and renamed over the live file. The previous live file is
// rotated into numbered backups (keep 5). An OS advisory lock taken at
// open prevents two engine instances from racing on one state file.
package portfolio

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/shopspring/decimal"

	"tradeforge/internal/exchange"
	"tradeforge/pkg/types"
)

const (
	schemaVersion = 1
	keepBackups   = 5
)

// Snapshot is the on-disk schema of portfolio.json.
type Snapshot struct {
	SchemaVersion int                             `json:"schema_version"`
	BaseCurrency  string                          `json:"base_currency"`
	Balances      map[string]types.Balance        `json:"balances"`
	Positions     map[types.Symbol]types.Position `json:"positions"`
	Trades        []TradeRecord                   `json:"trade_log"`
	PeakBalance   decimal.Decimal                 `json:"peak_balance"`
	RealizedPnL   decimal.Decimal                 `json:"realized_pnl"`
	SavedAt       time.Time                       `json:"saved_at"`
}

// Store owns the snapshot file and its advisory lock.
type Store struct {
	path string
	lock *flock.Flock
}

// OpenStore locks the snapshot path for this process. A second instance
// on the same file fails here instead of corrupting state later.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, exchange.NewError(exchange.ErrConfig, "", "state directory: "+err.Error())
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, exchange.NewError(exchange.ErrConfig, "", "state lock: "+err.Error())
	}
	if !locked {
		return nil, exchange.NewError(exchange.ErrConfig, "", "state file "+path+" is locked by another instance")
	}
	return &Store{path: path, lock: lock}, nil
}

// Close releases the advisory lock.
func (s *Store) Close() {
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
}

// Load reads and verifies the snapshot. A missing file returns
// (nil, nil); anything unreadable or failing the integrity check
// returns ErrStateCorrupt.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, exchange.NewError(exchange.ErrStateCorrupt, "", "read snapshot: "+err.Error())
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, exchange.NewError(exchange.ErrStateCorrupt, "", "decode snapshot: "+err.Error())
	}
	if err := snap.verify(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Save writes the snapshot atomically and rotates backups.
func (s *Store) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}

	s.rotate()
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// rotate shifts portfolio.json into .1, .1 into .2, up to keepBackups.
func (s *Store) rotate() {
	if _, err := os.Stat(s.path); err != nil {
		return
	}
	for i := keepBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, fmt.Sprintf("%s.%d", s.path, i+1))
		}
	}
	_ = os.Rename(s.path, s.path+".1")
}

// verify runs the integrity checks a snapshot must pass before it is
// trusted as the position source of truth.
func (snap *Snapshot) verify() error {
	corrupt := func(format string, args ...any) error {
		return exchange.NewError(exchange.ErrStateCorrupt, "", fmt.Sprintf(format, args...))
	}

	if snap.SchemaVersion != schemaVersion {
		return corrupt("schema version %d, want %d", snap.SchemaVersion, schemaVersion)
	}
	if snap.BaseCurrency == "" {
		return corrupt("missing base currency")
	}
	for asset, bal := range snap.Balances {
		if bal.Free.IsNegative() || bal.Used.IsNegative() || bal.Total.IsNegative() {
			return corrupt("negative balance for %s", asset)
		}
		if !bal.Free.Add(bal.Used).Equal(bal.Total) {
			return corrupt("balance %s: free %s + used %s != total %s", asset, bal.Free, bal.Used, bal.Total)
		}
	}
	for sym, pos := range snap.Positions {
		if !pos.Size.IsPositive() {
			return corrupt("position %s has non-positive size %s", sym, pos.Size)
		}
		if !pos.EntryPrice.IsPositive() {
			return corrupt("position %s has non-positive entry %s", sym, pos.EntryPrice)
		}
		if pos.Side != types.PositionLong && pos.Side != types.PositionShort {
			return corrupt("position %s has unknown side %q", sym, pos.Side)
		}
	}
	return nil
}
