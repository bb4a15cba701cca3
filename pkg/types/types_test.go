package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSymbolParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in        Symbol
		base      string
		quote     string
		wantError bool
	}{
		{"BTC/USDT", "BTC", "USDT", false},
		{"ETH/BTC", "ETH", "BTC", false},
		{"BTCUSDT", "", "", true},
		{"BTC/", "", "", true},
		{"/USDT", "", "", true},
		{"A/B/C", "", "", true},
	}

	for _, tt := range tests {
		base, quote, err := tt.in.Parse()
		if tt.wantError {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got none", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if base != tt.base || quote != tt.quote {
			t.Errorf("Parse(%q) = (%q, %q), want (%q, %q)", tt.in, base, quote, tt.base, tt.quote)
		}
	}
}

func TestNewSymbolUppercases(t *testing.T) {
	t.Parallel()
	if got := NewSymbol("btc", "usdt"); got != "BTC/USDT" {
		t.Errorf("NewSymbol = %q, want BTC/USDT", got)
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	t.Parallel()
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []OrderStatus{OrderStatusNew, OrderStatusPartiallyFilled}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestTickerMid(t *testing.T) {
	t.Parallel()
	tk := Ticker{
		Symbol: "BTC/USDT",
		Bid:    decimal.RequireFromString("20000"),
		Ask:    decimal.RequireFromString("20010"),
		Ts:     time.Now(),
	}
	if got := tk.Mid(); !got.Equal(decimal.RequireFromString("20005")) {
		t.Errorf("Mid = %s, want 20005", got)
	}

	empty := Ticker{Symbol: "BTC/USDT", Ask: decimal.RequireFromString("20010")}
	if !empty.Mid().IsZero() {
		t.Errorf("Mid with empty bid should be zero, got %s", empty.Mid())
	}
}

func TestPositionSideSign(t *testing.T) {
	t.Parallel()
	if !PositionLong.Sign().Equal(decimal.NewFromInt(1)) {
		t.Error("long sign should be +1")
	}
	if !PositionShort.Sign().Equal(decimal.NewFromInt(-1)) {
		t.Error("short sign should be -1")
	}
}

func TestCapabilitiesSupports(t *testing.T) {
	t.Parallel()
	caps := Capabilities{
		OrderTypes:  []OrderType{OrderTypeLimit, OrderTypeMarket},
		TimeInForce: []TimeInForce{TIFGoodTilCanceled, TIFImmediateOrCancel},
	}
	if !caps.SupportsOrderType(OrderTypeLimit) {
		t.Error("expected LIMIT supported")
	}
	if caps.SupportsOrderType(OrderTypeStopLimit) {
		t.Error("STOP_LIMIT should not be supported")
	}
	if !caps.SupportsTIF(TIFImmediateOrCancel) {
		t.Error("expected IOC supported")
	}
	if caps.SupportsTIF(TIFFillOrKill) {
		t.Error("FOK should not be supported")
	}
}

func TestOrderRemaining(t *testing.T) {
	t.Parallel()
	o := Order{
		Quantity:       decimal.RequireFromString("1.5"),
		FilledQuantity: decimal.RequireFromString("0.4"),
	}
	if got := o.Remaining(); !got.Equal(decimal.RequireFromString("1.1")) {
		t.Errorf("Remaining = %s, want 1.1", got)
	}
}
