// stream.go implements the Kraken websocket dialect for the generic
// stream session.
//
// Public channels are subscribed with one event frame per channel name,
// listing the pairs in websocket form (XBT/USD). Data arrives as array
// frames [channelID, payload, channelName, pair]; status frames
// (systemStatus, subscriptionStatus, heartbeat) are JSON objects and
// carry no market data. Private channels live on a separate
// token-authenticated endpoint; order state is tracked through REST
// reconciliation instead, so AuthFrames is empty and private
// subscriptions produce no frames.
package kraken

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/internal/exchange"
	"tradeforge/pkg/types"
)

// Protocol implements exchange.StreamProtocol for Kraken.
type Protocol struct {
	url     string
	adapter *Adapter
}

func newProtocol(url string, adapter *Adapter) *Protocol {
	return &Protocol{url: url, adapter: adapter}
}

// URL implements exchange.StreamProtocol.
func (p *Protocol) URL() string { return p.url }

type subscribeMsg struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth,omitempty"`
}

// SubscribeFrames implements exchange.StreamProtocol.
func (p *Protocol) SubscribeFrames(subs []exchange.Subscription) ([][]byte, error) {
	return p.frames("subscribe", subs)
}

// UnsubscribeFrames implements exchange.StreamProtocol.
func (p *Protocol) UnsubscribeFrames(subs []exchange.Subscription) ([][]byte, error) {
	return p.frames("unsubscribe", subs)
}

// AuthFrames implements exchange.StreamProtocol.
func (p *Protocol) AuthFrames() ([][]byte, error) { return nil, nil }

// frames groups subscriptions by channel, one frame per channel name.
func (p *Protocol) frames(event string, subs []exchange.Subscription) ([][]byte, error) {
	pairsByChannel := map[types.ChannelType][]string{}
	for _, sub := range subs {
		if sub.Private() {
			continue
		}
		wsName, err := p.wsName(sub.Symbol)
		if err != nil {
			return nil, err
		}
		pairsByChannel[sub.Channel] = append(pairsByChannel[sub.Channel], wsName)
	}

	var out [][]byte
	for _, ch := range []types.ChannelType{types.ChannelTicker, types.ChannelOrderBook, types.ChannelTrade} {
		pairs := pairsByChannel[ch]
		if len(pairs) == 0 {
			continue
		}
		name, depth := channelName(ch)
		frame, err := json.Marshal(subscribeMsg{
			Event:        event,
			Pair:         pairs,
			Subscription: subscription{Name: name, Depth: depth},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, frame)
	}
	return out, nil
}

func channelName(ch types.ChannelType) (string, int) {
	switch ch {
	case types.ChannelOrderBook:
		return "book", 100
	case types.ChannelTrade:
		return "trade", 0
	default:
		return "ticker", 0
	}
}

func (p *Protocol) wsName(s types.Symbol) (string, error) {
	base, quote, err := s.Parse()
	if err != nil {
		return "", err
	}
	wsName := assetToVenue(base) + "/" + assetToVenue(quote)
	p.adapter.recordVenueSymbol(wsName, s)
	return wsName, nil
}

// Parse implements exchange.StreamProtocol.
func (p *Protocol) Parse(frame []byte) ([]types.Event, error) {
	trimmed := strings.TrimSpace(string(frame))
	if !strings.HasPrefix(trimmed, "[") {
		// object frames are lifecycle events, not market data
		return nil, nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if len(parts) < 4 {
		return nil, nil
	}

	// channel name and pair are the last two elements; book updates can
	// carry two payload objects (asks and bids) between them.
	var channel, pair string
	if err := json.Unmarshal(parts[len(parts)-2], &channel); err != nil {
		return nil, fmt.Errorf("decode channel: %w", err)
	}
	if err := json.Unmarshal(parts[len(parts)-1], &pair); err != nil {
		return nil, fmt.Errorf("decode pair: %w", err)
	}

	symbol, ok := p.adapter.FromVenueSymbol(pair)
	if !ok {
		return nil, nil
	}

	payloads := parts[1 : len(parts)-2]
	switch {
	case channel == "ticker":
		return p.parseTicker(payloads, symbol)
	case channel == "trade":
		return p.parseTrades(payloads, symbol)
	case strings.HasPrefix(channel, "book"):
		return p.parseBook(payloads, symbol)
	default:
		return nil, nil
	}
}

func (p *Protocol) parseTicker(payloads []json.RawMessage, symbol types.Symbol) ([]types.Event, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	var t tickerInfo
	if err := json.Unmarshal(payloads[0], &t); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}

	ts := time.Now()
	var vol decimal.Decimal
	if len(t.Volume) > 1 {
		vol = parseDecimal(t.Volume[1])
	}
	return []types.Event{{
		Venue:   venueName,
		Channel: types.ChannelTicker,
		Symbol:  symbol,
		Ticker: &types.Ticker{
			Symbol:     symbol,
			Bid:        parseDecimal(first(t.Bid)),
			Ask:        parseDecimal(first(t.Ask)),
			Last:       parseDecimal(first(t.Last)),
			BaseVolume: vol,
			Ts:         ts,
		},
		Ts: ts,
	}}, nil
}

func (p *Protocol) parseTrades(payloads []json.RawMessage, symbol types.Symbol) ([]types.Event, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	// [["price","volume","time","side","ordertype","misc"], ...]
	var raw [][]string
	if err := json.Unmarshal(payloads[0], &raw); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}

	events := make([]types.Event, 0, len(raw))
	for _, t := range raw {
		if len(t) < 4 {
			continue
		}
		side := types.BUY
		if t[3] == "s" {
			side = types.SELL
		}
		ts := parseUnixSeconds(t[2])
		events = append(events, types.Event{
			Venue:   venueName,
			Channel: types.ChannelTrade,
			Symbol:  symbol,
			Trade: &types.Trade{
				Symbol: symbol,
				Price:  parseDecimal(t[0]),
				Size:   parseDecimal(t[1]),
				Side:   side,
				Ts:     ts,
			},
			Ts: ts,
		})
	}
	return events, nil
}

type bookPayload struct {
	AskSnapshot [][]json.RawMessage `json:"as"`
	BidSnapshot [][]json.RawMessage `json:"bs"`
	Asks        [][]json.RawMessage `json:"a"`
	Bids        [][]json.RawMessage `json:"b"`
}

// parseBook handles both the initial snapshot (as/bs) and incremental
// updates (a/b). Updates may arrive as two payload objects in one frame.
func (p *Protocol) parseBook(payloads []json.RawMessage, symbol types.Symbol) ([]types.Event, error) {
	merged := bookPayload{}
	for _, raw := range payloads {
		var b bookPayload
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode book: %w", err)
		}
		merged.AskSnapshot = append(merged.AskSnapshot, b.AskSnapshot...)
		merged.BidSnapshot = append(merged.BidSnapshot, b.BidSnapshot...)
		merged.Asks = append(merged.Asks, b.Asks...)
		merged.Bids = append(merged.Bids, b.Bids...)
	}

	ts := time.Now()
	if len(merged.AskSnapshot) > 0 || len(merged.BidSnapshot) > 0 {
		return []types.Event{{
			Venue:   venueName,
			Channel: types.ChannelOrderBook,
			Symbol:  symbol,
			Book: &types.OrderBookSnapshot{
				Symbol: symbol,
				Bids:   parseBookLevels(merged.BidSnapshot),
				Asks:   parseBookLevels(merged.AskSnapshot),
				Ts:     ts,
			},
			Ts: ts,
		}}, nil
	}

	return []types.Event{{
		Venue:   venueName,
		Channel: types.ChannelOrderBook,
		Symbol:  symbol,
		Delta: &types.OrderBookDelta{
			Symbol: symbol,
			Bids:   parseBookLevels(merged.Bids),
			Asks:   parseBookLevels(merged.Asks),
			Ts:     ts,
		},
		Ts: ts,
	}}, nil
}

func parseUnixSeconds(s string) time.Time {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return time.Now()
	}
	secs := d.IntPart()
	nanos := d.Sub(d.Truncate(0)).Mul(decimal.NewFromInt(1e9)).IntPart()
	return time.Unix(secs, nanos)
}
