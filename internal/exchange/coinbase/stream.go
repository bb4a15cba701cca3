// stream.go implements the Coinbase Exchange websocket dialect for the
// generic stream session.
//
// All channels are subscribed with a single subscribe frame listing
// product IDs and channel names; authentication for the user channel
// rides on the same frame (key/signature/timestamp/passphrase signed
// over the verification path), so AuthFrames is empty. Event frames
// route by their "type" field:
//
//	ticker             → Ticker
//	snapshot, l2update → OrderBookSnapshot / OrderBookDelta
//	match, last_match  → Trade (plus Fill when the match is ours)
//	received, open, done → Order (user channel)
package coinbase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tradeforge/internal/exchange"
	"tradeforge/pkg/types"
)

// Protocol implements exchange.StreamProtocol for Coinbase.
type Protocol struct {
	url     string
	adapter *Adapter
	signer  *requestSigner
}

func newProtocol(url string, adapter *Adapter, signer *requestSigner) *Protocol {
	return &Protocol{url: url, adapter: adapter, signer: signer}
}

// URL implements exchange.StreamProtocol.
func (p *Protocol) URL() string { return p.url }

type subscribeMsg struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`

	// auth fields, present when the user channel is requested
	Key        string `json:"key,omitempty"`
	Signature  string `json:"signature,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// SubscribeFrames implements exchange.StreamProtocol.
func (p *Protocol) SubscribeFrames(subs []exchange.Subscription) ([][]byte, error) {
	return p.frames("subscribe", subs)
}

// UnsubscribeFrames implements exchange.StreamProtocol.
func (p *Protocol) UnsubscribeFrames(subs []exchange.Subscription) ([][]byte, error) {
	return p.frames("unsubscribe", subs)
}

// AuthFrames implements exchange.StreamProtocol. Authentication is
// carried on the subscribe frame itself.
func (p *Protocol) AuthFrames() ([][]byte, error) { return nil, nil }

func (p *Protocol) frames(event string, subs []exchange.Subscription) ([][]byte, error) {
	products := map[string]bool{}
	channels := map[string]bool{}
	private := false

	for _, sub := range subs {
		switch sub.Channel {
		case types.ChannelTicker:
			channels["ticker"] = true
		case types.ChannelOrderBook:
			channels["level2"] = true
		case types.ChannelTrade:
			channels["matches"] = true
		case types.ChannelUser:
			channels["user"] = true
			private = true
		default:
			return nil, fmt.Errorf("unsupported channel %q", sub.Channel)
		}
		if sub.Symbol != "" {
			product, err := p.adapter.ToVenueSymbol(sub.Symbol)
			if err != nil {
				return nil, err
			}
			products[product] = true
		}
	}
	if len(channels) == 0 {
		return nil, nil
	}

	msg := subscribeMsg{Type: event}
	for product := range products {
		msg.ProductIDs = append(msg.ProductIDs, product)
	}
	for channel := range channels {
		msg.Channels = append(msg.Channels, channel)
	}

	if private && event == "subscribe" {
		if p.signer == nil {
			return nil, exchange.NewError(exchange.ErrConfig, venueName,
				"user channel requires credentials")
		}
		auth, err := p.signer.wsAuth()
		if err != nil {
			return nil, err
		}
		msg.Key = auth["key"]
		msg.Signature = auth["signature"]
		msg.Timestamp = auth["timestamp"]
		msg.Passphrase = auth["passphrase"]
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// Parse implements exchange.StreamProtocol.
func (p *Protocol) Parse(frame []byte) ([]types.Event, error) {
	var envelope struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	symbol, ok := p.adapter.FromVenueSymbol(envelope.ProductID)
	if !ok && envelope.ProductID != "" {
		return nil, nil
	}

	switch envelope.Type {
	case "ticker":
		return p.parseTicker(frame, symbol)
	case "snapshot":
		return p.parseSnapshot(frame, symbol)
	case "l2update":
		return p.parseL2Update(frame, symbol)
	case "match", "last_match":
		return p.parseMatch(frame, symbol)
	case "received", "open", "done":
		return p.parseOrderLifecycle(frame, symbol, envelope.Type)
	default:
		// subscriptions, heartbeats, errors
		return nil, nil
	}
}

func (p *Protocol) parseTicker(frame []byte, symbol types.Symbol) ([]types.Event, error) {
	var raw struct {
		Price     string `json:"price"`
		BestBid   string `json:"best_bid"`
		BestAsk   string `json:"best_ask"`
		Volume24h string `json:"volume_24h"`
		Time      string `json:"time"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}

	ts := parseTime(raw.Time)
	return []types.Event{{
		Venue:   venueName,
		Channel: types.ChannelTicker,
		Symbol:  symbol,
		Ticker: &types.Ticker{
			Symbol:     symbol,
			Bid:        parseDecimal(raw.BestBid),
			Ask:        parseDecimal(raw.BestAsk),
			Last:       parseDecimal(raw.Price),
			BaseVolume: parseDecimal(raw.Volume24h),
			Ts:         ts,
		},
		Ts: ts,
	}}, nil
}

func (p *Protocol) parseSnapshot(frame []byte, symbol types.Symbol) ([]types.Event, error) {
	var raw struct {
		Bids [][]json.RawMessage `json:"bids"`
		Asks [][]json.RawMessage `json:"asks"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	ts := time.Now()
	return []types.Event{{
		Venue:   venueName,
		Channel: types.ChannelOrderBook,
		Symbol:  symbol,
		Book: &types.OrderBookSnapshot{
			Symbol: symbol,
			Bids:   parseRawLevels(raw.Bids),
			Asks:   parseRawLevels(raw.Asks),
			Ts:     ts,
		},
		Ts: ts,
	}}, nil
}

func (p *Protocol) parseL2Update(frame []byte, symbol types.Symbol) ([]types.Event, error) {
	var raw struct {
		Changes [][3]string `json:"changes"` // [side, price, size]
		Time    string      `json:"time"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("decode l2update: %w", err)
	}

	delta := &types.OrderBookDelta{Symbol: symbol}
	for _, c := range raw.Changes {
		level := types.PriceLevel{
			Price: parseDecimal(c[1]),
			Size:  parseDecimal(c[2]),
		}
		if c[0] == "buy" {
			delta.Bids = append(delta.Bids, level)
		} else {
			delta.Asks = append(delta.Asks, level)
		}
	}

	ts := parseTime(raw.Time)
	delta.Ts = ts
	return []types.Event{{
		Venue:   venueName,
		Channel: types.ChannelOrderBook,
		Symbol:  symbol,
		Delta:   delta,
		Ts:      ts,
	}}, nil
}

// parseMatch emits a public Trade; when the match names our user it also
// emits a Fill on the user channel.
func (p *Protocol) parseMatch(frame []byte, symbol types.Symbol) ([]types.Event, error) {
	var raw struct {
		TradeID      int64  `json:"trade_id"`
		Price        string `json:"price"`
		Size         string `json:"size"`
		Side         string `json:"side"` // maker side
		Time         string `json:"time"`
		UserID       string `json:"user_id"`
		TakerOrderID string `json:"taker_order_id"`
		MakerOrderID string `json:"maker_order_id"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("decode match: %w", err)
	}

	// side is the maker side; the taker traded against it
	takerSide := types.BUY
	if raw.Side == "buy" {
		takerSide = types.SELL
	}

	ts := parseTime(raw.Time)
	events := []types.Event{{
		Venue:   venueName,
		Channel: types.ChannelTrade,
		Symbol:  symbol,
		Trade: &types.Trade{
			Symbol:  symbol,
			Price:   parseDecimal(raw.Price),
			Size:    parseDecimal(raw.Size),
			Side:    takerSide,
			Ts:      ts,
			TradeID: fmt.Sprintf("%d", raw.TradeID),
		},
		Ts: ts,
	}}

	if raw.UserID != "" {
		events = append(events, types.Event{
			Venue:   venueName,
			Channel: types.ChannelUser,
			Symbol:  symbol,
			Fill: &types.Fill{
				OrderID:  raw.TakerOrderID,
				Venue:    venueName,
				Symbol:   symbol,
				Side:     takerSide,
				Price:    parseDecimal(raw.Price),
				Quantity: parseDecimal(raw.Size),
				TradeID:  fmt.Sprintf("%d", raw.TradeID),
				Ts:       ts,
			},
			Ts: ts,
		})
	}
	return events, nil
}

func (p *Protocol) parseOrderLifecycle(frame []byte, symbol types.Symbol, kind string) ([]types.Event, error) {
	var raw struct {
		OrderID       string `json:"order_id"`
		ClientOID     string `json:"client_oid"`
		Side          string `json:"side"`
		OrderType     string `json:"order_type"`
		Price         string `json:"price"`
		Size          string `json:"size"`
		RemainingSize string `json:"remaining_size"`
		Reason        string `json:"reason"` // filled / canceled (done only)
		Time          string `json:"time"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}

	status := types.OrderStatusNew
	if kind == "done" {
		if raw.Reason == "canceled" {
			status = types.OrderStatusCanceled
		} else {
			status = types.OrderStatusFilled
		}
	}

	quantity := parseDecimal(raw.Size)
	filled := quantity.Sub(parseDecimal(raw.RemainingSize))
	if filled.IsNegative() {
		filled = quantity
	}

	ts := parseTime(raw.Time)
	return []types.Event{{
		Venue:   venueName,
		Channel: types.ChannelUser,
		Symbol:  symbol,
		OrderUpd: &types.Order{
			OrderID:        raw.OrderID,
			ClientID:       raw.ClientOID,
			Venue:          venueName,
			Symbol:         symbol,
			Side:           types.Side(strings.ToUpper(raw.Side)),
			Type:           mapOrderType(raw.OrderType),
			Price:          parseDecimal(raw.Price),
			Quantity:       quantity,
			FilledQuantity: filled,
			Status:         status,
			UpdatedAt:      ts,
		},
		Ts: ts,
	}}, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now()
	}
	return t
}
