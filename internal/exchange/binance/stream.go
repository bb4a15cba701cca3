// stream.go implements the Binance websocket dialect for the generic
// stream session.
//
// Public channels are subscribed with SUBSCRIBE/UNSUBSCRIBE frames on the
// combined endpoint; event frames route by their "e" field:
//
//	24hrTicker    → Ticker
//	trade         → Trade
//	depthUpdate   → OrderBookDelta (U = first update id, u = last)
//	executionReport → Order / Fill (user data stream)
//
// The user data stream requires a listen key negotiated over REST; the
// dialect models it as a venue with no in-band auth handshake (AuthFrames
// is empty) whose private events arrive on the same parsed stream.
package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tradeforge/internal/exchange"
	"tradeforge/pkg/types"
)

// Protocol implements exchange.StreamProtocol for Binance.
type Protocol struct {
	url     string
	adapter *Adapter
	reqID   atomic.Int64
}

func newProtocol(url string, adapter *Adapter) *Protocol {
	return &Protocol{url: url, adapter: adapter}
}

// URL implements exchange.StreamProtocol.
func (p *Protocol) URL() string { return p.url }

type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// SubscribeFrames implements exchange.StreamProtocol.
func (p *Protocol) SubscribeFrames(subs []exchange.Subscription) ([][]byte, error) {
	return p.frames("SUBSCRIBE", subs)
}

// UnsubscribeFrames implements exchange.StreamProtocol.
func (p *Protocol) UnsubscribeFrames(subs []exchange.Subscription) ([][]byte, error) {
	return p.frames("UNSUBSCRIBE", subs)
}

// AuthFrames implements exchange.StreamProtocol. Binance authenticates the
// user stream via the listen-key URL, not an in-band handshake.
func (p *Protocol) AuthFrames() ([][]byte, error) { return nil, nil }

func (p *Protocol) frames(method string, subs []exchange.Subscription) ([][]byte, error) {
	params := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub.Private() {
			continue // user stream is keyed by the connection, not a frame
		}
		stream, err := p.streamName(sub)
		if err != nil {
			return nil, err
		}
		params = append(params, stream)
	}
	if len(params) == 0 {
		return nil, nil
	}

	frame, err := json.Marshal(subscribeMsg{
		Method: method,
		Params: params,
		ID:     p.reqID.Add(1),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (p *Protocol) streamName(sub exchange.Subscription) (string, error) {
	venueSym, err := p.adapter.ToVenueSymbol(sub.Symbol)
	if err != nil {
		return "", err
	}
	lower := strings.ToLower(venueSym)

	switch sub.Channel {
	case types.ChannelTicker:
		return lower + "@ticker", nil
	case types.ChannelOrderBook:
		return lower + "@depth@100ms", nil
	case types.ChannelTrade:
		return lower + "@trade", nil
	default:
		return "", fmt.Errorf("unsupported channel %q", sub.Channel)
	}
}

// Parse implements exchange.StreamProtocol.
func (p *Protocol) Parse(frame []byte) ([]types.Event, error) {
	var envelope struct {
		EventType string          `json:"e"`
		Result    json.RawMessage `json:"result"`
		ID        int64           `json:"id"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch envelope.EventType {
	case "24hrTicker":
		return p.parseTicker(frame)
	case "trade":
		return p.parseTrade(frame)
	case "depthUpdate":
		return p.parseDepth(frame)
	case "executionReport":
		return p.parseExecutionReport(frame)
	case "":
		// subscription acknowledgement ({"result":null,"id":n})
		return nil, nil
	default:
		return nil, nil
	}
}

func (p *Protocol) parseTicker(frame []byte) ([]types.Event, error) {
	var raw struct {
		EventTime   int64  `json:"E"`
		Symbol      string `json:"s"`
		Last        string `json:"c"`
		Bid         string `json:"b"`
		Ask         string `json:"a"`
		BaseVolume  string `json:"v"`
		QuoteVolume string `json:"q"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}

	symbol, ok := p.adapter.FromVenueSymbol(raw.Symbol)
	if !ok {
		return nil, nil
	}

	ts := time.UnixMilli(raw.EventTime)
	return []types.Event{{
		Venue:   venueName,
		Channel: types.ChannelTicker,
		Symbol:  symbol,
		Ticker: &types.Ticker{
			Symbol:      symbol,
			Bid:         parseDecimal(raw.Bid),
			Ask:         parseDecimal(raw.Ask),
			Last:        parseDecimal(raw.Last),
			BaseVolume:  parseDecimal(raw.BaseVolume),
			QuoteVolume: parseDecimal(raw.QuoteVolume),
			Ts:          ts,
		},
		Ts: ts,
	}}, nil
}

func (p *Protocol) parseTrade(frame []byte) ([]types.Event, error) {
	var raw struct {
		EventTime    int64  `json:"E"`
		Symbol       string `json:"s"`
		TradeID      int64  `json:"t"`
		Price        string `json:"p"`
		Quantity     string `json:"q"`
		BuyerIsMaker bool   `json:"m"`
		TradeTime    int64  `json:"T"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}

	symbol, ok := p.adapter.FromVenueSymbol(raw.Symbol)
	if !ok {
		return nil, nil
	}

	side := types.BUY
	if raw.BuyerIsMaker {
		side = types.SELL // taker sold into the resting bid
	}

	ts := time.UnixMilli(raw.TradeTime)
	return []types.Event{{
		Venue:   venueName,
		Channel: types.ChannelTrade,
		Symbol:  symbol,
		Trade: &types.Trade{
			Symbol:  symbol,
			Price:   parseDecimal(raw.Price),
			Size:    parseDecimal(raw.Quantity),
			Side:    side,
			Ts:      ts,
			TradeID: fmt.Sprintf("%d", raw.TradeID),
		},
		Ts: ts,
	}}, nil
}

func (p *Protocol) parseDepth(frame []byte) ([]types.Event, error) {
	var raw struct {
		EventTime int64       `json:"E"`
		Symbol    string      `json:"s"`
		FirstID   int64       `json:"U"`
		LastID    int64       `json:"u"`
		Bids      [][2]string `json:"b"`
		Asks      [][2]string `json:"a"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("decode depth: %w", err)
	}

	symbol, ok := p.adapter.FromVenueSymbol(raw.Symbol)
	if !ok {
		return nil, nil
	}

	ts := time.UnixMilli(raw.EventTime)
	return []types.Event{{
		Venue:   venueName,
		Channel: types.ChannelOrderBook,
		Symbol:  symbol,
		Delta: &types.OrderBookDelta{
			Symbol:        symbol,
			Bids:          parseLevels(raw.Bids),
			Asks:          parseLevels(raw.Asks),
			FirstUpdateID: raw.FirstID,
			LastUpdateID:  raw.LastID,
			Ts:            ts,
		},
		Ts: ts,
	}}, nil
}

// parseExecutionReport turns a user-stream order update into an Order
// event and, when the report carries an execution, a Fill event as well.
func (p *Protocol) parseExecutionReport(frame []byte) ([]types.Event, error) {
	var raw struct {
		EventTime     int64  `json:"E"`
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Type          string `json:"o"`
		TIF           string `json:"f"`
		Quantity      string `json:"q"`
		Price         string `json:"p"`
		ExecType      string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastFillQty   string `json:"l"`
		CumFillQty    string `json:"z"`
		LastFillPrice string `json:"L"`
		Fee           string `json:"n"`
		FeeAsset      string `json:"N"`
		TradeID       int64  `json:"t"`
		OrderCreated  int64  `json:"O"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("decode executionReport: %w", err)
	}

	symbol, ok := p.adapter.FromVenueSymbol(raw.Symbol)
	if !ok {
		return nil, nil
	}

	ts := time.UnixMilli(raw.EventTime)
	orderID := fmt.Sprintf("%d", raw.OrderID)

	events := []types.Event{{
		Venue:   venueName,
		Channel: types.ChannelUser,
		Symbol:  symbol,
		OrderUpd: &types.Order{
			OrderID:        orderID,
			ClientID:       raw.ClientOrderID,
			Venue:          venueName,
			Symbol:         symbol,
			Side:           types.Side(raw.Side),
			Type:           mapOrderType(raw.Type),
			Price:          parseDecimal(raw.Price),
			Quantity:       parseDecimal(raw.Quantity),
			FilledQuantity: parseDecimal(raw.CumFillQty),
			Status:         mapStatus(raw.Status),
			TimeInForce:    types.TimeInForce(raw.TIF),
			CreatedAt:      time.UnixMilli(raw.OrderCreated),
			UpdatedAt:      ts,
		},
		Ts: ts,
	}}

	if raw.ExecType == "TRADE" {
		events = append(events, types.Event{
			Venue:   venueName,
			Channel: types.ChannelUser,
			Symbol:  symbol,
			Fill: &types.Fill{
				OrderID:  orderID,
				ClientID: raw.ClientOrderID,
				Venue:    venueName,
				Symbol:   symbol,
				Side:     types.Side(raw.Side),
				Price:    parseDecimal(raw.LastFillPrice),
				Quantity: parseDecimal(raw.LastFillQty),
				Fee:      parseDecimal(raw.Fee),
				FeeAsset: raw.FeeAsset,
				TradeID:  fmt.Sprintf("%d", raw.TradeID),
				Ts:       ts,
			},
			Ts: ts,
		})
	}
	return events, nil
}
