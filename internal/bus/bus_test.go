package bus

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"tradeforge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func tickerEvent(symbol types.Symbol, seq int) types.Event {
	return types.Event{
		Venue:   "test",
		Channel: types.ChannelTicker,
		Symbol:  symbol,
		Ticker:  &types.Ticker{Symbol: symbol},
		Ts:      time.Unix(int64(seq), 0),
	}
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	t.Parallel()
	b := New(testLogger(), nil)
	defer b.Close()

	sub := b.Subscribe(types.ChannelTicker, "BTC/USDT", SubscriberOptions{Queue: 16})
	for i := 0; i < 10; i++ {
		b.Publish(tickerEvent("BTC/USDT", i))
	}

	for i := 0; i < 10; i++ {
		ev := <-sub.Events()
		if ev.Ts.Unix() != int64(i) {
			t.Fatalf("event %d arrived at position %d", ev.Ts.Unix(), i)
		}
	}
}

func TestBusWildcardSymbol(t *testing.T) {
	t.Parallel()
	b := New(testLogger(), nil)
	defer b.Close()

	all := b.Subscribe(types.ChannelTicker, "", SubscriberOptions{})
	btc := b.Subscribe(types.ChannelTicker, "BTC/USDT", SubscriberOptions{})

	b.Publish(tickerEvent("BTC/USDT", 1))
	b.Publish(tickerEvent("ETH/USDT", 2))

	if ev := <-all.Events(); ev.Symbol != "BTC/USDT" {
		t.Errorf("wildcard first = %s", ev.Symbol)
	}
	if ev := <-all.Events(); ev.Symbol != "ETH/USDT" {
		t.Errorf("wildcard second = %s", ev.Symbol)
	}

	if ev := <-btc.Events(); ev.Symbol != "BTC/USDT" {
		t.Errorf("exact = %s", ev.Symbol)
	}
	select {
	case ev := <-btc.Events():
		t.Errorf("exact subscription received %s", ev.Symbol)
	default:
	}
}

func TestBusChannelIsolation(t *testing.T) {
	t.Parallel()
	b := New(testLogger(), nil)
	defer b.Close()

	trades := b.Subscribe(types.ChannelTrade, "", SubscriberOptions{})
	b.Publish(tickerEvent("BTC/USDT", 1))

	select {
	case ev := <-trades.Events():
		t.Errorf("trade subscription received %v event", ev.Channel)
	default:
	}
}

func TestBusDropOldestKeepsNewest(t *testing.T) {
	t.Parallel()
	b := New(testLogger(), nil)
	defer b.Close()

	sub := b.Subscribe(types.ChannelTicker, "BTC/USDT", SubscriberOptions{Queue: 2, Policy: PolicyDropOldest})
	for i := 0; i < 5; i++ {
		b.Publish(tickerEvent("BTC/USDT", i))
	}

	// queue of 2 after 5 publishes holds the 2 newest
	if ev := <-sub.Events(); ev.Ts.Unix() != 3 {
		t.Errorf("head = %d, want 3", ev.Ts.Unix())
	}
	if ev := <-sub.Events(); ev.Ts.Unix() != 4 {
		t.Errorf("next = %d, want 4", ev.Ts.Unix())
	}
	if sub.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", sub.Dropped())
	}
}

func TestBusDropNewestKeepsOldest(t *testing.T) {
	t.Parallel()
	b := New(testLogger(), nil)
	defer b.Close()

	sub := b.Subscribe(types.ChannelTicker, "BTC/USDT", SubscriberOptions{Queue: 2, Policy: PolicyDropNewest})
	for i := 0; i < 5; i++ {
		b.Publish(tickerEvent("BTC/USDT", i))
	}

	if ev := <-sub.Events(); ev.Ts.Unix() != 0 {
		t.Errorf("head = %d, want 0", ev.Ts.Unix())
	}
	if ev := <-sub.Events(); ev.Ts.Unix() != 1 {
		t.Errorf("next = %d, want 1", ev.Ts.Unix())
	}
	if sub.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", sub.Dropped())
	}
}

func TestBusBlockPolicyAppliesBackpressure(t *testing.T) {
	t.Parallel()
	b := New(testLogger(), nil)
	defer b.Close()

	sub := b.Subscribe(types.ChannelTicker, "BTC/USDT", SubscriberOptions{Queue: 1, Policy: PolicyBlock})
	b.Publish(tickerEvent("BTC/USDT", 0))

	published := make(chan struct{})
	go func() {
		b.Publish(tickerEvent("BTC/USDT", 1)) // blocks until drained
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish returned before the queue drained")
	case <-time.After(50 * time.Millisecond):
	}

	<-sub.Events()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish did not resume after drain")
	}
	if sub.Dropped() != 0 {
		t.Errorf("dropped = %d, block policy must not drop", sub.Dropped())
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New(testLogger(), nil)
	defer b.Close()

	sub := b.Subscribe(types.ChannelTicker, "BTC/USDT", SubscriberOptions{})
	sub.Close()
	b.Publish(tickerEvent("BTC/USDT", 1))

	select {
	case ev := <-sub.Events():
		t.Errorf("closed subscription received %v", ev.Symbol)
	default:
	}
}

func TestBusCloseClosesSubscriberChannels(t *testing.T) {
	t.Parallel()
	b := New(testLogger(), nil)
	sub := b.Subscribe(types.ChannelTicker, "BTC/USDT", SubscriberOptions{})
	b.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after bus shutdown")
	}
	b.Publish(tickerEvent("BTC/USDT", 1)) // must not panic
}

func TestBusManySubscribersSameKey(t *testing.T) {
	t.Parallel()
	b := New(testLogger(), nil)
	defer b.Close()

	var subs []*Subscription
	for i := 0; i < 8; i++ {
		subs = append(subs, b.Subscribe(types.ChannelTicker, "BTC/USDT", SubscriberOptions{Queue: 4}))
	}
	b.Publish(tickerEvent("BTC/USDT", 7))

	for i, sub := range subs {
		select {
		case ev := <-sub.Events():
			if ev.Ts.Unix() != 7 {
				t.Errorf("sub %d got %d", i, ev.Ts.Unix())
			}
		default:
			t.Errorf("sub %d missed the event", i)
		}
	}
}

func TestBusDefaults(t *testing.T) {
	t.Parallel()
	b := New(testLogger(), nil)
	defer b.Close()

	sub := b.Subscribe(types.ChannelTicker, "", SubscriberOptions{})
	if cap(sub.ch) != defaultQueue {
		t.Errorf("queue = %d, want %d", cap(sub.ch), defaultQueue)
	}
	if sub.policy != PolicyDropOldest {
		t.Errorf("policy = %s, want drop_oldest", sub.policy)
	}
}

func ExampleBus_Subscribe() {
	b := New(testLogger(), nil)
	defer b.Close()

	sub := b.Subscribe(types.ChannelTicker, "BTC/USDT", SubscriberOptions{Policy: PolicyBlock})
	b.Publish(tickerEvent("BTC/USDT", 1))

	ev := <-sub.Events()
	fmt.Println(ev.Symbol)
	// Output: BTC/USDT
}
