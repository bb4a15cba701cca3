// Package stream owns the websocket connection lifecycle for one venue.
//
// A Session drives an explicit state machine:
//
//	Disconnected → Connecting → Connected → Subscribed
//	                    ↑                       │
//	                    └──── Reconnecting ←────┘
//
// The venue dialect (endpoint, frames, parsing) comes from the adapter's
// StreamProtocol; the session owns dialing, the auth handshake,
// subscription replay, keepalive, reconnection with jittered exponential
// backoff, and event normalization. After a reconnect the session
// resubscribes before dispatching and flags the first event of each
// (channel, symbol) with GapNotice so consumers know a window may have
// been missed. Ticker timestamps are enforced per symbol: regressions
// are dropped and counted, never dispatched.
//
// An authentication failure halts private channels only; public market
// data keeps flowing.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradeforge/internal/exchange"
	"tradeforge/pkg/types"
)

// State is the session's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

const (
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultPingInterval  = 20 * time.Second
	defaultPongTimeout   = 10 * time.Second
	defaultBuffer        = 1024
)

// wsConn is the subset of *websocket.Conn the session uses; tests swap in
// a scripted implementation.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Config wires a Session.
type Config struct {
	Venue         string
	Protocol      exchange.StreamProtocol
	Subscriptions []exchange.Subscription
	Logger        *slog.Logger

	ReconnectBase time.Duration // 0 = 1s
	ReconnectMax  time.Duration // 0 = 30s
	PingInterval  time.Duration // 0 = 20s
	PongTimeout   time.Duration // 0 = 10s
	Buffer        int           // 0 = 1024
}

// Stats are the session's lifetime counters.
type Stats struct {
	Reconnects       int64
	DroppedTickers   int64 // timestamp regressions
	EventsDispatched int64
}

// Session maintains one venue websocket connection.
type Session struct {
	cfg    Config
	logger *slog.Logger

	state  atomic.Int32
	events chan types.Event

	// dial is a test hook; the default dials cfg.Protocol.URL().
	dial func(ctx context.Context) (wsConn, error)

	connMu sync.Mutex
	conn   wsConn

	// privateHalted is set on auth failure; private subscriptions are
	// skipped until restart.
	privateHalted atomic.Bool

	// lastTickerTs enforces per-symbol monotonic ticker timestamps.
	tickerMu     sync.Mutex
	lastTickerTs map[types.Symbol]time.Time

	// gapPending marks (channel, symbol) keys whose next event carries
	// GapNotice after a reconnect.
	gapMu      sync.Mutex
	gapPending map[gapKey]bool

	reconnects     atomic.Int64
	droppedTickers atomic.Int64
	dispatched     atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

type gapKey struct {
	channel types.ChannelType
	symbol  types.Symbol
}

// NewSession creates a session; Start begins the connection loop.
func NewSession(cfg Config) *Session {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}

	s := &Session{
		cfg:          cfg,
		logger:       cfg.Logger.With("component", "stream", "venue", cfg.Venue),
		events:       make(chan types.Event, cfg.Buffer),
		lastTickerTs: make(map[types.Symbol]time.Time),
		gapPending:   make(map[gapKey]bool),
		done:         make(chan struct{}),
	}
	s.dial = func(ctx context.Context) (wsConn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.Protocol.URL(), nil)
		return conn, err
	}
	return s
}

// Events returns the normalized event stream. The channel closes when the
// session stops.
func (s *Session) Events() <-chan types.Event { return s.events }

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// Stats returns the lifetime counters.
func (s *Session) Stats() Stats {
	return Stats{
		Reconnects:       s.reconnects.Load(),
		DroppedTickers:   s.droppedTickers.Load(),
		EventsDispatched: s.dispatched.Load(),
	}
}

// Start launches the connection loop. It returns immediately; connection
// failures are retried with backoff until Stop or ctx cancellation.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop tears the session down and waits for the loop to exit.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
	<-s.done
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.state.Store(int32(StateDisconnected))

	backoff := s.cfg.ReconnectBase
	firstConnect := true

	for {
		if ctx.Err() != nil {
			return
		}

		if firstConnect {
			s.state.Store(int32(StateConnecting))
		} else {
			s.state.Store(int32(StateReconnecting))
		}

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("dial failed", "error", err, "backoff", backoff)
			if !s.sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, s.cfg.ReconnectMax)
			continue
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.state.Store(int32(StateConnected))

		if err := s.handshake(conn); err != nil {
			s.logger.Error("subscribe failed", "error", err)
			conn.Close()
			if !s.sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, s.cfg.ReconnectMax)
			continue
		}
		s.state.Store(int32(StateSubscribed))

		if !firstConnect {
			s.reconnects.Add(1)
			s.markGaps()
		}
		firstConnect = false
		backoff = s.cfg.ReconnectBase

		err = s.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("connection lost", "error", err)
	}
}

// handshake re-runs the auth frames and subscription replay on every
// connect. Auth failures halt private channels only.
func (s *Session) handshake(conn wsConn) error {
	if s.hasPrivate() && !s.privateHalted.Load() {
		if err := s.sendFrames(conn, s.cfg.Protocol.AuthFrames); err != nil {
			if errors.Is(err, exchange.ErrAuth) || errors.Is(err, exchange.ErrConfig) {
				s.logger.Error("auth handshake failed, halting private channels", "error", err)
				s.privateHalted.Store(true)
			} else {
				return err
			}
		}
	}

	subs := s.activeSubs()
	frames, err := s.cfg.Protocol.SubscribeFrames(subs)
	if err != nil {
		if errors.Is(err, exchange.ErrAuth) || errors.Is(err, exchange.ErrConfig) {
			s.logger.Error("private subscribe failed, halting private channels", "error", err)
			s.privateHalted.Store(true)
			frames, err = s.cfg.Protocol.SubscribeFrames(s.activeSubs())
		}
		if err != nil {
			return err
		}
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendFrames(conn wsConn, produce func() ([][]byte, error)) error {
	frames, err := produce()
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

// activeSubs filters out private subscriptions once auth has failed.
func (s *Session) activeSubs() []exchange.Subscription {
	if !s.privateHalted.Load() {
		return s.cfg.Subscriptions
	}
	subs := make([]exchange.Subscription, 0, len(s.cfg.Subscriptions))
	for _, sub := range s.cfg.Subscriptions {
		if !sub.Private() {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (s *Session) hasPrivate() bool {
	for _, sub := range s.cfg.Subscriptions {
		if sub.Private() {
			return true
		}
	}
	return false
}

// readLoop pumps frames until the connection dies. A ping goes out every
// PingInterval; the read deadline allows PongTimeout beyond that before
// the connection is declared dead.
func (s *Session) readLoop(ctx context.Context, conn wsConn) error {
	deadline := s.cfg.PingInterval + s.cfg.PongTimeout
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(deadline))

		events, err := s.cfg.Protocol.Parse(frame)
		if err != nil {
			s.logger.Warn("unparseable frame", "error", err)
			continue
		}
		for _, ev := range events {
			s.dispatch(ctx, ev)
		}
	}
}

// dispatch normalizes and delivers one event. Ticker regressions are
// dropped; the first event of a channel after reconnect carries
// GapNotice.
func (s *Session) dispatch(ctx context.Context, ev types.Event) {
	if ev.Channel == types.ChannelTicker && ev.Ticker != nil {
		if !s.acceptTicker(ev.Symbol, ev.Ticker.Ts) {
			s.droppedTickers.Add(1)
			return
		}
	}

	key := gapKey{channel: ev.Channel, symbol: ev.Symbol}
	s.gapMu.Lock()
	if s.gapPending[key] {
		ev.GapNotice = true
		delete(s.gapPending, key)
	}
	s.gapMu.Unlock()

	select {
	case s.events <- ev:
		s.dispatched.Add(1)
	case <-ctx.Done():
	}
}

// acceptTicker enforces per-symbol monotonic timestamps.
func (s *Session) acceptTicker(symbol types.Symbol, ts time.Time) bool {
	s.tickerMu.Lock()
	defer s.tickerMu.Unlock()
	if last, ok := s.lastTickerTs[symbol]; ok && ts.Before(last) {
		return false
	}
	s.lastTickerTs[symbol] = ts
	return true
}

// markGaps flags every subscribed (channel, symbol) so the next event on
// each carries GapNotice.
func (s *Session) markGaps() {
	s.gapMu.Lock()
	defer s.gapMu.Unlock()
	for _, sub := range s.activeSubs() {
		s.gapPending[gapKey{channel: sub.Channel, symbol: sub.Symbol}] = true
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// jitter spreads a backoff by ±20%.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

func nextBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}
