// Copyright 2024-2026 Aiku AI

// Package transport keeps the single websocket to the Matrix bridge alive.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/retry"
)

var (
	// ErrTransport wraps dial and connection failures.
	ErrTransport = errors.New("websocket transport failure")
	// ErrReconnectExhausted is returned by [Transport.Run] when the
	// consecutive failure count exceeds the configured maximum.
	ErrReconnectExhausted = errors.New("websocket reconnect attempts exhausted")
)

const (
	defaultBackoffUnit      = 10 * time.Second
	defaultMaxReconnects    = 5
	defaultWriteAttempts    = 3
	defaultHandshakeTimeout = 10 * time.Second
	closeGracePeriod        = time.Second
)

// Config configures a [Transport].
type Config struct {
	// Address is the ws:// or wss:// URL of the bridge.
	Address string
	// Token is sent as HTTP basic credentials on the handshake.
	Token string
	// BackoffUnit is multiplied by the consecutive failure count to get
	// the wait before reconnecting.
	BackoffUnit time.Duration
	// MaxReconnects is the consecutive failure count that is still retried.
	MaxReconnects int
	// FailureWindow is how close two failures must be to compound.
	FailureWindow time.Duration
	// WriteAttempts bounds how many connections a single frame may fail
	// to be written on before it is dropped.
	WriteAttempts    int
	HandshakeTimeout time.Duration
}

// Transport is one logical websocket that hides reconnects from its users.
// [Transport.Send] may be called from any goroutine.
type Transport struct {
	cfg      Config
	log      zerolog.Logger
	dialer   *websocket.Dialer
	header   http.Header
	queue    *queue
	recv     chan []byte
	failures *retry.FailureWindow
	now      func() time.Time

	// headAttempts counts failed writes of the frame at the queue head.
	// Only the Run goroutine touches it.
	headAttempts int
}

// New returns a transport that connects once Run is called.
func New(cfg Config, log zerolog.Logger) *Transport {
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = defaultBackoffUnit
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = defaultWriteAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Basic "+cfg.Token)
	}
	return &Transport{
		cfg:      cfg,
		log:      log.With().Str("component", "transport").Logger(),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		header:   header,
		queue:    newQueue(),
		recv:     make(chan []byte),
		failures: retry.NewFailureWindow(cfg.FailureWindow),
		now:      time.Now,
	}
}

// Send encodes v as JSON and queues it. It never blocks on the network.
func (t *Transport) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	t.queue.push(data)
	return nil
}

// SendText queues a preencoded frame.
func (t *Transport) SendText(frame []byte) {
	t.queue.push(frame)
}

// Pending returns the number of queued frames.
func (t *Transport) Pending() int {
	return t.queue.len()
}

// Receive returns the stream of inbound text frames. It is closed when Run
// returns.
func (t *Transport) Receive() <-chan []byte {
	return t.recv
}

// Run connects and keeps reconnecting until ctx is done or the failure
// budget runs out. It must be called once.
func (t *Transport) Run(ctx context.Context) error {
	defer close(t.recv)
	for {
		err := t.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		failures := t.failures.Record(t.now())
		if failures > t.cfg.MaxReconnects {
			t.log.Error().Err(err).Int("failures", failures).Msg("Giving up on websocket")
			return fmt.Errorf("%w after %d consecutive failures: %w", ErrReconnectExhausted, failures, err)
		}
		delay := retry.Backoff(t.cfg.BackoffUnit, failures)
		t.log.Warn().
			Err(err).
			Int("failures", failures).
			Stringer("delay", delay).
			Msg("Websocket disconnected, reconnecting")
		if retry.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

// serve dials once and pumps frames until the connection breaks or ctx is
// done.
func (t *Transport) serve(ctx context.Context) error {
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.Address, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: failed to dial %s: %w", ErrTransport, t.cfg.Address, err)
	}
	t.log.Info().Str("address", t.cfg.Address).Msg("Websocket connected")

	connCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.readLoop(connCtx, cancel, conn)
	}()

	err = t.writeLoop(connCtx, conn)
	cancel(err)
	if ctx.Err() != nil {
		deadline := time.Now().Add(closeGracePeriod)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	}
	_ = conn.Close()
	wg.Wait()
	if err == nil {
		err = context.Cause(connCtx)
	}
	return err
}

func (t *Transport) readLoop(ctx context.Context, cancel context.CancelCauseFunc, conn *websocket.Conn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			cancel(fmt.Errorf("%w: read failed: %w", ErrTransport, err))
			return
		}
		if typ != websocket.TextMessage {
			t.log.Debug().Int("message_type", typ).Msg("Ignoring non-text frame")
			continue
		}
		select {
		case t.recv <- data:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop drains the queue onto conn. A frame is only removed from the
// queue after it was written.
func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		frame, ok := t.queue.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case <-t.queue.ready():
				continue
			}
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			t.headAttempts++
			if t.headAttempts >= t.cfg.WriteAttempts {
				t.log.Error().
					Err(err).
					Int("attempts", t.headAttempts).
					Msg("Dropping frame after repeated write failures")
				t.queue.pop()
				t.headAttempts = 0
			}
			return fmt.Errorf("%w: write failed: %w", ErrTransport, err)
		}
		t.queue.pop()
		t.headAttempts = 0
	}
}
