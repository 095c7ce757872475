// Copyright 2024-2026 Aiku AI

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/translator"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/wechat"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/wire"
)

// maxFrameSize bounds a single callback line. Media paths are sent, not
// media, so real frames stay far below it.
const maxFrameSize = 16 << 20

// DefaultMaxDecodeFailures is the number of undecodable frames a callback
// connection may send before it is closed.
const DefaultMaxDecodeFailures = 3

// eventTranslator is satisfied by *translator.Translator.
type eventTranslator interface {
	Translate(ctx context.Context, raw *wire.RawEvent, sess wechat.Session) *wire.Event
}

var _ eventTranslator = (*translator.Translator)(nil)

// CallbackServer accepts the message hook connections of the hooked
// clients. Each line on a connection is one JSON encoded raw event.
type CallbackServer struct {
	registry          *Registry
	translator        eventTranslator
	out               frameSender
	log               zerolog.Logger
	maxDecodeFailures int

	listener net.Listener
	conns    sync.WaitGroup
}

// NewCallbackServer returns a server forwarding translated events to out.
func NewCallbackServer(registry *Registry, tr eventTranslator, out frameSender, maxDecodeFailures int, log zerolog.Logger) *CallbackServer {
	if maxDecodeFailures <= 0 {
		maxDecodeFailures = DefaultMaxDecodeFailures
	}
	return &CallbackServer{
		registry:          registry,
		translator:        tr,
		out:               out,
		log:               log.With().Str("component", "callback").Logger(),
		maxDecodeFailures: maxDecodeFailures,
	}
}

// Listen binds the server to addr.
func (s *CallbackServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for callbacks on %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info().Stringer("addr", ln.Addr()).Msg("Listening for WeChat callbacks")
	return nil
}

// Addr returns the bound address. It is only valid after Listen.
func (s *CallbackServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done. Open connections are closed
// and drained before it returns.
func (s *CallbackServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()
	defer s.conns.Wait()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept callback connection: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *CallbackServer) handleConn(ctx context.Context, conn net.Conn) {
	log := s.log.With().
		Str("conn_id", uuid.NewString()).
		Stringer("remote", conn.RemoteAddr()).
		Logger()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	log.Debug().Msg("Callback connection opened")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	failures := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw wire.RawEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("Failed to decode callback frame")
			if failures > s.maxDecodeFailures {
				log.Error().Msg("Closing callback connection after repeated decode failures")
				return
			}
			continue
		}
		s.handleEvent(ctx, log, &raw)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Callback connection failed")
		return
	}
	log.Debug().Msg("Callback connection closed")
}

func (s *CallbackServer) handleEvent(ctx context.Context, log zerolog.Logger, raw *wire.RawEvent) {
	sess, err := s.registry.GetByPID(raw.PID)
	if err != nil {
		log.Warn().Err(err).Uint32("pid", raw.PID).Uint64("msg_id", raw.MsgID).Msg("Dropping event of unknown process")
		return
	}
	evt := s.translator.Translate(ctx, raw, sess)
	if evt == nil {
		return
	}
	if err := s.out.Send(evt); err != nil {
		log.Error().Err(err).Uint64("msg_id", raw.MsgID).Msg("Failed to queue event")
	}
}
