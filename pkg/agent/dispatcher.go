// Copyright 2024-2026 Aiku AI

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/wechat"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/wire"
)

// frameSender queues outgoing frames for the bridge. It is satisfied by
// *transport.Transport and replaced in tests.
type frameSender interface {
	Send(v any) error
}

// sessionLauncher creates and destroys hooked processes. It is satisfied by
// *wechat.Launcher.
type sessionLauncher interface {
	Launch(ctx context.Context, owner id.UserID) (wechat.Session, error)
	Teardown(ctx context.Context, sess wechat.Session)
	Alive(pid uint32) (bool, error)
}

var _ sessionLauncher = (*wechat.Launcher)(nil)

type sessionHandler func(ctx context.Context, sess wechat.Session, cmd *wire.Command) (any, error)

// Dispatcher answers bridge commands. Each command runs in its own
// goroutine and produces exactly one reply.
type Dispatcher struct {
	registry *Registry
	launcher sessionLauncher
	out      frameSender
	log      zerolog.Logger
	handlers map[wire.CommandKind]sessionHandler

	// ownerLocks serialize connect and disconnect per owner so an owner is
	// never launched twice. Different owners launch concurrently.
	ownerLocks   map[id.UserID]*sync.Mutex
	ownerLocksMu sync.Mutex
	inflight     sync.WaitGroup
	teardowns    sync.WaitGroup
}

// NewDispatcher returns a dispatcher replying through out.
func NewDispatcher(registry *Registry, launcher sessionLauncher, out frameSender, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		launcher:   launcher,
		out:        out,
		log:        log.With().Str("component", "dispatcher").Logger(),
		ownerLocks: map[id.UserID]*sync.Mutex{},
	}
	d.handlers = map[wire.CommandKind]sessionHandler{
		wire.CommandLoginWithQR:            d.loginQRCode,
		wire.CommandIsLogin:                d.isLogin,
		wire.CommandGetSelf:                d.getSelf,
		wire.CommandGetUserInfo:            d.getUserInfo,
		wire.CommandGetGroupInfo:           d.getGroupInfo,
		wire.CommandGetGroupMembers:        d.getGroupMembers,
		wire.CommandGetGroupMemberNickname: d.getGroupMemberNickname,
		wire.CommandGetFriendList:          d.getFriendList,
		wire.CommandGetGroupList:           d.getGroupList,
		wire.CommandSendMessage:            d.sendMessage,
	}
	return d
}

// Run handles frames until the stream is closed or ctx is done, then waits
// for in-flight commands.
func (d *Dispatcher) Run(ctx context.Context, frames <-chan []byte) {
	defer d.inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			var cmd wire.Command
			if err := json.Unmarshal(frame, &cmd); err != nil {
				d.log.Warn().Err(err).Bytes("frame", frame).Msg("Failed to decode command")
				continue
			}
			d.inflight.Add(1)
			go func() {
				defer d.inflight.Done()
				d.Handle(ctx, &cmd)
			}()
		}
	}
}

// Wait blocks until every teardown started by a disconnect has finished.
func (d *Dispatcher) Wait() {
	d.teardowns.Wait()
}

// Handle executes cmd and sends its reply.
func (d *Dispatcher) Handle(ctx context.Context, cmd *wire.Command) {
	log := d.log.With().
		Str("mxid", cmd.MXID.String()).
		Int("req_id", cmd.ReqID).
		Str("command", string(cmd.Command)).
		Logger()
	log.Debug().Msg("Handling command")

	data, err := d.execute(ctx, cmd)
	reply := wire.NewResponse(cmd, data)
	if err != nil {
		log.Warn().Err(err).Msg("Command failed")
		reply = wire.NewError(cmd, err)
	}
	if err := d.out.Send(reply); err != nil {
		log.Error().Err(err).Msg("Failed to queue reply")
	}
}

func (d *Dispatcher) execute(ctx context.Context, cmd *wire.Command) (any, error) {
	switch cmd.Command {
	case wire.CommandConnect:
		return nil, d.connect(ctx, cmd.MXID)
	case wire.CommandDisconnect:
		return nil, d.disconnect(cmd.MXID)
	}
	handler, ok := d.handlers[cmd.Command]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Command)
	}
	sess, err := d.registry.GetByOwner(cmd.MXID)
	if err != nil {
		return nil, err
	}
	return handler(ctx, sess, cmd)
}

// lockOwner locks the per-owner mutex and returns its unlock function.
func (d *Dispatcher) lockOwner(owner id.UserID) func() {
	d.ownerLocksMu.Lock()
	lock, ok := d.ownerLocks[owner]
	if !ok {
		lock = &sync.Mutex{}
		d.ownerLocks[owner] = lock
	}
	d.ownerLocksMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (d *Dispatcher) connect(ctx context.Context, owner id.UserID) error {
	defer d.lockOwner(owner)()

	if sess, err := d.registry.GetByOwner(owner); err == nil {
		log := d.log.With().Str("mxid", owner.String()).Uint32("pid", sess.PID).Logger()
		alive, err := d.launcher.Alive(sess.PID)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Failed to check session process, replacing it")
			d.registry.dropPID(sess.PID)
			d.teardown(sess)
		case alive:
			log.Debug().Msg("Reusing running session")
			return sess.StartHooks(ctx)
		default:
			log.Info().Msg("Replacing exited session")
			d.registry.dropPID(sess.PID)
		}
	}

	sess, err := d.launcher.Launch(ctx, owner)
	if err != nil {
		return err
	}
	if err := sess.StartHooks(ctx); err != nil {
		d.teardown(sess)
		return err
	}
	d.registry.Store(owner, sess)
	return nil
}

func (d *Dispatcher) disconnect(owner id.UserID) error {
	defer d.lockOwner(owner)()

	sess, err := d.registry.Drop(owner)
	if err != nil {
		return err
	}
	d.teardown(sess)
	return nil
}

// teardown destroys sess in the background. It outlives the command
// context so that shutdown still cleans up the process.
func (d *Dispatcher) teardown(sess wechat.Session) {
	d.teardowns.Add(1)
	go func() {
		defer d.teardowns.Done()
		d.launcher.Teardown(context.Background(), sess)
	}()
}

func (d *Dispatcher) loginQRCode(ctx context.Context, sess wechat.Session, _ *wire.Command) (any, error) {
	return sess.LoginQRCode(ctx)
}

type loginStatus struct {
	Status bool `json:"status"`
}

func (d *Dispatcher) isLogin(ctx context.Context, sess wechat.Session, _ *wire.Command) (any, error) {
	ok, err := sess.IsLogin(ctx)
	if err != nil {
		d.log.Debug().Err(err).Uint32("pid", sess.PID).Msg("Login check failed, reporting logged out")
	}
	return loginStatus{Status: ok && err == nil}, nil
}

func (d *Dispatcher) getSelf(ctx context.Context, sess wechat.Session, _ *wire.Command) (any, error) {
	return sess.GetSelf(ctx)
}

func (d *Dispatcher) getUserInfo(ctx context.Context, sess wechat.Session, cmd *wire.Command) (any, error) {
	q, err := query(cmd)
	if err != nil {
		return nil, err
	}
	return sess.GetUserInfo(ctx, q.WxID)
}

func (d *Dispatcher) getGroupInfo(ctx context.Context, sess wechat.Session, cmd *wire.Command) (any, error) {
	q, err := query(cmd)
	if err != nil {
		return nil, err
	}
	return sess.GetGroupInfo(ctx, q.GroupID)
}

func (d *Dispatcher) getGroupMembers(ctx context.Context, sess wechat.Session, cmd *wire.Command) (any, error) {
	q, err := query(cmd)
	if err != nil {
		return nil, err
	}
	return sess.GetGroupMembers(ctx, q.GroupID)
}

func (d *Dispatcher) getGroupMemberNickname(ctx context.Context, sess wechat.Session, cmd *wire.Command) (any, error) {
	q, err := query(cmd)
	if err != nil {
		return nil, err
	}
	return sess.GetGroupMemberNickname(ctx, q.GroupID, q.WxID)
}

func (d *Dispatcher) getFriendList(ctx context.Context, sess wechat.Session, _ *wire.Command) (any, error) {
	return sess.GetFriendList(ctx)
}

func (d *Dispatcher) getGroupList(ctx context.Context, sess wechat.Session, _ *wire.Command) (any, error) {
	return sess.GetGroupList(ctx)
}

func (d *Dispatcher) sendMessage(ctx context.Context, sess wechat.Session, cmd *wire.Command) (any, error) {
	msg, err := cmd.Message()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	err = sess.SendMessage(ctx, msg)
	if errors.Is(err, wechat.ErrMismatchedPayload) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil, err
}

func query(cmd *wire.Command) (*wire.Query, error) {
	q, err := cmd.Query()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return q, nil
}
