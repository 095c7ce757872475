// Copyright 2024-2026 Aiku AI

package wechat

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// LauncherConfig configures a [Launcher].
type LauncherConfig struct {
	// CallbackPort is where hooked processes deliver message events.
	CallbackPort int
	// FirstControlPort is the control API port of the first launched
	// process. Each launch takes the next port. Zero means CallbackPort+1.
	FirstControlPort int
	SavePath         string
	Client           ClientOptions
	// LogoutOnTeardown logs the account out before killing the process.
	LogoutOnTeardown bool
	TeardownTimeout  time.Duration
}

// Launcher creates and tears down hooked WeChat processes.
type Launcher struct {
	cfg       LauncherConfig
	driver    Driver
	processes Processes
	log       zerolog.Logger
	nextPort  atomic.Int64
}

// NewLauncher returns a launcher using the given driver and process table.
func NewLauncher(cfg LauncherConfig, driver Driver, processes Processes, log zerolog.Logger) *Launcher {
	if cfg.FirstControlPort == 0 {
		cfg.FirstControlPort = cfg.CallbackPort + 1
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 30 * time.Second
	}
	l := &Launcher{
		cfg:       cfg,
		driver:    driver,
		processes: processes,
		log:       log.With().Str("component", "launcher").Logger(),
	}
	l.nextPort.Store(int64(cfg.FirstControlPort))
	return l
}

// Launch starts a new hooked process for owner on the next free control
// port.
func (l *Launcher) Launch(_ context.Context, owner id.UserID) (Session, error) {
	port := int(l.nextPort.Add(1) - 1)
	pid, err := l.driver.NewInstance()
	if err != nil {
		return Session{}, fmt.Errorf("failed to start wechat: %w", err)
	}
	if err := l.driver.StartListen(pid, port); err != nil {
		l.kill(pid)
		return Session{}, fmt.Errorf("failed to inject wechat hook: %w", err)
	}
	l.log.Info().
		Uint32("pid", pid).
		Int("port", port).
		Str("mxid", owner.String()).
		Msg("Launched WeChat")
	return NewSession(owner, pid, NewClient(port, l.cfg.Client), l.cfg.CallbackPort, l.cfg.SavePath), nil
}

// Alive reports whether the session's process is still running.
func (l *Launcher) Alive(pid uint32) (bool, error) {
	return l.processes.Alive(pid)
}

// Teardown stops the hooks of a session and kills its process. Every step
// is best effort.
func (l *Launcher) Teardown(ctx context.Context, sess Session) {
	log := l.log.With().Uint32("pid", sess.PID).Str("mxid", sess.Owner.String()).Logger()
	alive, err := l.processes.Alive(sess.PID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to check process status")
	} else if !alive {
		log.Info().Msg("Process already exited")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.TeardownTimeout)
	defer cancel()
	if err := sess.StopHooks(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to stop hooks")
	}
	if l.cfg.LogoutOnTeardown {
		if err := sess.Logout(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to log out")
		}
	}
	if err := l.driver.StopListen(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop control API")
	}
	l.kill(sess.PID)
}

func (l *Launcher) kill(pid uint32) {
	if err := l.processes.Kill(pid); err != nil {
		l.log.Error().Err(err).Uint32("pid", pid).Msg("Failed to kill process")
		return
	}
	l.log.Info().Uint32("pid", pid).Msg("Killed WeChat process")
}
