// Copyright 2024-2026 Aiku AI

package agent

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/translator"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/transport"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/wechat"
)

// Agent owns the bridge connection, the callback server and the sessions.
type Agent struct {
	Config     *Config
	Log        zerolog.Logger
	Registry   *Registry
	Transport  *transport.Transport
	Dispatcher *Dispatcher
	Callback   *CallbackServer

	launcher *wechat.Launcher
	reaper   *Reaper
}

// New builds an agent that drives WeChat through the native injection
// driver.
func New(cfg *Config, log zerolog.Logger) *Agent {
	return NewWithDriver(cfg, wechat.NewDLLDriver(cfg.WeChat.DriverPath), wechat.OSProcesses{}, log)
}

// NewWithDriver builds an agent on the given driver and process table.
func NewWithDriver(cfg *Config, driver wechat.Driver, processes wechat.Processes, log zerolog.Logger) *Agent {
	filesDir := cfg.WeChat.FilesDir
	if filesDir == "" {
		var err error
		if filesDir, err = wechat.DefaultFilesDir(); err != nil {
			log.Warn().Err(err).Msg("Failed to find the WeChat Files directory, videos and files will not be forwarded")
		}
	}

	registry := NewRegistry()
	tp := transport.New(cfg.transportConfig(), log)
	launcher := wechat.NewLauncher(cfg.launcherConfig(), driver, processes, log)
	tr := translator.New(cfg.translatorConfig(filesDir), log)
	return &Agent{
		Config:     cfg,
		Log:        log,
		Registry:   registry,
		Transport:  tp,
		Dispatcher: NewDispatcher(registry, launcher, tp, log),
		Callback:   NewCallbackServer(registry, tr, tp, cfg.Callback.MaxDecodeFailures, log),
		launcher:   launcher,
		reaper:     NewReaper(registry, launcher, cfg.WeChat.ReapInterval, log),
	}
}

// Run serves until ctx is done or a task fails fatally. On return every
// session has been torn down.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Callback.Listen(a.Config.CallbackAddr()); err != nil {
		return err
	}
	a.Log.Info().Str("address", a.Config.Websocket.Address).Msg("Starting agent")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Transport.Run(ctx)
	})
	g.Go(func() error {
		a.Dispatcher.Run(ctx, a.Transport.Receive())
		return nil
	})
	g.Go(func() error {
		return a.Callback.Serve(ctx)
	})
	g.Go(func() error {
		a.reaper.Run(ctx)
		return nil
	})
	err := g.Wait()
	a.shutdown()
	if err != nil {
		a.Log.Error().Err(err).Msg("Agent stopped")
	} else {
		a.Log.Info().Msg("Agent stopped")
	}
	return err
}

// shutdown tears down every remaining session.
func (a *Agent) shutdown() {
	var wg sync.WaitGroup
	for _, sess := range a.Registry.Sessions() {
		if _, err := a.Registry.Drop(sess.Owner); err != nil {
			continue
		}
		sess := sess
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.launcher.Teardown(context.Background(), sess)
		}()
	}
	wg.Wait()
	a.Dispatcher.Wait()
}
