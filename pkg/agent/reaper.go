// Copyright 2024-2026 Aiku AI

package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultReapInterval is how often the reaper checks session processes.
const DefaultReapInterval = time.Minute

// processChecker is satisfied by *wechat.Launcher.
type processChecker interface {
	Alive(pid uint32) (bool, error)
}

// Reaper drops sessions whose WeChat process has exited, so that the next
// connect launches a fresh one.
type Reaper struct {
	registry  *Registry
	processes processChecker
	interval  time.Duration
	log       zerolog.Logger
}

// NewReaper returns a reaper. A non-positive interval uses
// [DefaultReapInterval].
func NewReaper(registry *Registry, processes processChecker, interval time.Duration, log zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		registry:  registry,
		processes: processes,
		interval:  interval,
		log:       log.With().Str("component", "reaper").Logger(),
	}
}

// Run checks the sessions every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	r.log.Debug().Stringer("interval", r.interval).Msg("Starting session reaper")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

// reap drops every session whose process is gone and returns how many it
// dropped.
func (r *Reaper) reap() int {
	dropped := 0
	for _, sess := range r.registry.Sessions() {
		alive, err := r.processes.Alive(sess.PID)
		if err != nil {
			r.log.Warn().Err(err).Uint32("pid", sess.PID).Msg("Failed to check session process")
			continue
		}
		if alive {
			continue
		}
		if _, ok := r.registry.dropPID(sess.PID); ok {
			dropped++
			r.log.Info().
				Uint32("pid", sess.PID).
				Str("mxid", sess.Owner.String()).
				Msg("Dropped session of exited process")
		}
	}
	return dropped
}
