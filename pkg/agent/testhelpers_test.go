// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package agent

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/wechat"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/wechat/wechattest"
)

// mockSender captures queued frames for test assertions.
type mockSender struct {
	mu     sync.Mutex
	frames []json.RawMessage
	sent   chan struct{}
}

func newMockSender() *mockSender {
	return &mockSender{sent: make(chan struct{}, 64)}
}

func (m *mockSender) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.frames = append(m.frames, data)
	m.mu.Unlock()
	select {
	case m.sent <- struct{}{}:
	default:
	}
	return nil
}

// Frames returns every captured frame decoded into a generic map.
func (m *mockSender) Frames() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.frames))
	for _, f := range m.frames {
		var v map[string]any
		_ = json.Unmarshal(f, &v)
		out = append(out, v)
	}
	return out
}

// waitFrames blocks until at least n frames were captured.
func (m *mockSender) waitFrames(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if frames := m.Frames(); len(frames) >= n {
			return frames
		}
		select {
		case <-m.sent:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, len(m.Frames()))
		}
	}
}

// fakeDriver implements wechat.Driver and wechat.Processes in memory.
type fakeDriver struct {
	mu        sync.Mutex
	nextPID   uint32
	launched  int
	listenErr error
	alive     map[uint32]bool
	killed    []uint32
	stopCalls int
	aliveErr  error

	// hold and holding make the next NewInstance wait; see blockNextLaunch.
	hold    chan struct{}
	holding chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{nextPID: 4000, alive: map[uint32]bool{}}
}

func (d *fakeDriver) NewInstance() (uint32, error) {
	d.mu.Lock()
	hold, holding := d.hold, d.holding
	d.hold, d.holding = nil, nil
	d.mu.Unlock()
	if hold != nil {
		close(holding)
		<-hold
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextPID++
	d.launched++
	d.alive[d.nextPID] = true
	return d.nextPID, nil
}

func (d *fakeDriver) StartListen(uint32, int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listenErr
}

func (d *fakeDriver) StopListen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCalls++
	return nil
}

func (d *fakeDriver) Alive(pid uint32) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive[pid], d.aliveErr
}

func (d *fakeDriver) Kill(pid uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.alive[pid] {
		return errors.New("no such process")
	}
	d.alive[pid] = false
	d.killed = append(d.killed, pid)
	return nil
}

func (d *fakeDriver) setAlive(pid uint32, alive bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alive[pid] = alive
}

func (d *fakeDriver) setAliveErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aliveErr = err
}

// blockNextLaunch makes the next NewInstance wait until release is called.
// entered is closed once that launch is waiting.
func (d *fakeDriver) blockNextLaunch() (entered <-chan struct{}, release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hold, holding := make(chan struct{}), make(chan struct{})
	d.hold, d.holding = hold, holding
	return holding, sync.OnceFunc(func() { close(hold) })
}

func (d *fakeDriver) Killed() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.killed...)
}

func (d *fakeDriver) Launched() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launched
}

// dispatcherFixture bundles a dispatcher with its fakes. The first launched
// session talks to hook.
type dispatcherFixture struct {
	dispatcher *Dispatcher
	registry   *Registry
	sender     *mockSender
	driver     *fakeDriver
	hook       *wechattest.FakeHook
	launcher   *wechat.Launcher
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	hook := wechattest.NewFakeHook()
	t.Cleanup(hook.Close)
	driver := newFakeDriver()
	launcher := wechat.NewLauncher(wechat.LauncherConfig{
		CallbackPort:     23333,
		FirstControlPort: hook.Port(),
		SavePath:         t.TempDir(),
	}, driver, driver, zerolog.Nop())
	registry := NewRegistry()
	sender := newMockSender()
	return &dispatcherFixture{
		dispatcher: NewDispatcher(registry, launcher, sender, zerolog.Nop()),
		registry:   registry,
		sender:     sender,
		driver:     driver,
		hook:       hook,
		launcher:   launcher,
	}
}
