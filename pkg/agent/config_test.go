// Copyright 2024-2026 Aiku AI

package agent

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/translator"
)

func TestParseExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte(ExampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Websocket.BackoffUnit != 10*time.Second {
		t.Errorf("BackoffUnit: got %v, want 10s", cfg.Websocket.BackoffUnit)
	}
	if cfg.Websocket.FailureWindow != 5*time.Minute {
		t.Errorf("FailureWindow: got %v, want 5m", cfg.Websocket.FailureWindow)
	}
	if cfg.Callback.Port != 23333 || cfg.CallbackAddr() != "127.0.0.1:23333" {
		t.Errorf("callback: got %+v", cfg.Callback)
	}
	if cfg.Translator.DuplicateFilter != translator.DuplicatePhoneZero {
		t.Errorf("DuplicateFilter: got %q", cfg.Translator.DuplicateFilter)
	}
	if cfg.WeChat.SavePath == "" {
		t.Error("SavePath should get a default")
	}
	if _, err := cfg.Logging.Compile(); err != nil {
		t.Errorf("logging config does not compile: %v", err)
	}
}

func TestConfigUnmarshalYAML(t *testing.T) {
	t.Parallel()
	input := `
websocket:
    address: wss://bridge.example.com/agent
    token: secret
    backoff_unit: 2s
wechat:
    first_control_port: 30000
    logout_on_disconnect: true
translator:
    duplicate_filter: none
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cfg.Websocket.Address != "wss://bridge.example.com/agent" || cfg.Websocket.Token != "secret" {
		t.Errorf("websocket: got %+v", cfg.Websocket)
	}
	if cfg.Websocket.BackoffUnit != 2*time.Second {
		t.Errorf("BackoffUnit: got %v", cfg.Websocket.BackoffUnit)
	}
	if cfg.WeChat.FirstControlPort != 30000 || !cfg.WeChat.LogoutOnDisconnect {
		t.Errorf("wechat: got %+v", cfg.WeChat)
	}
	if cfg.Translator.DuplicateFilter != translator.DuplicateNone {
		t.Errorf("DuplicateFilter: got %q", cfg.Translator.DuplicateFilter)
	}
}

func TestConfigPostProcessRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing address", Config{Callback: CallbackConfig{Port: 1}}, "websocket.address"},
		{"http address", Config{Websocket: WebsocketConfig{Address: "http://x"}, Callback: CallbackConfig{Port: 1}}, "ws://"},
		{"bad port", Config{Websocket: WebsocketConfig{Address: "ws://x"}, Callback: CallbackConfig{Port: 70000}}, "callback.port"},
		{
			"bad filter",
			Config{
				Websocket:  WebsocketConfig{Address: "ws://x"},
				Callback:   CallbackConfig{Port: 1},
				Translator: TranslatorConfig{DuplicateFilter: "sometimes"},
			},
			"duplicate_filter",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.PostProcess()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("got %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_WS_ADDRESS", "ws://override:1234/ws")
	t.Setenv("AGENT_WS_TOKEN", "from-env")
	t.Setenv("AGENT_CALLBACK_PORT", "24444")
	t.Setenv("AGENT_SAVE_PATH", "/srv/wechat")

	cfg, err := ParseConfig([]byte(ExampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Websocket.Address != "ws://override:1234/ws" || cfg.Websocket.Token != "from-env" {
		t.Errorf("websocket: got %+v", cfg.Websocket)
	}
	if cfg.Callback.Port != 24444 {
		t.Errorf("callback port: got %d", cfg.Callback.Port)
	}
	if cfg.WeChat.SavePath != "/srv/wechat" {
		t.Errorf("save path: got %q", cfg.WeChat.SavePath)
	}
	if lc := cfg.launcherConfig(); lc.CallbackPort != 24444 || lc.SavePath != "/srv/wechat" {
		t.Errorf("launcher config: got %+v", lc)
	}
}

func TestLoadConfigWritesExample(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Websocket.Address != "ws://127.0.0.1:29350/ws" {
		t.Errorf("Address: got %q", cfg.Websocket.Address)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("example config was not written: %v", err)
	}
}

func TestLoadConfigFillsMissingKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := "websocket:\n    address: ws://bridge:29350/ws\n    token: abc\n"
	if err := os.WriteFile(path, []byte(partial), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Websocket.Address != "ws://bridge:29350/ws" || cfg.Websocket.Token != "abc" {
		t.Errorf("existing values lost: %+v", cfg.Websocket)
	}
	if cfg.Callback.Port != 23333 || cfg.WeChat.QRCodeDelay != 3*time.Second {
		t.Errorf("defaults not filled in: %+v %+v", cfg.Callback, cfg.WeChat)
	}
}

func TestTranslatorConfigProbe(t *testing.T) {
	t.Parallel()
	cfg := &Config{Translator: TranslatorConfig{ProbeAttempts: 5, ProbeDelay: 200 * time.Millisecond}}
	probe := cfg.translatorConfig("C:\\WeChat Files").Probe
	if probe.MaxAttempts != 5 || probe.InitialDelay != 200*time.Millisecond || probe.Multiplier != 2 {
		t.Errorf("probe: got %+v", probe)
	}
}
