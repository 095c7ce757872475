// Copyright 2024-2026 Aiku AI

package agent

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/retry"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/translator"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/transport"
	"github.com/aiku/matrix-wechat-agent/pkg/agent/wechat"
)

//go:embed example-config.yaml
var ExampleConfig string

// ErrInvalidConfig is returned by [Config.PostProcess].
var ErrInvalidConfig = errors.New("invalid config")

// Config is the agent configuration file.
type Config struct {
	Websocket  WebsocketConfig   `yaml:"websocket"`
	WeChat     WeChatConfig      `yaml:"wechat"`
	Callback   CallbackConfig    `yaml:"callback"`
	Translator TranslatorConfig  `yaml:"translator"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type WebsocketConfig struct {
	Address          string        `yaml:"address" env:"AGENT_WS_ADDRESS"`
	Token            string        `yaml:"token" env:"AGENT_WS_TOKEN"`
	BackoffUnit      time.Duration `yaml:"backoff_unit"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	MaxReconnects    int           `yaml:"max_reconnects"`
	WriteAttempts    int           `yaml:"write_attempts"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type WeChatConfig struct {
	DriverPath         string        `yaml:"driver_path"`
	SavePath           string        `yaml:"save_path" env:"AGENT_SAVE_PATH"`
	FilesDir           string        `yaml:"files_dir"`
	FirstControlPort   int           `yaml:"first_control_port"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	QRCodeDelay        time.Duration `yaml:"qr_code_delay"`
	LogoutOnDisconnect bool          `yaml:"logout_on_disconnect"`
	TeardownTimeout    time.Duration `yaml:"teardown_timeout"`
	ReapInterval       time.Duration `yaml:"reap_interval"`
}

type CallbackConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port" env:"AGENT_CALLBACK_PORT"`
	MaxDecodeFailures int    `yaml:"max_decode_failures"`
}

type TranslatorConfig struct {
	DuplicateFilter  translator.DuplicatePolicy `yaml:"duplicate_filter"`
	ProbeAttempts    int                        `yaml:"probe_attempts"`
	ProbeDelay       time.Duration              `yaml:"probe_delay"`
	StickerUserAgent string                     `yaml:"sticker_user_agent"`
	StickerTimeout   time.Duration              `yaml:"sticker_timeout"`
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "websocket", "address")
	helper.Copy(up.Str, "websocket", "token")
	helper.Copy(up.Str, "websocket", "backoff_unit")
	helper.Copy(up.Str, "websocket", "failure_window")
	helper.Copy(up.Int, "websocket", "max_reconnects")
	helper.Copy(up.Int, "websocket", "write_attempts")
	helper.Copy(up.Str, "websocket", "handshake_timeout")

	helper.Copy(up.Str, "wechat", "driver_path")
	helper.Copy(up.Str, "wechat", "save_path")
	helper.Copy(up.Str, "wechat", "files_dir")
	helper.Copy(up.Int, "wechat", "first_control_port")
	helper.Copy(up.Str, "wechat", "request_timeout")
	helper.Copy(up.Str, "wechat", "qr_code_delay")
	helper.Copy(up.Bool, "wechat", "logout_on_disconnect")
	helper.Copy(up.Str, "wechat", "teardown_timeout")
	helper.Copy(up.Str, "wechat", "reap_interval")

	helper.Copy(up.Str, "callback", "host")
	helper.Copy(up.Int, "callback", "port")
	helper.Copy(up.Int, "callback", "max_decode_failures")

	helper.Copy(up.Str, "translator", "duplicate_filter")
	helper.Copy(up.Int, "translator", "probe_attempts")
	helper.Copy(up.Str, "translator", "probe_delay")
	helper.Copy(up.Str, "translator", "sticker_user_agent")
	helper.Copy(up.Str, "translator", "sticker_timeout")

	helper.Copy(up.Map, "logging")
}

var configUpgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"wechat"},
		{"callback"},
		{"translator"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// LoadConfig reads and validates the config at path. See [ReadConfig].
func LoadConfig(path string) (*Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadConfig reads the config at path without validating it, writing the
// example config there first if the file does not exist. Missing keys are
// filled in from the example and saved back. Environment variables
// override the file.
func ReadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
	}
	data, _, err := up.Do(path, true, configUpgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return decodeConfig(data)
}

// ParseConfig decodes and validates a complete config document.
func ParseConfig(data []byte) (*Config, error) {
	cfg, err := decodeConfig(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return &cfg, nil
}

// PostProcess validates the config and fills in derived defaults.
func (c *Config) PostProcess() error {
	if c.Websocket.Address == "" {
		return fmt.Errorf("%w: websocket.address is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.Websocket.Address)
	if err != nil {
		return fmt.Errorf("%w: websocket.address: %w", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: websocket.address must be a ws:// or wss:// URL", ErrInvalidConfig)
	}
	if c.Callback.Port <= 0 || c.Callback.Port > 65535 {
		return fmt.Errorf("%w: callback.port %d is out of range", ErrInvalidConfig, c.Callback.Port)
	}
	if c.Callback.Host == "" {
		c.Callback.Host = "127.0.0.1"
	}
	switch c.Translator.DuplicateFilter {
	case "":
		c.Translator.DuplicateFilter = translator.DuplicatePhoneZero
	case translator.DuplicatePhoneZero, translator.DuplicateNone:
	default:
		return fmt.Errorf("%w: unknown translator.duplicate_filter %q", ErrInvalidConfig, c.Translator.DuplicateFilter)
	}
	if c.WeChat.DriverPath == "" {
		c.WeChat.DriverPath = wechat.DefaultDriverPath
	}
	if c.WeChat.SavePath == "" {
		c.WeChat.SavePath = filepath.Join(os.TempDir(), "matrix-wechat-agent")
	}
	return nil
}

// CallbackAddr is the listen address of the callback server.
func (c *Config) CallbackAddr() string {
	return net.JoinHostPort(c.Callback.Host, strconv.Itoa(c.Callback.Port))
}

func (c *Config) transportConfig() transport.Config {
	return transport.Config{
		Address:          c.Websocket.Address,
		Token:            c.Websocket.Token,
		BackoffUnit:      c.Websocket.BackoffUnit,
		MaxReconnects:    c.Websocket.MaxReconnects,
		FailureWindow:    c.Websocket.FailureWindow,
		WriteAttempts:    c.Websocket.WriteAttempts,
		HandshakeTimeout: c.Websocket.HandshakeTimeout,
	}
}

func (c *Config) launcherConfig() wechat.LauncherConfig {
	return wechat.LauncherConfig{
		CallbackPort:     c.Callback.Port,
		FirstControlPort: c.WeChat.FirstControlPort,
		SavePath:         c.WeChat.SavePath,
		Client: wechat.ClientOptions{
			Timeout:     c.WeChat.RequestTimeout,
			QRCodeDelay: c.WeChat.QRCodeDelay,
		},
		LogoutOnTeardown: c.WeChat.LogoutOnDisconnect,
		TeardownTimeout:  c.WeChat.TeardownTimeout,
	}
}

func (c *Config) translatorConfig(filesDir string) translator.Config {
	probe := retry.FileProbe
	if c.Translator.ProbeAttempts > 0 {
		probe.MaxAttempts = c.Translator.ProbeAttempts
	}
	if c.Translator.ProbeDelay > 0 {
		probe.InitialDelay = c.Translator.ProbeDelay
	}
	return translator.Config{
		FilesDir:        filesDir,
		DuplicateFilter: c.Translator.DuplicateFilter,
		Probe:           probe,
		UserAgent:       c.Translator.StickerUserAgent,
		StickerTimeout:  c.Translator.StickerTimeout,
	}
}
