// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-wechat-agent runs hooked WeChat clients for a Matrix-WeChat
// bridge. It keeps a websocket to the bridge, launches one WeChat process per
// Matrix user and forwards messages in both directions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aiku/matrix-wechat-agent/pkg/agent"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	token      string
	address    string
	port       int
)

var rootCmd = &cobra.Command{
	Use:           "matrix-wechat-agent",
	Short:         "WeChat agent for the Matrix-WeChat bridge",
	Version:       fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := agent.ReadConfig(configPath)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("token") {
			cfg.Websocket.Token = token
		}
		if flags.Changed("addr") {
			cfg.Websocket.Address = address
		}
		if flags.Changed("port") {
			cfg.Callback.Port = port
		}
		if err := cfg.PostProcess(); err != nil {
			return err
		}
		log, err := cfg.Logging.Compile()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		log.Info().
			Str("version", Tag).
			Str("commit", Commit).
			Str("built_at", BuildTime).
			Msg("Initializing matrix-wechat-agent")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return agent.New(cfg, *log).Run(ctx)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	flags.StringVarP(&token, "token", "t", "", "bridge token, overrides websocket.token")
	flags.StringVarP(&address, "addr", "a", "", "bridge websocket address, overrides websocket.address")
	flags.IntVarP(&port, "port", "p", 0, "callback port, overrides callback.port")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
