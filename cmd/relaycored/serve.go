// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaycore/engine/internal/config"
	"github.com/relaycore/engine/internal/provider/anthropic"
	"github.com/relaycore/engine/internal/runtime"
	"github.com/relaycore/engine/internal/store/sqlite"
	"github.com/relaycore/engine/internal/tool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot the conversation engine and block until shutdown",
	Long: `serve wires the persistence store, provider adapter, tool registry, and
runtime manager, runs the boot-time orphan-tool-use repair, and blocks
until it receives SIGINT/SIGTERM. It does not itself terminate any
network request: an external HTTP/SSE process drives Manager.Submit and
Manager.Subscribe against this process's runtime, using the contract
internal/transport documents.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("relaycored: load config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("relaycored: invalid config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("relaycored: build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting relaycored",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Path))

	store, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("relaycored: open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("error closing store", zap.Error(err))
		}
	}()

	catalog, err := config.LoadModelCatalog(cfg.LLM.ModelCatalogPath)
	if err != nil {
		return fmt.Errorf("relaycored: load model catalog: %w", err)
	}
	logger.Info("loaded model catalog", zap.Int("models", len(catalog)))

	adapter, err := anthropic.New(anthropic.Config{
		APIKey:         cfg.LLM.AnthropicAPIKey,
		DefaultModel:   cfg.LLM.DefaultModel,
		Timeout:        time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		ContextWindows: config.ContextWindows(catalog),
	})
	if err != nil {
		return fmt.Errorf("relaycored: build provider adapter: %w", err)
	}

	registry := tool.NewRegistry()
	registry.Register(tool.NewBashTool(cfg.Runtime.WorkingDirRoot))

	browsers := runtime.NewBrowserSessionRegistry(
		time.Duration(cfg.Runtime.BrowserIdleTimeoutS)*time.Second, logger)
	defer browsers.Stop()

	mgr := runtime.NewManager(store, adapter, registry, logger, runtime.Config{
		DefaultModel:    cfg.LLM.DefaultModel,
		WorkingDirRoot:  cfg.Runtime.WorkingDirRoot,
		SubAgentTimeout: time.Duration(cfg.Runtime.SubAgentTimeoutS) * time.Second,
		NotifierBuffer:  cfg.Runtime.NotifierBuffer,
		MaxAttempts:     cfg.LLM.RetryMaxAttempt,
		RetryBaseDelay:  time.Duration(cfg.LLM.RetryBaseMs) * time.Millisecond,
		RetryMaxDelay:   time.Duration(cfg.LLM.RetryMaxMs) * time.Millisecond,
		ContextMargin:   cfg.LLM.ContextMarginTokens,
	})

	logger.Info("running boot-time orphan-tool-use repair")
	if err := mgr.Boot(); err != nil {
		return fmt.Errorf("relaycored: boot repair: %w", err)
	}

	logger.Info("relaycored ready",
		zap.String("note", "HTTP/SSE transport is an external process against this runtime"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	mgr.Shutdown()
	return nil
}

// applyFlagOverrides lets explicit CLI flags win over the file/env/default
// layers config.Load already resolved, without viper re-binding the flag
// set itself.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		cfg.Server.Host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Server.Port = v
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.Database.Path = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level := zap.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			log.Printf("relaycored: invalid log level %q, using info: %v", cfg.Level, err)
		} else {
			zapCfg.Level = zap.NewAtomicLevelAt(level)
		}
	}
	return zapCfg.Build()
}
