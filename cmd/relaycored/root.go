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
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relaycored",
	Short: "Conversation engine daemon: agentic LLM conversations with tool use and sub-agents",
	Long: `relaycored runs the conversation core that mediates between a client and
one or more LLM providers, executing tools and sub-agents on the model's
behalf. It owns persistence, recovery, and the sub-agent spawn/cancel
fabric; the HTTP/SSE transport that clients speak to is an external
process wired against this daemon's runtime manager.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.relaycore/relaycore.yaml)")
	rootCmd.PersistentFlags().String("host", "", "server listen host (overrides config)")
	rootCmd.PersistentFlags().Int("port", 0, "server listen port (overrides config)")
	rootCmd.PersistentFlags().String("db", "", "sqlite database path (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (overrides config)")
}
