// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command responder runs incident response operations: it detects
// suspicious activity on agents, hunts for related evidence and responds,
// gated by per-agent severity.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianResponder/services/responder/config"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	envFile    string
	verbose    bool
}

// runOptions select the operation a command works on.
type runOptions struct {
	operationID string
	cycles      int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "responder",
		Short: "Plan and run incident response operations",
		Long: `responder cycles through setup, detection, hunt and response buckets,
reacting only to detections that produced evidence and only on agents
whose severity clears each response ability's threshold.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to responder.yaml")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file loaded before the config")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level")

	root.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newValidateCmd(opts),
		newTreeCmd(opts),
	)
	return root
}
