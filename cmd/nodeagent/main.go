// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nodeattest/agent/config"
	"github.com/nodeattest/agent/debug"
	"github.com/nodeattest/agent/lifecycle"
	"github.com/nodeattest/agent/profiling"
)

const serviceName = "nodeagent"

func main() {
	os.Exit(run())
}

func run() int {
	profiling.NodeAgent.InitProfilerIfEnabled()

	debug.SetupLog(serviceName)

	configFile, err := config.FilenameFromArgs(os.Args[1:])
	if err != nil {
		slog.Error("failed to determine config file", "error", err)
		return 1
	}

	cfg := config.Default()
	if err := config.Load(cfg, configFile); err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	orchestrator := &lifecycle.Orchestrator{
		Config:      cfg,
		RequireRoot: true,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.Run(ctx); err != nil {
		slog.Error("node agent exited with error", "error", err)
		return 1
	}

	return 0
}
