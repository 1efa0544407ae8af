// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package develop wires the develop loop (issue discovery, the
// planning/implementation/review/commit pipeline, and the quality
// review gate) into cobra commands.
package develop

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilnrun/coder/internal/agentpool"
	"github.com/kilnrun/coder/internal/commands/shared"
	"github.com/kilnrun/coder/internal/config"
	"github.com/kilnrun/coder/internal/developloop"
	"github.com/kilnrun/coder/internal/issuesource"
	"github.com/kilnrun/coder/internal/log"
	"github.com/kilnrun/coder/internal/observability"
	"github.com/kilnrun/coder/internal/reviewloop"
	"github.com/kilnrun/coder/internal/runner"
	"github.com/kilnrun/coder/internal/secrets"
	"github.com/kilnrun/coder/internal/statemachine"
	"github.com/kilnrun/coder/internal/store"
)

// NewRunCommand creates the run command: discover issues, then drive
// each one through the develop loop until the queue is empty.
func NewRunCommand() *cobra.Command {
	var (
		workspace        string
		repoRoot         string
		manifest         string
		project          string
		maxIssues        int
		forcedIDs        []string
		destructiveReset bool
		metricsAddr      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the develop loop over the configured issue source",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run discovers candidate issues, orders them by dependency, and
drives each one through the pipeline: planning, implementation,
quality review, and pull-request creation.

The issue source is a local JSON manifest (see --manifest); hosted
tracker integrations are outside this command's scope.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevelopLoop(cmd.Context(), runOptions{
				configPath:       shared.GetConfigPath(),
				workspace:        workspace,
				repoRoot:         repoRoot,
				manifest:         manifest,
				project:          project,
				maxIssues:        maxIssues,
				forcedIDs:        forcedIDs,
				destructiveReset: destructiveReset,
				metricsAddr:      metricsAddr,
				verbose:          shared.GetVerbose(),
			})
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "Workspace root (holds .coder/ state)")
	cmd.Flags().StringVar(&repoRoot, "repo", "", "Repository root for git operations (default: workspace)")
	cmd.Flags().StringVarP(&manifest, "manifest", "m", "", "Path to a local JSON issue manifest")
	cmd.Flags().StringVarP(&project, "project", "p", "", "Restrict to issues whose repoPath matches")
	cmd.Flags().IntVar(&maxIssues, "max-issues", 0, "Cap the number of issues processed this run (0 = no cap)")
	cmd.Flags().StringSliceVar(&forcedIDs, "issue", nil, "Restrict the run to specific issue IDs")
	cmd.Flags().BoolVar(&destructiveReset, "destructive-reset", false, "Allow the loop to discard an issue's in-progress worktree on retry")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on while running (e.g. :9090); empty disables it")

	return cmd
}

type runOptions struct {
	configPath       string
	workspace        string
	repoRoot         string
	manifest         string
	project          string
	maxIssues        int
	forcedIDs        []string
	destructiveReset bool
	metricsAddr      string
	verbose          bool
}

func runDevelopLoop(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return shared.NewExecutionError("loading configuration", err)
	}

	logCfg := &log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format), Output: os.Stderr, AddSource: cfg.Log.AddSource}
	if opts.verbose {
		logCfg.Level = "debug"
	}
	logger := log.New(logCfg)

	version, _, _ := shared.GetVersion()
	provider, err := observability.NewOTelProvider("coder", version)
	if err != nil {
		return shared.NewExecutionError("starting observability provider", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr, provider, logger)
	}

	resolver := secrets.NewResolver(defaultSecretBackends()...)
	agentResolver, err := config.BuildResolver(ctx, cfg.Workflow, resolver)
	if err != nil {
		return shared.NewExecutionError("building agent resolver", err)
	}

	pool := agentpool.New(agentResolver)
	developloop.RegisterMachines(pool)
	reviewloop.RegisterMachine(pool, reviewloop.Config{
		Ppcommit:               cfg.Ppcommit.ToReviewloop(),
		ReviewRoundTimeoutMs:   cfg.Workflow.Timeouts.ReviewRoundMs,
		ProgrammerFixTimeoutMs: cfg.Workflow.Timeouts.ProgrammerFixMs,
		TestCommand:            cfg.Test.Command,
		TestTimeoutMs:          cfg.Test.TimeoutMs,
	})

	stores := store.New(opts.workspace)
	smStores := &statemachine.Stores{JSON: stores}

	repoRoot := opts.repoRoot
	if repoRoot == "" {
		repoRoot = opts.workspace
	}

	sup := &developloop.Supervisor{
		Stores: stores,
		Pool:   pool,
		Logger: logger,
		Runner: &runner.Runner{
			Stores:  smStores,
			Logger:  logger,
			Metrics: provider.Metrics(),
		},
		WorkspacePath:    opts.workspace,
		RepoRoot:         repoRoot,
		DestructiveReset: opts.destructiveReset,
	}

	lister := issuesource.Local{}
	filter := developloop.IssueFilter{
		ProjectFilter: opts.project,
		LocalManifest: opts.manifest,
		ForcedIDs:     opts.forcedIDs,
		MaxIssues:     opts.maxIssues,
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	token := &runner.CancelToken{}
	go func() {
		<-runCtx.Done()
		token.Cancel()
	}()
	go watchControlSignals(runCtx, stores, token, logger)

	loopState, err := sup.Run(runCtx, lister, filter, token)
	if err != nil {
		return shared.NewExecutionError("running develop loop", err)
	}

	fmt.Fprintf(os.Stdout, "develop loop finished: %s (%d issues)\n", loopState.Status, len(loopState.IssueQueue))
	return nil
}
