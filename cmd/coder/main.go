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

package main

import (
	"github.com/kilnrun/coder/internal/cli"
	"github.com/kilnrun/coder/internal/commands/completion"
	"github.com/kilnrun/coder/internal/commands/develop"
	"github.com/kilnrun/coder/internal/commands/docs"
	versioncmd "github.com/kilnrun/coder/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Develop loop commands
	rootCmd.AddCommand(develop.NewRunCommand())
	rootCmd.AddCommand(develop.NewInitCommand())
	rootCmd.AddCommand(develop.NewStatusCommand())
	rootCmd.AddCommand(develop.NewCancelCommand())
	rootCmd.AddCommand(develop.NewPauseCommand())
	rootCmd.AddCommand(develop.NewResumeCommand())

	// Diagnostics and documentation
	rootCmd.AddCommand(completion.NewCommand())
	rootCmd.AddCommand(docs.NewDocsCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
