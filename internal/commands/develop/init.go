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

package develop

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kilnrun/coder/internal/commands/shared"
	"github.com/kilnrun/coder/internal/config"
)

// NewInitCommand creates the init command: a short interactive wizard
// that writes a minimal config.yaml pointing the default agent roles
// at one assistant CLI command (and optional model), plus a test
// command, leaving every other workflow setting at its default.
//
// Grounded on the teacher's internal/commands/setup wizard, trimmed to
// a single huh.Form instead of the full multi-screen flow: this repo
// has one agent command and one test command to configure, not a
// tree of integrations and secret-storage backends.
func NewInitCommand() *cobra.Command {
	var accessible bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively write a starter config.yaml",
		Annotations: map[string]string{
			"group": "config",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(accessible)
		},
	}

	cmd.Flags().BoolVar(&accessible, "accessible", false, "Use plain prompts instead of the TUI form")

	return cmd
}

type initAnswers struct {
	command     string
	model       string
	testCommand string
	configPath  string
}

func runInit(accessible bool) error {
	defaultPath, err := config.ConfigPath()
	if err != nil {
		return shared.NewExecutionError("resolving default config path", err)
	}

	answers := initAnswers{
		command:     "claude",
		model:       "",
		testCommand: "go test ./...",
		configPath:  defaultPath,
	}

	if accessible {
		if err := runInitAccessible(&answers); err != nil {
			return shared.NewExecutionError("running init wizard", err)
		}
	} else {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Coding assistant CLI command").
					Description("The executable coder shells out to for the programmer and reviewer roles").
					Value(&answers.command).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("a command is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Default model (optional)").
					Description("Leave blank to use the CLI's own default").
					Value(&answers.model),
				huh.NewInput().
					Title("Test command").
					Description("Run by the quality-review gate before a commit is allowed").
					Value(&answers.testCommand).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("a test command is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Write config to").
					Value(&answers.configPath),
			),
		)

		if err := form.Run(); err != nil {
			return shared.NewExecutionError("running init wizard", err)
		}
	}

	if err := config.WriteConfigMinimal("claude", answers.configPath); err != nil {
		return shared.NewExecutionError("writing config", err)
	}

	if err := applyInitAnswers(answers); err != nil {
		return shared.NewExecutionError("applying init answers", err)
	}

	fmt.Fprintf(os.Stdout, "Wrote %s\n", answers.configPath)
	return nil
}

// runInitAccessible is the non-TUI fallback, grounded on the
// teacher's forms.AccessibleWizard: numbered plain-text prompts, no
// ANSI codes or cursor movement.
func runInitAccessible(answers *initAnswers) error {
	scanner := bufio.NewScanner(os.Stdin)

	prompt := func(label, current string) (string, error) {
		fmt.Printf("%s [%s]: ", label, current)
		if !scanner.Scan() {
			return "", fmt.Errorf("failed to read input")
		}
		s := strings.TrimSpace(scanner.Text())
		if s == "" {
			return current, nil
		}
		return s, nil
	}

	fmt.Println("=== coder init (accessible mode) ===")
	fmt.Println()

	command, err := prompt("Coding assistant CLI command", answers.command)
	if err != nil {
		return err
	}
	answers.command = command

	model, err := prompt("Default model (optional)", answers.model)
	if err != nil {
		return err
	}
	answers.model = model

	testCommand, err := prompt("Test command", answers.testCommand)
	if err != nil {
		return err
	}
	answers.testCommand = testCommand

	configPath, err := prompt("Write config to", answers.configPath)
	if err != nil {
		return err
	}
	answers.configPath = configPath

	return nil
}

// applyInitAnswers rewrites the freshly-written config with the
// user's model/test-command answers, since WriteConfigMinimal only
// sets the CLI command.
func applyInitAnswers(answers initAnswers) error {
	cfg, err := config.Load(answers.configPath)
	if err != nil {
		return err
	}

	cfg.Test.Command = answers.testCommand
	for role, rc := range cfg.Workflow.AgentRoles {
		rc.Command = answers.command
		rc.Model = answers.model
		cfg.Workflow.AgentRoles[role] = rc
	}

	return config.WriteConfig(cfg, answers.configPath)
}
