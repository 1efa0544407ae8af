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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnrun/coder/internal/commands/shared"
	"github.com/kilnrun/coder/internal/model"
	"github.com/kilnrun/coder/internal/store"
)

// NewStatusCommand reports the current develop loop run for a
// workspace, read directly from loop-state.json — it does not require
// the loop to be running.
func NewStatusCommand() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the develop loop's current run state",
		Annotations: map[string]string{
			"group": "execution",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(workspace)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "Workspace root (holds .coder/ state)")

	return cmd
}

func runStatus(workspace string) error {
	stores := store.New(workspace)

	st, ok, err := stores.LoadLoopState()
	if err != nil {
		return shared.NewExecutionError("loading loop state", err)
	}
	if !ok {
		fmt.Println("no develop loop has run in this workspace")
		return nil
	}

	fmt.Printf("run:       %s\n", st.RunID)
	fmt.Printf("status:    %s\n", st.Status)
	fmt.Printf("issue:     %d/%d\n", st.CurrentIndex, len(st.IssueQueue))
	fmt.Printf("stage:     %s\n", st.CurrentStage)
	fmt.Printf("heartbeat: %s ago\n", time.Since(st.LastHeartbeatAt).Round(time.Second))
	if store.IsStale(st) {
		fmt.Println("note:      heartbeat is stale and the runner pid is not alive; this run looks abandoned")
	}

	return nil
}

// newControlCommand builds a cancel/pause/resume command; each writes
// the same file-based control signal (§4.G), the fallback for when
// the CLI invocation issuing it is a different process than the one
// running the loop.
func newControlCommand(use, short string, action model.ControlAction) *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Annotations: map[string]string{
			"group": "execution",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			stores := store.New(workspace)
			if err := stores.WriteControlSignal(model.ControlSignal{Action: action, Ts: time.Now().UTC()}); err != nil {
				return shared.NewExecutionError(fmt.Sprintf("writing %s signal", action), err)
			}
			fmt.Printf("%s signal sent\n", action)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "Workspace root (holds .coder/ state)")

	return cmd
}

// NewCancelCommand signals a running develop loop to stop at its next
// checkpoint.
func NewCancelCommand() *cobra.Command {
	return newControlCommand("cancel", "Cancel a running develop loop", model.ActionCancel)
}

// NewPauseCommand signals a running develop loop to suspend after its
// current machine completes.
func NewPauseCommand() *cobra.Command {
	return newControlCommand("pause", "Pause a running develop loop", model.ActionPause)
}

// NewResumeCommand signals a paused develop loop to continue.
func NewResumeCommand() *cobra.Command {
	return newControlCommand("resume", "Resume a paused develop loop", model.ActionResume)
}
