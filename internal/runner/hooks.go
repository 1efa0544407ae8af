package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"

	"github.com/kilnrun/coder/internal/subproc"
)

// HookConfig is one entry from workflow.hooks[] in the workspace
// configuration: `{on, machine?, run}`.
type HookConfig struct {
	On           string
	MachineRegex string
	Run          string
}

// Hooks fires the configured shell-command hooks for each lifecycle
// event. Every invocation is fire-and-forget with a 30s cap: failures
// are logged, never propagated, so a broken hook can't abort a run.
//
// Grounded on the teacher's pkg/workflow.Hooks (BeforeTransition /
// AfterTransition / OnError in-process callbacks), generalized from
// Go closures to shell commands parameterized via CODER_HOOK_* env
// vars, since §4.E's hooks are configured in YAML, not compiled in.
type Hooks struct {
	Configs []HookConfig
	Logger  *slog.Logger
}

const hookTimeoutMs = 30_000

// Fire runs every hook whose On matches event and whose MachineRegex
// (if set) matches machineName.
func (h *Hooks) Fire(ctx context.Context, event, machineName, status string, data any, runID string) {
	if h == nil {
		return
	}
	for _, cfg := range h.Configs {
		if cfg.On != event {
			continue
		}
		if cfg.MachineRegex != "" {
			matched, err := regexp.MatchString(cfg.MachineRegex, machineName)
			if err != nil || !matched {
				continue
			}
		}
		h.run(ctx, cfg, event, machineName, status, data, runID)
	}
}

func (h *Hooks) run(ctx context.Context, cfg HookConfig, event, machineName, status string, data any, runID string) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("null")
	}

	env := map[string]string{
		"CODER_HOOK_EVENT":   event,
		"CODER_HOOK_MACHINE": machineName,
		"CODER_HOOK_STATUS":  status,
		"CODER_HOOK_DATA":    string(dataJSON),
		"CODER_HOOK_RUN_ID":  runID,
	}

	_, err = subproc.Run(ctx, cfg.Run, subproc.Options{Env: env, TimeoutMs: hookTimeoutMs, ThrowOnNonZero: true})
	if err != nil && h.Logger != nil {
		h.Logger.Warn("workflow hook failed", slog.String("event", event), slog.String("run", cfg.Run), slog.Any("error", err))
	}
}
