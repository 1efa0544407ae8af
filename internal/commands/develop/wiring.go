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
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilnrun/coder/internal/model"
	"github.com/kilnrun/coder/internal/observability"
	"github.com/kilnrun/coder/internal/runner"
	"github.com/kilnrun/coder/internal/secrets"
	"github.com/kilnrun/coder/internal/store"
)

const shutdownTimeout = 5 * time.Second

// controlPollInterval is how often control.json is polled (§4.G); it is
// separate from, and slower than, the runner's PausePollInterval
// (500ms default). Frequent enough that a CLI-issued pause/cancel/resume
// is observed within a couple of seconds, cheap enough to poll for the
// life of a run.
const controlPollInterval = 2 * time.Second

// watchControlSignals polls control.json for the file-based
// cancel/pause/resume fallback (§4.G) and applies it to token. It is
// the counterpart to the develop/control.go commands, which write
// control.json from a separate CLI invocation since the running
// process owns the in-memory token exclusively.
func watchControlSignals(ctx context.Context, stores *store.Stores, token *runner.CancelToken, logger *slog.Logger) {
	ticker := time.NewTicker(controlPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sig, err := stores.PollControlSignal("")
			if err != nil {
				logger.Warn("failed to poll control signal", slog.Any("error", err))
				continue
			}
			if sig == nil {
				continue
			}
			switch sig.Action {
			case model.ActionCancel:
				logger.Info("received cancel signal")
				token.Cancel()
			case model.ActionPause:
				logger.Info("received pause signal")
				token.Pause()
			case model.ActionResume:
				logger.Info("received resume signal")
				token.Resume()
			}
		}
	}
}

// defaultSecretBackends mirrors the teacher's
// internal/commands/secrets.createResolver: environment variables
// first, then the OS keychain, then an encrypted file as a fallback
// for headless environments without a keychain.
func defaultSecretBackends() []secrets.SecretBackend {
	fileBackend, _ := secrets.NewFileBackend("", "")
	backends := []secrets.SecretBackend{
		secrets.NewEnvBackend(),
		secrets.NewKeychainBackend(),
	}
	if fileBackend != nil {
		backends = append(backends, fileBackend)
	}
	return backends
}

// serveMetrics runs a blocking Prometheus scrape endpoint until the
// listener fails; callers run it in a goroutine.
func serveMetrics(addr string, provider *observability.OTelProvider, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", provider.MetricsHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", slog.Any("error", err))
	}
}
