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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxConfigBackups bounds how many config.yaml.bak.<timestamp> files
// WriteConfig keeps around; older ones are rotated out.
const maxConfigBackups = 3

// WriteConfig marshals cfg as YAML and writes it to path via
// writeAtomic, backing up any existing file first. Used by the init
// subcommand and by WriteConfigMinimal.
func WriteConfig(cfg *Config, path string) error {
	expanded, err := expandHomedir(path)
	if err != nil {
		return fmt.Errorf("expand config path: %w", err)
	}

	if _, err := os.Stat(expanded); err == nil {
		if err := backupConfig(expanded); err != nil {
			return fmt.Errorf("backup existing config: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	content := "# coder Configuration\n" + string(data)
	if err := writeAtomic(expanded, []byte(content), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return rotateBackups(expanded)
}

// WriteConfigMinimal builds a config with the programmer and reviewer
// agent roles pointed at the given CLI command, layered over
// Default()'s ambient settings, and writes it via WriteConfig. Used
// by the init subcommand to produce a small, readable config.yaml
// rather than dumping every field's default value to disk.
func WriteConfigMinimal(command string, path string) error {
	cfg := Default()
	for role, rc := range cfg.Workflow.AgentRoles {
		rc.Command = command
		cfg.Workflow.AgentRoles[role] = rc
	}
	return WriteConfig(cfg, path)
}

// writeAtomic writes data to path via a temp file in the same
// directory followed by an atomic rename, removing the temp file on
// any failure so a read-only or full destination never leaves litter
// behind.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// backupConfig copies the existing file at path to path+".bak."+timestamp.
func backupConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	backupPath := fmt.Sprintf("%s.bak.%s", path, time.Now().Format("20060102150405.000000000"))
	return os.WriteFile(backupPath, data, 0600)
}

// rotateBackups keeps only the maxConfigBackups most recent backups
// for path, deleting the rest.
func rotateBackups(path string) error {
	dir := filepath.Dir(path)
	prefix := filepath.Base(path) + ".bak."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var backups []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= maxConfigBackups {
		return nil
	}

	sort.Strings(backups)
	toRemove := backups[:len(backups)-maxConfigBackups]
	for _, name := range toRemove {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// expandHomedir replaces a leading "~" with the user's home directory.
func expandHomedir(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
