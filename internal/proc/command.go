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

package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Runtime type labels persisted to connector status.
const (
	RuntimeNodeJS = "external_nodejs"
	RuntimePython = "external_python"
	RuntimeOther  = "external"
)

// LaunchSpec describes how to start a connector subprocess.
type LaunchSpec struct {
	// Command is the executable. Required.
	Command string

	// Args are the command-line arguments.
	Args []string

	// Env are extra environment variables overlaid on the parent's.
	Env map[string]string

	// Runtime is the declared runtime type. When empty it is inferred
	// from the launcher executable name.
	Runtime string

	// ScratchDir is a writable directory used to fabricate a home for
	// launchers that need one. Defaults to os.TempDir().
	ScratchDir string
}

// ResolvedCommand is a validated, ready-to-spawn command line.
type ResolvedCommand struct {
	Path    string
	Args    []string
	Env     []string
	Runtime string
}

// userHomeDir is swapped in tests.
var userHomeDir = os.UserHomeDir

// Resolve validates the spec and applies launcher conventions: npx gets
// an auto-confirm flag in front of the package argument, and uvx gets a
// writable home override when the ambient home directory is unusable.
func (s LaunchSpec) Resolve() (ResolvedCommand, error) {
	command := strings.TrimSpace(s.Command)
	if command == "" {
		return ResolvedCommand{}, &CommandError{Command: s.Command, Reason: "executable is blank"}
	}

	launcher := strings.ToLower(filepath.Base(command))
	args := append([]string(nil), s.Args...)
	env := mergedEnv(s.Env)

	switch launcher {
	case "npx":
		if !containsArg(args, "-y") && !containsArg(args, "--yes") {
			args = append([]string{"-y"}, args...)
		}
	case "uvx":
		if !homeUsable() {
			scratch := s.ScratchDir
			if scratch == "" {
				scratch = os.TempDir()
			}
			home := filepath.Join(scratch, "uvx-home")
			if err := os.MkdirAll(home, 0700); err != nil {
				return ResolvedCommand{}, &CommandError{Command: command,
					Reason: fmt.Sprintf("cannot create home override: %v", err)}
			}
			env = setEnv(env, "HOME", home)
			env = setEnv(env, "UV_CACHE_DIR", filepath.Join(home, ".cache"))
		}
	}

	runtime := s.Runtime
	if runtime == "" {
		runtime = inferRuntime(launcher)
	}

	return ResolvedCommand{
		Path:    command,
		Args:    args,
		Env:     env,
		Runtime: runtime,
	}, nil
}

// inferRuntime maps a launcher executable name to a runtime type.
func inferRuntime(launcher string) string {
	switch launcher {
	case "npx", "node", "npm", "bun":
		return RuntimeNodeJS
	case "uvx", "uv", "python", "python3", "pipx":
		return RuntimePython
	default:
		return RuntimeOther
	}
}

// homeUsable reports whether the ambient home directory exists and is
// writable.
func homeUsable() bool {
	home, err := userHomeDir()
	if err != nil || home == "" {
		return false
	}
	info, err := os.Stat(home)
	if err != nil || !info.IsDir() {
		return false
	}
	probe, err := os.CreateTemp(home, ".sagemcp-probe-*")
	if err != nil {
		return false
	}
	probe.Close()
	os.Remove(probe.Name())
	return true
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

// mergedEnv overlays extra variables onto the parent environment with
// deterministic ordering.
func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	if len(extra) == 0 {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = setEnv(env, k, extra[k])
	}
	return env
}

// setEnv replaces or appends a KEY=value entry.
func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
