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

// Package connector resolves (tenant, connector) names to backend
// definitions: built-in in-process servers, external subprocess launch
// specs, or remote HTTP endpoints, loaded from a YAML registry file
// that can be reloaded at runtime.
package connector

import (
	"fmt"
	"net/url"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// NameRegex validates connector and tenant names. Names must start
// with a letter and contain only letters, numbers, hyphens, and
// underscores, up to 64 characters.
var NameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// Connector types.
const (
	TypeBuiltin  = "builtin"
	TypeExternal = "external"
	TypeHTTP     = "http"
)

// Definition is one connector entry in the registry file.
type Definition struct {
	// Type is "builtin", "external", or "http". Defaults to "external"
	// when a command is present, "http" when a URL is present,
	// "builtin" otherwise.
	Type string `yaml:"type,omitempty"`

	// Command is the executable for external connectors.
	Command string `yaml:"command,omitempty"`

	// URL is the remote endpoint for http connectors.
	URL string `yaml:"url,omitempty"`

	// Args are command-line arguments.
	Args []string `yaml:"args,omitempty"`

	// Env are extra environment variables for the subprocess.
	Env map[string]string `yaml:"env,omitempty"`

	// Runtime optionally declares the runtime type; inferred from the
	// command when empty.
	Runtime string `yaml:"runtime,omitempty"`

	// TimeoutSeconds bounds each request to this connector.
	TimeoutSeconds int `yaml:"timeout,omitempty"`
}

// TenantEntry scopes which connectors a tenant may reach. An absent
// entry (or empty list) grants access to every registered connector.
type TenantEntry struct {
	Connectors []string `yaml:"connectors,omitempty"`
}

// File is the on-disk registry layout.
type File struct {
	Connectors map[string]*Definition  `yaml:"connectors"`
	Tenants    map[string]*TenantEntry `yaml:"tenants,omitempty"`
}

// LoadFile reads and validates a registry file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connector registry: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse connector registry: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks names and per-connector consistency, and defaults
// each entry's type.
func (f *File) Validate() error {
	for name, def := range f.Connectors {
		if !NameRegex.MatchString(name) {
			return fmt.Errorf("invalid connector name %q", name)
		}
		if def == nil {
			return fmt.Errorf("connector %q has no definition", name)
		}

		if def.Type == "" {
			switch {
			case def.Command != "":
				def.Type = TypeExternal
			case def.URL != "":
				def.Type = TypeHTTP
			default:
				def.Type = TypeBuiltin
			}
		}

		switch def.Type {
		case TypeBuiltin:
			if def.Command != "" {
				return fmt.Errorf("connector %q: builtin connectors cannot declare a command", name)
			}
		case TypeExternal:
			if def.Command == "" {
				return fmt.Errorf("connector %q: external connectors require a command", name)
			}
		case TypeHTTP:
			if def.URL == "" {
				return fmt.Errorf("connector %q: http connectors require a url", name)
			}
			u, err := url.Parse(def.URL)
			if err != nil || !u.IsAbs() || u.Host == "" {
				return fmt.Errorf("connector %q: invalid url %q", name, def.URL)
			}
			if def.Command != "" {
				return fmt.Errorf("connector %q: http connectors cannot declare a command", name)
			}
		default:
			return fmt.Errorf("connector %q: unknown type %q", name, def.Type)
		}

		if def.TimeoutSeconds < 0 {
			return fmt.Errorf("connector %q: timeout must be >= 0", name)
		}
	}

	for tenant, entry := range f.Tenants {
		if !NameRegex.MatchString(tenant) {
			return fmt.Errorf("invalid tenant name %q", tenant)
		}
		if entry == nil {
			continue
		}
		for _, c := range entry.Connectors {
			if _, ok := f.Connectors[c]; !ok {
				return fmt.Errorf("tenant %q references unknown connector %q", tenant, c)
			}
		}
	}

	return nil
}
