/*
 *
 * Copyright 2025 The LinuxCNC Go Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/tailscale/hujson"

	"github.com/Larissa1990/linuxcnc/ringreg"
)

// config is the ringsh configuration file. The file is HuJSON (JSON with
// comments and trailing commas); all fields are optional.
type config struct {
	Namespace string `json:"namespace,omitempty"`
	Strategy  string `json:"strategy,omitempty"` // "resident" or "external"
	DumpPath  string `json:"dump_path,omitempty"`
}

var errUnknownStrategy = errors.New("unknown strategy")

// loadConfig reads and parses a config file. A missing file with an empty
// path is not an error; an explicitly named missing file is.
func loadConfig(path string) (config, error) {
	var cfg config
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := json.Unmarshal(std, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}

// parseStrategy maps a config/flag value to a registry strategy. An empty
// value selects resident mapping.
func parseStrategy(name string) (ringreg.Strategy, error) {
	switch name {
	case "", "resident":
		return ringreg.ResidentMapping, nil
	case "external":
		return ringreg.ExternalSegmentLookup, nil
	default:
		return 0, fmt.Errorf("%w: %q (want resident or external)", errUnknownStrategy, name)
	}
}
