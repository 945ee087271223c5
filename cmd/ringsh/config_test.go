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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Larissa1990/linuxcnc/ringreg"
)

func TestLoadConfigAcceptsHuJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ringsh.jsonc")
	content := `{
		// machine-local namespace
		"namespace": "mill1",
		"strategy": "external",
		"dump_path": "/tmp/rings.json", // trailing comma below is fine
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "mill1", cfg.Namespace)
	require.Equal(t, "external", cfg.Strategy)
	require.Equal(t, "/tmp/rings.json", cfg.DumpPath)
}

func TestLoadConfigEmptyPathIsDefault(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, config{}, cfg)
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.jsonc"))
	require.Error(t, err)
}

func TestParseStrategy(t *testing.T) {
	s, err := parseStrategy("")
	require.NoError(t, err)
	require.Equal(t, ringreg.ResidentMapping, s)

	s, err = parseStrategy("resident")
	require.NoError(t, err)
	require.Equal(t, ringreg.ResidentMapping, s)

	s, err = parseStrategy("external")
	require.NoError(t, err)
	require.Equal(t, ringreg.ExternalSegmentLookup, s)

	_, err = parseStrategy("hybrid")
	require.ErrorIs(t, err, errUnknownStrategy)
}
