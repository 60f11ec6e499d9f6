// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := Default()
	err := Load(cfg, filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, BackendReal, cfg.TPM.Backend)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte("cloudnode_port: 9999\ntpm:\n  backend: simulator\n"), 0o600)
	require.NoError(t, err)

	cfg := Default()
	require.NoError(t, Load(cfg, path))

	assert.Equal(t, 9999, cfg.CloudnodePort)
	assert.Equal(t, BackendSimulator, cfg.TPM.Backend)
	// Untouched defaults survive the partial override.
	assert.Equal(t, "airkeynode.pem", cfg.RSAKeyName)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tpm:\n  backend: quantum\n"), 0o600))

	cfg := Default()
	err := Load(cfg, path)
	require.Error(t, err)
}

func TestFilenameFromArgs(t *testing.T) {
	path, err := FilenameFromArgs([]string{"-foo", "/etc/custom.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/custom.yaml", path)

	path, err = FilenameFromArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfigPath, path)
}
