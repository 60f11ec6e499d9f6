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

package revocation

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchSkipsUnregisteredAction(t *testing.T) {
	var called []string
	reg := NewRegistry(map[string]Action{
		"restart": func(Notice) error { called = append(called, "restart"); return nil },
	})

	reg.Dispatch([]string{"restart", "nonexistent"}, Notice{Type: "revocation"})

	assert.Equal(t, []string{"restart"}, called)
}

func TestDispatchContinuesAfterActionError(t *testing.T) {
	var called []string
	reg := NewRegistry(map[string]Action{
		"first":  func(Notice) error { called = append(called, "first"); return errors.New("boom") },
		"second": func(Notice) error { called = append(called, "second"); return nil },
	})

	reg.Dispatch([]string{"first", "second"}, Notice{})

	assert.Equal(t, []string{"first", "second"}, called)
}

func TestLoadActionListMissingFileIsEmpty(t *testing.T) {
	names, err := LoadActionList(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLoadActionListParsesCommaSeparated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "action_list")
	require.NoError(t, os.WriteFile(path, []byte("restart, notify ,reboot\n"), 0o644))

	names, err := LoadActionList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"restart", "notify", "reboot"}, names)
}

func TestNoticeUnmarshalCapturesArbitraryFields(t *testing.T) {
	var n Notice
	require.NoError(t, n.UnmarshalJSON([]byte(`{"type":"revocation","node_uuid":"abc-123"}`)))

	assert.Equal(t, "revocation", n.Type)
	assert.Equal(t, "abc-123", n.Fields["node_uuid"])
}
