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
	"bufio"
	"log/slog"
	"os"
	"strings"
)

// Action handles a single revocation notice.
type Action func(Notice) error

// Registry is a compile-time map from action name to handler, replacing
// the source's dynamic module import (spec.md §9 design note). An
// unregistered name is logged and skipped rather than treated as fatal.
type Registry struct {
	actions map[string]Action
}

// NewRegistry builds a Registry seeded with the given named actions.
func NewRegistry(actions map[string]Action) *Registry {
	if actions == nil {
		actions = map[string]Action{}
	}
	return &Registry{actions: actions}
}

// Register adds or replaces a named action.
func (r *Registry) Register(name string, action Action) {
	r.actions[name] = action
}

// Dispatch resolves each name in names through the registry and invokes it
// with notice. Unregistered names are logged and skipped; a handler error
// is logged but does not stop the remaining names from running.
func (r *Registry) Dispatch(names []string, notice Notice) {
	for _, name := range names {
		action, ok := r.actions[name]
		if !ok {
			slog.Warn("revocation: unregistered action, skipping", "action", name)
			continue
		}
		if err := action(notice); err != nil {
			slog.Error("revocation: action failed", "action", name, "error", err)
		}
	}
}

// LoadActionList reads the comma-separated "default" action list the
// payload drops at path (spec.md §6's action_list), trimming whitespace
// around each name. A missing file yields an empty, non-error list — no
// actions configured is a valid steady state.
func LoadActionList(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var names []string
	for scanner.Scan() {
		for _, name := range strings.Split(scanner.Text(), ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				names = append(names, name)
			}
		}
	}
	return names, scanner.Err()
}
