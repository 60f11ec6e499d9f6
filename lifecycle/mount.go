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

package lifecycle

import (
	"fmt"
	"os"
	"syscall"
)

// SecureMounter is the out-of-scope "secure-filesystem mount" collaborator
// spec.md §1 names: whatever provides a tmpfs-backed directory that
// survives only for the process's lifetime, so the derived key K and the
// decrypted payload never touch persistent storage.
type SecureMounter interface {
	Mount(dir string) error
}

// TmpfsMounter mounts a tmpfs at dir, creating it first if necessary. It
// tolerates the directory already being a mount point (idempotent restart).
type TmpfsMounter struct{}

func (TmpfsMounter) Mount(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("lifecycle: create secure mount dir: %w", err)
	}

	err := syscall.Mount("tmpfs", dir, "tmpfs", syscall.MS_NOSUID|syscall.MS_NODEV, "size=16m,mode=0700")
	if err != nil {
		if err == syscall.EBUSY {
			// Already mounted, typical of a warm restart.
			return nil
		}
		return fmt.Errorf("lifecycle: mount tmpfs at %s: %w", dir, err)
	}
	return nil
}
