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

package nodeagent

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// FilesystemSecureStore implements SecureStore against a tmpfs-backed
// directory that the lifecycle orchestrator mounts before the HTTP surface
// starts. Extraction follows the same zip.OpenReader-over-a-ReaderAt shape
// used elsewhere in the pack for archive unpacking.
type FilesystemSecureStore struct {
	Dir            string
	EncKeyName     string
	DecPayloadFile string
}

func (s *FilesystemSecureStore) Mounted() bool {
	info, err := os.Stat(s.Dir)
	return err == nil && info.IsDir()
}

func (s *FilesystemSecureStore) WriteEncKey(encoded []byte) error {
	return os.WriteFile(filepath.Join(s.Dir, s.EncKeyName), encoded, 0o600)
}

func (s *FilesystemSecureStore) unzippedDir() string {
	return filepath.Join(s.Dir, "unzipped")
}

func (s *FilesystemSecureStore) ClearUnzipped() error {
	if err := os.RemoveAll(s.unzippedDir()); err != nil {
		return fmt.Errorf("nodeagent: clear unzipped dir: %w", err)
	}
	return os.MkdirAll(s.unzippedDir(), 0o700)
}

func (s *FilesystemSecureStore) ExtractZip(data []byte) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("nodeagent: open payload zip: %w", err)
	}

	root := s.unzippedDir()
	for _, f := range reader.File {
		target := filepath.Join(root, f.Name)
		if !isWithinDir(root, target) {
			return fmt.Errorf("nodeagent: zip entry %q escapes unzipped dir", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}

		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}

	return nil
}

func extractZipFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("nodeagent: open zip entry %q: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("nodeagent: create %q: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil { //nolint:gosec // payload size is bounded by the ciphertext already fetched over HTTP
		return fmt.Errorf("nodeagent: write %q: %w", target, err)
	}
	return nil
}

func isWithinDir(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	return err == nil && rel != ".." && !filepath.IsAbs(rel) && rel[:2] != ".."+string(filepath.Separator)
}

func (s *FilesystemSecureStore) WritePlaintext(data []byte) error {
	return os.WriteFile(filepath.Join(s.Dir, s.DecPayloadFile), data, 0o600)
}

// WorkDirEncryptedPayloadStore implements EncryptedPayloadStore under the
// work directory, for warm-restart decryption after a process restart.
type WorkDirEncryptedPayloadStore struct {
	Dir string
}

const encryptedPayloadFilename = "encrypted_payload"

func (s *WorkDirEncryptedPayloadStore) path() string {
	return filepath.Join(s.Dir, encryptedPayloadFilename)
}

func (s *WorkDirEncryptedPayloadStore) Read() ([]byte, bool, error) {
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *WorkDirEncryptedPayloadStore) Write(data []byte) error {
	return os.WriteFile(s.path(), data, 0o600)
}

func (s *WorkDirEncryptedPayloadStore) Delete() error {
	err := os.Remove(s.path())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ScriptLauncher fire-and-forget launches the configured payload script
// under the secure directory, passing NODE_UUID in its environment.
type ScriptLauncher struct {
	Dir string
}

func (l *ScriptLauncher) Launch(scriptName, nodeUUID string) error {
	path := filepath.Join(l.Dir, scriptName)
	//nolint:gosec // scriptName is operator-configured, not caller input
	cmd := exec.Command(path)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), "NODE_UUID="+nodeUUID)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("nodeagent: launch payload script: %w", err)
	}

	go func() {
		_ = cmd.Wait()
	}()

	return nil
}

// FileIMAMeasurementList reads the IMA measurement list from a fixed path,
// when present.
type FileIMAMeasurementList struct {
	Path string
}

func (f *FileIMAMeasurementList) Read() (io.Reader, bool, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes.NewReader(data), true, nil
}
