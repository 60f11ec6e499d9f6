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

package quoteverify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// ExternalVerifier shells out to the native tpm_cexec-equivalent binary,
// piping its stdout back for ParseVerifierOutput. The process-management
// discipline (context-bound SIGTERM-then-Kill, explicit stderr routing) is
// carried over from routercom/serve.go's runWorker, applied here to a
// verification helper instead of the inference worker.
type ExternalVerifier struct {
	BinaryPath string
}

func (e *ExternalVerifier) VerifyShallow(ctx context.Context, aikPath, quotePath, nonce string) (io.Reader, error) {
	return e.run(ctx, "-checkquote", "-aik", aikPath, "-quote", quotePath, "-nonce", nonce)
}

func (e *ExternalVerifier) VerifyDeep(ctx context.Context, vAIKPath, hAIKPath, quotePath, nonce string) (io.Reader, error) {
	return e.run(ctx, "-checkdeepquote", "-vaik", vAIKPath, "-haik", hAIKPath, "-quote", quotePath, "-nonce", nonce)
}

func (e *ExternalVerifier) run(ctx context.Context, args ...string) (io.Reader, error) {
	commandPath, err := filepath.Abs(e.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("quoteverify: resolve verifier path: %w", err)
	}

	//nolint:gosec // commandPath is operator-configured, not caller input
	cmd := exec.CommandContext(ctx, commandPath, args...)
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				slog.WarnContext(ctx, "failed to send SIGTERM to quote verifier", "error", err)
				return cmd.Process.Kill()
			}
		}
		return nil
	}
	cmd.Stderr = os.Stderr

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("quoteverify: run verifier: %w", err)
	}

	return &stdout, nil
}

// TempFileQuoteWriter implements QuoteFileWriter against the local
// filesystem, mirroring tpm_quote.py's per-call scoped temp file that's
// deleted on every exit path.
type TempFileQuoteWriter struct {
	Dir string
}

func (w *TempFileQuoteWriter) WriteQuoteFile(raw []byte) (string, func(), error) {
	f, err := os.CreateTemp(w.Dir, "quote-*.bin")
	if err != nil {
		return "", func() {}, fmt.Errorf("quoteverify: create temp quote file: %w", err)
	}

	cleanup := func() {
		if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove temp quote file", "path", f.Name(), "error", err)
		}
	}

	if _, err := f.Write(raw); err != nil {
		f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("quoteverify: write temp quote file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("quoteverify: close temp quote file: %w", err)
	}

	return f.Name(), cleanup, nil
}
