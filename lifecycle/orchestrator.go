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

// Package lifecycle is the Lifecycle Orchestrator (spec.md C6): the
// one-shot sequence that mounts secure storage, establishes this node's
// identity, registers with the Registrar, activates its AIK, and starts
// the HTTP surface — then waits for a termination signal. Grounded on
// cmd/compute_boot/main.go's sequential fatal-on-error shape and
// cloud_node.py's main() for the exact ordering.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/nodeattest/agent/config"
	"github.com/nodeattest/agent/keyshare"
	"github.com/nodeattest/agent/nodeagent"
	"github.com/nodeattest/agent/revocation"
	"github.com/nodeattest/agent/tpmbackend"
	"github.com/nodeattest/agent/tpmquote"
)

// ErrNotRoot is returned by Run when the process does not hold root
// privileges, required to mount secure storage and own the TPM device.
var ErrNotRoot = errors.New("lifecycle: must run as root")

// defaultAIKHandle is the persistent handle slot this agent parks its
// attestation identity key at when configuration doesn't name one.
const defaultAIKHandle = tpm2.TPMHandle(0x81010002)

// Orchestrator wires together every component C1-C6/A1-A5 need at startup.
// Fields left nil fall back to their default concrete implementation.
type Orchestrator struct {
	Config *config.Config

	Device        tpmbackend.Device
	VirtualDevice tpmbackend.Device // non-nil only for nested vTPM deployments

	Mounter   SecureMounter
	Registrar Registrar
	Openstack OpenstackUUIDSource

	RequireRoot bool // set false in tests

	server  *nodeagent.Server
	httpSrv *http.Server
	device  tpmbackend.Device
}

// Run executes the one-shot startup sequence and then blocks serving HTTP
// and (if configured) listening for revocation notices, until ctx is
// cancelled. On return the HTTP server has been shut down and the AIK/EK
// transient handles flushed.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.RequireRoot && os.Getuid() != 0 {
		return ErrNotRoot
	}

	mounter := o.Mounter
	if mounter == nil {
		mounter = TmpfsMounter{}
	}
	if err := mounter.Mount(o.Config.SecureMountDir); err != nil {
		return fmt.Errorf("lifecycle: mount secure storage: %w", err)
	}

	if err := os.MkdirAll(o.Config.WorkDir, 0o700); err != nil {
		return fmt.Errorf("lifecycle: create work dir: %w", err)
	}
	if err := os.Chdir(o.Config.WorkDir); err != nil {
		return fmt.Errorf("lifecycle: chdir to work dir: %w", err)
	}

	device := o.Device
	if device == nil {
		var err error
		device, err = tpmbackend.New(o.Config.TPM)
		if err != nil {
			return fmt.Errorf("lifecycle: build tpm device: %w", err)
		}
	}
	o.device = device

	tpm, err := device.Open()
	if err != nil {
		return fmt.Errorf("lifecycle: open tpm: %w", err)
	}

	isVirtual := o.VirtualDevice != nil
	ekPub, ekCert, err := tpmbackend.ProvisionEndorsement(tpm, isVirtual)
	if err != nil {
		return fmt.Errorf("lifecycle: provision endorsement key: %w", err)
	}

	aikSlot := tpm2.TPMHandle(o.Config.TPM.AttestationKeyHandle)
	if aikSlot == 0 {
		aikSlot = defaultAIKHandle
	}
	aikHandle, aikPub, err := tpmbackend.SetupAttestationKey(tpm, aikSlot)
	if err != nil {
		return fmt.Errorf("lifecycle: setup attestation key: %w", err)
	}

	nodeUUID, err := DeriveNodeUUID(ctx, o.Config, ekPub, o.Openstack)
	if err != nil {
		return fmt.Errorf("lifecycle: derive node uuid: %w", err)
	}
	slog.Info("node identity established", "node_uuid", nodeUUID, "virtual", isVirtual)

	rsaKey, err := nodeagent.LoadOrGenerateRSAKey(o.Config.RSAKeyName)
	if err != nil {
		return fmt.Errorf("lifecycle: load or generate rsa identity: %w", err)
	}
	pubkeyPEM, err := nodeagent.EncodePublicKeyPEM(&rsaKey.PublicKey)
	if err != nil {
		return fmt.Errorf("lifecycle: encode rsa public key: %w", err)
	}

	registrar := o.Registrar
	if registrar == nil {
		registrar = NewRegistrar(o.Config.Registrar)
	}
	regResp, err := registrar.Register(ctx, RegisterRequest{
		NodeUUID:     nodeUUID,
		EKPub:        ekPub,
		EKCert:       ekCert,
		AIKPub:       aikPub,
		RSAPubkeyPEM: pubkeyPEM,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: register with registrar: %w", err)
	}

	if err := activateIdentity(tpm, aikHandle, regResp); err != nil {
		return fmt.Errorf("lifecycle: activate identity: %w", err)
	}

	keys := keyshare.New(nodeUUID)
	seedPersistedU(tpm, keys)

	owner := o.buildQuoteOwner(device, aikHandle)

	nvram := &nodeagent.TPMNVRAM{Device: device}
	extender := &nodeagent.TPMPCRExtender{Device: device}

	srv, err := nodeagent.New(nodeagent.Config{
		QuoteOwner:    owner,
		Keys:          keys,
		RSAKey:        rsaKey,
		NodeUUID:      nodeUUID,
		MeasurePCR:    o.Config.MeasurePCR,
		PayloadScript: o.Config.PayloadScript,
		ExtractZip:    o.Config.ExtractZip,
		SecureStore: &nodeagent.FilesystemSecureStore{
			Dir:            o.Config.SecureMountDir,
			EncKeyName:     o.Config.EncKeyName,
			DecPayloadFile: o.Config.DecPayloadFile,
		},
		NVRAM:        nvram,
		PayloadStore: &nodeagent.WorkDirEncryptedPayloadStore{Dir: o.Config.WorkDir},
		Launcher:     &nodeagent.ScriptLauncher{Dir: o.Config.SecureMountDir},
		IMAList:      &nodeagent.FileIMAMeasurementList{Path: "/sys/kernel/security/ima/ascii_runtime_measurements"},
		PCRExtender:  extender,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: build http surface: %w", err)
	}
	o.server = srv

	errCh := make(chan error, 1)
	o.startHTTP(errCh)

	revCh := o.startRevocationListener(ctx)

	done := make(chan struct{})
	defer close(done)
	notifyReady()
	watchdogPing(done)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			slog.Error("http surface exited unexpectedly", "error", err)
		}
	case err := <-revCh:
		if err != nil {
			slog.Error("revocation listener exited unexpectedly", "error", err)
		}
	}

	return o.shutdown(tpm, aikHandle)
}

// activateIdentity recovers the ephemeral activation secret the Registrar
// wrapped under this node's EK/AIK pair, proving possession of the AIK
// (spec.md §1, item 1). The EK transient handle is reloaded for the
// activation call — ProvisionEndorsement already flushed its own copy —
// and flushed again immediately after use.
func activateIdentity(tpm transport.TPMCloser, aikHandle tpm2.TPMHandle, regResp *RegisterResponse) error {
	ekHandle, err := tpmbackend.LoadEndorsementKey(tpm)
	if err != nil {
		return err
	}
	defer func() {
		if err := tpmbackend.FlushHandle(tpm, ekHandle); err != nil {
			slog.Warn("failed to flush reloaded endorsement key", "error", err)
		}
	}()

	secret, err := tpmbackend.ActivateCredential(tpm, aikHandle, ekHandle, regResp.CredentialBlob, regResp.Secret)
	if err != nil {
		return err
	}
	// The recovered secret proves AIK possession to the Registrar on a
	// subsequent confirmation round-trip in a full deployment; the core's
	// job ends at recovering it, per spec.md's scope boundary around the
	// registrar client.
	_ = secret
	return nil
}

// seedPersistedU implements the "read any NVRAM-persisted U and seed
// u_set" step: a prior process's final_U survives a restart so that a fresh
// V can pair with it. The auth tag is not persisted, so derivation after a
// restart still waits for a U submission to supply one.
func seedPersistedU(tpm transport.TPMCloser, keys *keyshare.Collector) {
	u, ok, err := tpmbackend.ReadU(tpm)
	if err != nil {
		slog.Warn("failed to read persisted final_U from nvram", "error", err)
		return
	}
	if ok {
		keys.SeedU(u)
		slog.Info("seeded key-share collector from persisted final_U")
	}
}

func (o *Orchestrator) buildQuoteOwner(device tpmbackend.Device, aikHandle tpm2.TPMHandle) *tpmquote.Owner {
	var opts []tpmquote.Option
	if o.VirtualDevice != nil {
		vHandle := tpm2.TPMHandle(o.Config.TPM.AttestationKeyHandle)
		if vHandle == 0 {
			vHandle = aikHandle
		}
		opts = append(opts, tpmquote.WithVirtualDevice(o.VirtualDevice, vHandle))
	}
	return tpmquote.NewOwner(device, aikHandle, opts...)
}

func (o *Orchestrator) startHTTP(errCh chan<- error) {
	addr := fmt.Sprintf(":%d", o.Config.CloudnodePort)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		errCh <- fmt.Errorf("lifecycle: listen on %s: %w", addr, err)
		return
	}

	o.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           o.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("attestation http surface listening", "address", addr)
		if err := o.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
}

// startRevocationListener starts the optional revocation listener
// goroutine when configured, per spec.md §4.6/§6's listen_notfications
// switch. The returned channel is never written to when disabled, so the
// orchestrator's select simply never selects it.
func (o *Orchestrator) startRevocationListener(ctx context.Context) <-chan error {
	out := make(chan error, 1)
	if !o.Config.ListenNotifications || o.Config.Revocation.Address == "" {
		return out
	}

	registry := revocation.NewRegistry(nil)
	actionNames := o.Config.Revocation.Actions

	client := &revocation.Client{}
	go func() {
		out <- client.Listen(ctx, o.Config.Revocation.Address, func(n revocation.Notice) {
			registry.Dispatch(actionNames, n)
		})
	}()
	return out
}

// shutdown implements the termination tail: flush TPM keys, stop the HTTP
// server, close the device (spec.md §5's "termination signal causes C6 to
// flush TPM keys and stop the server").
func (o *Orchestrator) shutdown(tpm transport.TPMCloser, aikHandle tpm2.TPMHandle) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if o.httpSrv != nil {
		if err := o.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to gracefully shut down http surface", "error", err)
		}
	}

	if err := tpmbackend.FlushHandle(tpm, aikHandle); err != nil {
		// The AIK lives at a persistent handle once SetupAttestationKey
		// evicts it there; FlushContext on a persistent handle is a no-op
		// error from the TPM's perspective and is not worth propagating.
		slog.Debug("flush aik handle at shutdown", "error", err)
	}

	if o.device != nil {
		if err := o.device.Close(); err != nil {
			slog.Warn("failed to close tpm device", "error", err)
		}
	}

	return nil
}
