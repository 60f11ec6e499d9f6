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

// Package tpmbackend is the concrete, swappable TPM transport that stands
// in for the "external TPM initializer" collaborator spec.md describes: a
// real device, a TCP-attached simulator, or an in-process simulator,
// selected by configuration.
package tpmbackend

import (
	"fmt"
	"log/slog"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/simulator"
	"github.com/google/go-tpm/tpmutil"
	"github.com/google/go-tpm/tpmutil/mssim"

	"github.com/nodeattest/agent/config"
)

// Device opens and closes the transport to a TPM. Callers obtain one
// transport.TPMCloser per process and hold it for the process lifetime;
// serialising concurrent use of that transport is tpmquote.Owner's job, not
// this package's.
type Device interface {
	Open() (transport.TPMCloser, error)
	Close() error
}

// New selects a concrete Device for the given configuration.
func New(cfg config.TPM) (Device, error) {
	switch cfg.Backend {
	case config.BackendReal:
		return NewRealDevice(cfg.Device), nil
	case config.BackendSimulator:
		return NewSimulator(cfg.SimulatorCmdAddress, cfg.SimulatorPlatformAddress), nil
	case config.BackendInMemory:
		return NewInMemorySimulator(), nil
	default:
		return nil, fmt.Errorf("tpmbackend: unknown backend %q", cfg.Backend)
	}
}

// RealDevice talks to a physical (or hypervisor-exposed) TPM character
// device, e.g. /dev/tpmrm0.
type RealDevice struct {
	path   string
	handle *transport.TPMCloser
}

func NewRealDevice(path string) *RealDevice {
	if path == "" {
		path = "/dev/tpmrm0"
	}
	return &RealDevice{path: path}
}

func (d *RealDevice) Open() (transport.TPMCloser, error) {
	if d.handle != nil {
		return *d.handle, nil
	}

	rwc, err := tpmutil.OpenTPM(d.path)
	if err != nil {
		return nil, fmt.Errorf("tpmbackend: open %s: %w", d.path, err)
	}
	slog.Info("using real TPM", "device", d.path)

	tpm := transport.FromReadWriteCloser(rwc)
	d.handle = &tpm
	return tpm, nil
}

func (d *RealDevice) Close() error {
	if d.handle != nil {
		return (*d.handle).Close()
	}
	return nil
}

// Simulator is a TCP-attached software TPM (mssim protocol), used in CI and
// local development against a long-running simulator process.
type Simulator struct {
	commandAddress  string
	platformAddress string
	handle          *transport.TPMCloser
}

func NewSimulator(commandAddress, platformAddress string) *Simulator {
	return &Simulator{commandAddress: commandAddress, platformAddress: platformAddress}
}

func (s *Simulator) Open() (transport.TPMCloser, error) {
	if s.handle != nil {
		return *s.handle, nil
	}

	device, err := mssim.Open(mssim.Config{
		CommandAddress:  s.commandAddress,
		PlatformAddress: s.platformAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("tpmbackend: open simulator: %w", err)
	}
	slog.Info("using mssim TPM simulator")

	tpm := transport.FromReadWriteCloser(device)
	s.handle = &tpm
	return tpm, nil
}

func (s *Simulator) Close() error {
	if s.handle != nil {
		return (*s.handle).Close()
	}
	return nil
}

// InMemorySimulator runs the go-tpm software TPM in-process, no separate
// server required. Used by the unit tests in tpmbackend and lifecycle.
type InMemorySimulator struct {
	handle *transport.TPMCloser
}

func NewInMemorySimulator() *InMemorySimulator {
	return &InMemorySimulator{}
}

func (s *InMemorySimulator) Open() (transport.TPMCloser, error) {
	if s.handle != nil {
		return *s.handle, nil
	}

	tpm, err := simulator.OpenSimulator()
	if err != nil {
		return nil, fmt.Errorf("tpmbackend: open in-memory simulator: %w", err)
	}
	slog.Info("using in-memory TPM simulator")

	s.handle = &tpm
	return tpm, nil
}

func (s *InMemorySimulator) Close() error {
	if s.handle != nil {
		return (*s.handle).Close()
	}
	return nil
}
