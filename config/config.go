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

// Package config loads the node agent's typed YAML configuration record.
// Everything below materialises once at process startup and is passed
// downward as an immutable value, per the single-enumerated-settings-record
// design note.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/nodeagent/config.yaml"

// NodeUUIDMode selects how the node's UUID is derived at startup.
type NodeUUIDMode string

const (
	NodeUUIDLiteral   NodeUUIDMode = "literal"
	NodeUUIDOpenstack NodeUUIDMode = "openstack"
	NodeUUIDHashEK    NodeUUIDMode = "hash_ek"
	NodeUUIDGenerate  NodeUUIDMode = "generate"
)

// Backend selects the concrete TPM transport.
type Backend string

const (
	BackendReal      Backend = "real"
	BackendSimulator Backend = "simulator"
	BackendInMemory  Backend = "inmemory"
)

type Config struct {
	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	CloudnodePort int `yaml:"cloudnode_port"`

	RSAKeyName      string `yaml:"rsa_keyname"`
	EncKeyName      string `yaml:"enc_keyname"`
	DecPayloadFile  string `yaml:"dec_payload_file"`
	ExtractZip      bool   `yaml:"extract_payload_zip"`
	PayloadScript   string `yaml:"payload_script"`
	MeasurePCR      int    `yaml:"measure_payload_pcr"`
	SecureMountDir  string `yaml:"secure_mount_dir"`
	WorkDir         string `yaml:"work_dir"`

	NodeUUIDMode    NodeUUIDMode `yaml:"node_uuid"`
	NodeUUID        string       `yaml:"node_uuid_literal"`
	TPMOwnerPass    string       `yaml:"tpm_ownerpassword"`

	ListenNotifications bool `yaml:"listen_notfications"`

	Revocation Revocation `yaml:"revocation"`
	TPM        TPM        `yaml:"tpm"`
	Registrar  Registrar  `yaml:"registrar"`
	Profiling  Profiling  `yaml:"profiling"`
}

type Revocation struct {
	Cert    string   `yaml:"cert"`
	Actions []string `yaml:"actions"`
	Address string   `yaml:"address"`
}

type TPM struct {
	Backend                  Backend `yaml:"backend"`
	Device                   string  `yaml:"device"`
	SimulatorCmdAddress      string  `yaml:"simulator_cmd_address"`
	SimulatorPlatformAddress string  `yaml:"simulator_platform_address"`
	AttestationKeyHandle     uint32  `yaml:"attestation_key_handle"`
}

type Registrar struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

type Profiling struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the baseline configuration, overridden by whatever the
// caller loads on top of it.
func Default() *Config {
	return &Config{
		LogFormat:      "json",
		LogLevel:       "info",
		CloudnodePort:  9002,
		RSAKeyName:     "airkeynode.pem",
		EncKeyName:     "derived_tci_key",
		DecPayloadFile: "decrypted_payload",
		ExtractZip:     true,
		PayloadScript:  "",
		MeasurePCR:     0,
		SecureMountDir: "/var/lib/nodeagent/secure",
		WorkDir:        "/var/lib/nodeagent",
		NodeUUIDMode:   NodeUUIDGenerate,
		Revocation: Revocation{
			Actions: []string{},
		},
		TPM: TPM{
			Backend: BackendReal,
			Device:  "/dev/tpmrm0",
		},
		Registrar: Registrar{
			Timeout: 30 * time.Second,
		},
	}
}

// FilenameFromArgs resolves the config file path from the first positional
// CLI argument, falling back to DefaultConfigPath.
func FilenameFromArgs(args []string) (string, error) {
	for _, a := range args {
		if len(a) > 0 && a[0] != '-' {
			return a, nil
		}
	}
	return DefaultConfigPath, nil
}

// Load decodes the YAML file at path into cfg, which should already hold
// defaults. A missing file is not an error: the caller runs on defaults
// alone, matching how the core treats TPM ownership and NVRAM seeding as the
// only things that must actually exist.
func Load(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config: nil destination")
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	switch cfg.TPM.Backend {
	case BackendReal, BackendSimulator, BackendInMemory:
	default:
		return fmt.Errorf("config: unknown tpm.backend %q", cfg.TPM.Backend)
	}

	return nil
}
