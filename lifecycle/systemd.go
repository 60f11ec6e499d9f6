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
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notifyReady tells systemd (if the process was started as a notify-type
// unit) that startup has finished and the HTTP surface is serving. A no-op
// outside systemd, where NOTIFY_SOCKET is unset.
func notifyReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		slog.Warn("failed to notify systemd of readiness", "error", err)
		return
	}
	if sent {
		slog.Info("notified systemd of readiness")
	}
}

// watchdogPing starts the periodic WATCHDOG=1 keepalive systemd expects
// when the unit sets WatchdogSec=, stopping once done is closed. Returns
// immediately without starting a pinger if no watchdog interval is
// configured, matching SdWatchdogEnabled's "not requested" case.
func watchdogPing(done <-chan struct{}) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					slog.Warn("failed to send systemd watchdog ping", "error", err)
				}
			}
		}
	}()
}
