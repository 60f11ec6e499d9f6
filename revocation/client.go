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

// Package revocation is the Revocation Listener (spec.md A4): it
// reconnects to the Registrar's revocation feed with backoff, decodes
// length-prefixed JSON notices, and dispatches each notice to the actions
// named in a payload-provided action list through a compile-time registry
// — no dynamic code loading, per spec.md §9's design note.
package revocation

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// reconnectInterval matches cloud_node.py's 10s sleep between
	// revocation-socket reconnection attempts (spec.md §5).
	reconnectInterval = 10 * time.Second
	maxNoticeLen       = 1 << 20 // 1MB, generous for a JSON revocation notice
)

// Notice is a single revocation event delivered by the Registrar. The wire
// shape is intentionally permissive (Keylime's own revocation notices carry
// a free-form "type" plus message-specific fields); Registry handlers
// inspect Fields for anything beyond Type.
type Notice struct {
	Type   string         `json:"type"`
	Fields map[string]any `json:"-"`
}

// UnmarshalJSON captures every field into Fields while also populating
// Type, so handlers never lose data the registry itself doesn't know about.
func (n *Notice) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.Fields = raw
	if t, ok := raw["type"].(string); ok {
		n.Type = t
	}
	return nil
}

// Client listens for revocation notices on a single long-lived connection,
// reconnecting with backoff whenever the connection drops.
type Client struct {
	// TLSConfig is used to dial when non-nil; a nil TLSConfig dials plain
	// TCP, the shape test harnesses and STUB_TPM-style development use.
	TLSConfig *tls.Config

	// Dial overrides the connection establishment entirely, for tests.
	// When nil, Listen dials addr directly (TLS if TLSConfig is set).
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Listen blocks until ctx is cancelled, repeatedly connecting to addr,
// reading notices until the connection drops or errors, then reconnecting
// after reconnectInterval. Each decoded notice is passed to handle.
func (c *Client) Listen(ctx context.Context, addr string, handle func(Notice)) error {
	boff := backoff.WithContext(backoff.NewConstantBackOff(reconnectInterval), ctx)

	return backoff.Retry(func() error {
		err := c.runOnce(ctx, addr, handle)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			slog.Warn("revocation listener connection ended, reconnecting", "error", err, "retry_in", reconnectInterval)
		}
		return err
	}, boff)
}

func (c *Client) runOnce(ctx context.Context, addr string, handle func(Notice)) error {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("revocation: dial %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	slog.Info("revocation listener connected", "address", addr)

	for {
		notice, err := readNotice(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("revocation: read notice: %w", err)
		}
		handle(notice)
	}
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	if c.Dial != nil {
		return c.Dial(ctx, addr)
	}

	dialer := &net.Dialer{}
	if c.TLSConfig != nil {
		return tls.DialWithDialer(dialer, "tcp", addr, c.TLSConfig)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// readNotice decodes one length-prefixed JSON notice: a 4-byte big-endian
// length followed by that many bytes of JSON, mirroring
// routercom/evidence/receive.go's framing adapted from evidence transport
// to revocation-notice transport.
func readNotice(conn net.Conn) (Notice, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return Notice{}, err
	}

	noticeLen := binary.BigEndian.Uint32(lenBuf)
	if noticeLen > maxNoticeLen {
		return Notice{}, fmt.Errorf("revocation: notice length %d over maximum %d", noticeLen, maxNoticeLen)
	}

	data := make([]byte, noticeLen)
	if _, err := io.ReadFull(conn, data); err != nil {
		return Notice{}, err
	}

	var notice Notice
	if err := json.Unmarshal(data, &notice); err != nil {
		return Notice{}, fmt.Errorf("revocation: unmarshal notice: %w", err)
	}
	return notice, nil
}
