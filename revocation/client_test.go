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
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeNotice(t *testing.T, conn net.Conn, notice map[string]any) {
	t.Helper()
	body, err := json.Marshal(notice)
	require.NoError(t, err)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))
	_, err = conn.Write(lenBuf)
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)
}

func TestListenDecodesNoticesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Notice, 2)
	client := &Client{}
	done := make(chan error, 1)
	go func() {
		done <- client.Listen(ctx, ln.Addr().String(), func(n Notice) { received <- n })
	}()

	conn := <-accepted
	writeNotice(t, conn, map[string]any{"type": "revocation", "node_uuid": "n1"})
	writeNotice(t, conn, map[string]any{"type": "get_key", "node_uuid": "n1"})

	first := <-received
	assert.Equal(t, "revocation", first.Type)
	second := <-received
	assert.Equal(t, "get_key", second.Type)

	cancel()
	conn.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after context cancellation")
	}
}
