// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bus

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
)

// newTestSpace builds Machine_M1/Sensors/Temp_01/{Value,Quality,Status}.
func newTestSpace(t *testing.T) (*AddressSpace, NodeID) {
	t.Helper()
	space := NewAddressSpace()
	machine, err := space.AddFolder("", "Machine_M1")
	require.NoError(t, err)
	sensors, err := space.AddFolder(machine, "Sensors")
	require.NoError(t, err)
	temp, err := space.AddFolder(sensors, "Temp_01")
	require.NoError(t, err)
	_, err = space.AddVariable(temp, "Value", Number(20))
	require.NoError(t, err)
	_, err = space.AddVariable(temp, "Quality", Number(100))
	require.NoError(t, err)
	_, err = space.AddVariable(temp, "Status", Text("OK"))
	require.NoError(t, err)
	return space, temp
}

// =============================================================================
// NodeID / Value
// =============================================================================

func TestNodeID_ChildAndSplit(t *testing.T) {
	id := NodeID("").Child("Machine_M1").Child("Sensors")
	assert.Equal(t, NodeID("Machine_M1/Sensors"), id)

	parent, name := id.Split()
	assert.Equal(t, NodeID("Machine_M1"), parent)
	assert.Equal(t, "Sensors", name)

	parent, name = NodeID("Root").Split()
	assert.Equal(t, NodeID(""), parent)
	assert.Equal(t, "Root", name)
}

func TestValue_Conversions(t *testing.T) {
	f, err := Text(" 1.5 ").Float()
	require.NoError(t, err)
	assert.Equal(t, 1.5, f)

	n, err := Number(87.9).Int()
	require.NoError(t, err)
	assert.Equal(t, 87, n)

	_, err = Text("abc").Float()
	assert.ErrorIs(t, err, ErrTypeMismatch)

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	got, err := Text(ts.Format(time.RFC3339Nano)).AsTime()
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))

	_, err = Number(1).AsTime()
	assert.ErrorIs(t, err, ErrTypeMismatch)

	assert.Equal(t, "2.25", Number(2.25).String())
}

// =============================================================================
// AddressSpace
// =============================================================================

func TestAddressSpace_Browse(t *testing.T) {
	space, temp := newTestSpace(t)

	root, err := space.Browse("")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "Machine_M1", root[0].Name)
	assert.Equal(t, KindFolder, root[0].Kind)

	children, err := space.Browse(temp)
	require.NoError(t, err)
	names := []string{children[0].Name, children[1].Name, children[2].Name}
	assert.Equal(t, []string{"Value", "Quality", "Status"}, names)
	assert.Equal(t, KindVariable, children[0].Kind)

	_, err = space.Browse("nope")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	_, err = space.Browse(temp.Child("Value"))
	assert.ErrorIs(t, err, ErrNotFolder)
}

func TestAddressSpace_ReadWrite(t *testing.T) {
	space, temp := newTestSpace(t)

	require.NoError(t, space.Write(temp.Child("Value"), Number(21.5)))
	v, err := space.Read(temp.Child("Value"))
	require.NoError(t, err)
	assert.Equal(t, 21.5, v.Number)

	_, err = space.Read(temp)
	assert.ErrorIs(t, err, ErrNotVariable)
	_, err = space.Read(temp.Child("Missing"))
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.ErrorIs(t, space.Write(temp.Child("Missing"), Number(1)), ErrNodeNotFound)
}

func TestAddressSpace_WriteGroupRejectsUnknownNames(t *testing.T) {
	space, temp := newTestSpace(t)

	err := space.WriteGroup(temp, map[string]Value{"Value": Number(30), "Bogus": Number(1)})
	assert.ErrorIs(t, err, ErrNodeNotFound)

	v, _ := space.Read(temp.Child("Value"))
	assert.Equal(t, 20.0, v.Number, "rejected group write must not partially apply")
}

func TestAddressSpace_ReadGroupPerNodeErrors(t *testing.T) {
	space, temp := newTestSpace(t)

	results := space.ReadGroup([]NodeID{temp.Child("Value"), temp.Child("Missing"), temp.Child("Status")})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrNodeNotFound)
	assert.Equal(t, "OK", results[2].Value.Text)
}

// TestAddressSpace_GroupReadsNeverTear publishes value==quality pairs
// and checks readers never observe a mixed pair.
func TestAddressSpace_GroupReadsNeverTear(t *testing.T) {
	space, temp := newTestSpace(t)
	ids := []NodeID{temp.Child("Value"), temp.Child("Quality")}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			_ = space.WriteGroup(temp, map[string]Value{
				"Value":   Number(float64(i)),
				"Quality": Number(float64(i)),
			})
		}
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				res := space.ReadGroup(ids)
				if res[0].Value.Number != res[1].Value.Number && res[0].Value.Number != 20 {
					t.Errorf("torn read: value=%v quality=%v", res[0].Value.Number, res[1].Value.Number)
					return
				}
			}
		}()
	}
	wg.Wait()
}

// =============================================================================
// Local gateway
// =============================================================================

func TestLocal_RequiresConnect(t *testing.T) {
	space, temp := newTestSpace(t)
	gw := NewLocal(space)
	ctx := context.Background()

	_, err := gw.Read(ctx, temp.Child("Value"))
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, gw.Connect(ctx))
	v, err := gw.Read(ctx, temp.Child("Value"))
	require.NoError(t, err)
	assert.Equal(t, 20.0, v.Number)

	require.NoError(t, gw.Disconnect())
	_, err = gw.Browse(ctx, "")
	assert.ErrorIs(t, err, ErrNotConnected)
}

// =============================================================================
// Websocket transport
// =============================================================================

func startBusServer(t *testing.T, space *AddressSpace) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewServer(space, logging.Discard()).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + BusPath
}

func TestWSClient_RoundTrip(t *testing.T) {
	space, temp := newTestSpace(t)
	url := startBusServer(t, space)

	client := NewWSClient(WSClientConfig{URL: url, RequestTimeout: 2 * time.Second}, logging.Discard())
	ctx := context.Background()

	_, err := client.Browse(ctx, "")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect()

	nodes, err := client.Browse(ctx, "Machine_M1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "Sensors", nodes[0].Name)

	require.NoError(t, client.WriteGroup(ctx, temp, map[string]Value{
		"Value":  Number(33.3),
		"Status": Text("WARNING"),
	}))

	results, err := client.ReadGroup(ctx, []NodeID{temp.Child("Value"), temp.Child("Status"), temp.Child("Nope")})
	require.NoError(t, err)
	assert.Equal(t, 33.3, results[0].Value.Number)
	assert.Equal(t, "WARNING", results[1].Value.Text)
	assert.ErrorIs(t, results[2].Err, ErrNodeNotFound)

	_, err = client.Read(ctx, temp)
	assert.ErrorIs(t, err, ErrNotVariable)

	require.NoError(t, client.Write(ctx, temp.Child("Quality"), Number(75)))
	v, err := client.Read(ctx, temp.Child("Quality"))
	require.NoError(t, err)
	assert.Equal(t, 75.0, v.Number)
}

func TestWSClient_ConcurrentCalls(t *testing.T) {
	space, temp := newTestSpace(t)
	url := startBusServer(t, space)

	client := NewWSClient(WSClientConfig{URL: url}, logging.Discard())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Read(context.Background(), temp.Child("Value"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestWSClient_DisconnectThenReconnect(t *testing.T) {
	space, temp := newTestSpace(t)
	url := startBusServer(t, space)
	ctx := context.Background()

	client := NewWSClient(WSClientConfig{URL: url}, logging.Discard())
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.Disconnect())

	_, err := client.Read(ctx, temp.Child("Value"))
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect()
	_, err = client.Read(ctx, temp.Child("Value"))
	assert.NoError(t, err)
}

func TestWSClient_DialFailure(t *testing.T) {
	client := NewWSClient(WSClientConfig{URL: "ws://127.0.0.1:1/bus"}, logging.Discard())
	err := client.Connect(context.Background())
	assert.Error(t, err)
}
